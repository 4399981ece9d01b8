package utils

import (
	"context"

	"gorm.io/gorm"
)

/* DB fetching */

// fetch model from db scoped to the tenant
// (may return RecordNotFound)
func FetchModel[T any](ctx context.Context, db *gorm.DB, tenantId string, id uint, associations ...string) (*T, error) {
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// count rows of T for the tenant matching condition
func ResourceCountWhere[T any](ctx context.Context, db *gorm.DB, tenantId string, condition string, value ...interface{}) (int64, error) {
	var count int64
	var model T
	err := db.WithContext(ctx).Model(&model).
		Where("tenant_id = ?", tenantId).
		Where(condition, value...).
		Count(&count).Error
	return count, err
}
