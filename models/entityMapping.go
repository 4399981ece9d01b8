package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ordersync/utils"
	"gorm.io/gorm"
)

// EntityMapping joins a local row to its counterpart in the external ledger.
type EntityMapping struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	TenantId           string     `gorm:"uniqueIndex:idx_mapping_local,priority:1;uniqueIndex:idx_mapping_external,priority:1;size:64;not null" json:"tenant_id"`
	EntityType         EntityType `gorm:"uniqueIndex:idx_mapping_local,priority:2;uniqueIndex:idx_mapping_external,priority:2;size:32;not null" json:"entity_type"`
	LocalId            uint       `gorm:"uniqueIndex:idx_mapping_local,priority:3;not null" json:"local_id"`
	ExternalId         string     `gorm:"uniqueIndex:idx_mapping_external,priority:3;size:128;not null" json:"external_id"`
	SyncToken          string     `gorm:"size:64" json:"sync_token"`
	LastLocalUpdate    *time.Time `json:"last_local_update"`
	LastExternalUpdate *time.Time `json:"last_external_update"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindMappingByLocal returns (nil, nil) when the entity has never been synced.
func FindMappingByLocal(ctx context.Context, db *gorm.DB, tenantId string, entityType EntityType, localId uint) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND local_id = ?", tenantId, entityType, localId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func FindMappingByExternal(ctx context.Context, db *gorm.DB, tenantId string, entityType EntityType, externalId string) (*EntityMapping, error) {
	var mapping EntityMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND external_id = ?", tenantId, entityType, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

// MappedExternalIds returns local id -> external id for the ids that have a mapping.
func MappedExternalIds(ctx context.Context, db *gorm.DB, tenantId string, entityType EntityType, localIds []uint) (map[uint]string, error) {
	result := make(map[uint]string, len(localIds))
	if len(localIds) == 0 {
		return result, nil
	}
	var rows []EntityMapping
	if err := db.WithContext(ctx).
		Select("local_id", "external_id").
		Where("tenant_id = ? AND entity_type = ? AND local_id IN ?", tenantId, entityType, localIds).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		result[r.LocalId] = r.ExternalId
	}
	return result, nil
}

// UpsertMapping creates the mapping for (tenant, type, local id) or refreshes its external id,
// sync token and timestamps. A concurrent insert of the same key falls through to the update path.
func UpsertMapping(ctx context.Context, db *gorm.DB, m EntityMapping) (*EntityMapping, error) {
	if m.TenantId == "" || m.LocalId == 0 || m.ExternalId == "" {
		return nil, fmt.Errorf("%w: mapping requires tenant, local id and external id", ErrInvalidInput)
	}
	existing, err := FindMappingByLocal(ctx, db, m.TenantId, m.EntityType, m.LocalId)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created := m
		created.ID = 0
		err = db.WithContext(ctx).Create(&created).Error
		if err == nil {
			return &created, nil
		}
		if !utils.IsDuplicateKeyErr(err) {
			return nil, err
		}
		existing, err = FindMappingByLocal(ctx, db, m.TenantId, m.EntityType, m.LocalId)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// the external id belongs to another local row
			return nil, fmt.Errorf("%w: external id %s already mapped to another %s", ErrInvalidInput, m.ExternalId, m.EntityType)
		}
	}

	updates := map[string]interface{}{
		"external_id": m.ExternalId,
	}
	if m.SyncToken != "" {
		updates["sync_token"] = m.SyncToken
	}
	if m.LastLocalUpdate != nil {
		updates["last_local_update"] = m.LastLocalUpdate
		existing.LastLocalUpdate = m.LastLocalUpdate
	}
	if m.LastExternalUpdate != nil {
		updates["last_external_update"] = m.LastExternalUpdate
		existing.LastExternalUpdate = m.LastExternalUpdate
	}
	if err := db.WithContext(ctx).Model(&EntityMapping{}).
		Where("id = ? AND tenant_id = ?", existing.ID, m.TenantId).
		Updates(updates).Error; err != nil {
		return nil, err
	}
	existing.ExternalId = m.ExternalId
	if m.SyncToken != "" {
		existing.SyncToken = m.SyncToken
	}
	return existing, nil
}

// TouchLocalUpdate records a local mutation time so inbound changes older than it are superseded.
func TouchLocalUpdate(ctx context.Context, db *gorm.DB, tenantId string, entityType EntityType, localId uint, at time.Time) error {
	return db.WithContext(ctx).Model(&EntityMapping{}).
		Where("tenant_id = ? AND entity_type = ? AND local_id = ?", tenantId, entityType, localId).
		Where("last_local_update IS NULL OR last_local_update < ?", at).
		Update("last_local_update", at).Error
}
