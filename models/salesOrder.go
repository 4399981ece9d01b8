package models

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Order struct {
	ID           uint            `gorm:"primary_key" json:"id"`
	TenantId     string          `gorm:"index;uniqueIndex:idx_order_number,priority:1;size:64;not null" json:"tenant_id"`
	OrderNumber  string          `gorm:"uniqueIndex:idx_order_number,priority:2;size:32;not null" json:"order_number"`
	SequenceNo   int64           `gorm:"not null" json:"sequence_no"`
	CustomerId   uint            `gorm:"index;not null" json:"customer_id"`
	OrderDate    time.Time       `gorm:"not null" json:"order_date"`
	DeliveryDate time.Time       `gorm:"index;not null" json:"delivery_date"`
	Status       OrderStatus     `gorm:"index;size:20;not null" json:"status"`
	Total        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	InvoiceId    *uint           `gorm:"index" json:"invoice_id"`
	IsNoOrder    bool            `gorm:"not null;default:false" json:"is_no_order"`
	Notes        string          `gorm:"type:text" json:"notes"`
	ReviewedBy   *string         `gorm:"size:64" json:"reviewed_by"`
	ReviewedAt   *time.Time      `json:"reviewed_at"`
	CanceledAt   *time.Time      `json:"canceled_at"`
	CreatedBy    string          `gorm:"size:64" json:"created_by"`
	Lines        []OrderLine     `gorm:"foreignKey:OrderId" json:"lines"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLine struct {
	ID          uint            `gorm:"primary_key" json:"id"`
	OrderId     uint            `gorm:"index;not null" json:"order_id"`
	ItemId      uint            `gorm:"index;not null" json:"item_id"`
	Description string          `gorm:"size:255" json:"description"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}

// OrderInvoiceLink records which invoice an order became; one row per order.
type OrderInvoiceLink struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"index;size:64;not null" json:"tenant_id"`
	OrderId   uint      `gorm:"uniqueIndex;not null" json:"order_id"`
	InvoiceId uint      `gorm:"index;not null" json:"invoice_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type OrderNumberCounter struct {
	TenantId  string    `gorm:"primaryKey;autoIncrement:false;size:64" json:"tenant_id"`
	Year      int       `gorm:"primaryKey;autoIncrement:false" json:"year"`
	LastValue int64     `gorm:"not null;default:0" json:"last_value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrderLine struct {
	ItemId      uint            `json:"item_id" validate:"required"`
	Description string          `json:"description" validate:"max=255"`
	Qty         decimal.Decimal `json:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type NewOrder struct {
	CustomerId   uint           `json:"customer_id" validate:"required"`
	OrderDate    time.Time      `json:"order_date" validate:"required"`
	DeliveryDate time.Time      `json:"delivery_date" validate:"required"`
	Notes        string         `json:"notes"`
	Lines        []NewOrderLine `json:"lines" validate:"required,min=1,dive"`
}

// HasConsistentInvoiceLink reports whether invoice_id is set exactly when the order is invoiced.
func (o Order) HasConsistentInvoiceLink() bool {
	return (o.InvoiceId != nil) == (o.Status == OrderStatusInvoiced)
}

func (line *NewOrderLine) amount() decimal.Decimal {
	return line.Qty.Mul(line.UnitPrice).Round(4)
}

// BuildLines converts input lines and returns them with the order total.
func (input NewOrder) BuildLines() ([]OrderLine, decimal.Decimal) {
	lines := make([]OrderLine, 0, len(input.Lines))
	total := decimal.Zero
	for i := range input.Lines {
		l := input.Lines[i]
		amount := l.amount()
		lines = append(lines, OrderLine{
			ItemId:      l.ItemId,
			Description: l.Description,
			Qty:         l.Qty,
			UnitPrice:   l.UnitPrice,
			Amount:      amount,
		})
		total = total.Add(amount)
	}
	return lines, total
}

// DateOnly truncates to midnight UTC so delivery dates compare by calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatOrderNumber(year int, seq int64) string {
	return fmt.Sprintf("SO-%d-%06d", year, seq)
}

// NextOrderNumber increments the tenant-year counter row and reads it back.
// Must run inside the caller's transaction: the UPDATE row lock serialises concurrent callers,
// and a rolled back transaction leaves a gap instead of a reused number.
func NextOrderNumber(ctx context.Context, tx *gorm.DB, tenantId string, year int) (int64, string, error) {
	counter := OrderNumberCounter{TenantId: tenantId, Year: year}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&counter).Error; err != nil {
		return 0, "", fmt.Errorf("init order counter: %w", err)
	}

	res := tx.WithContext(ctx).Model(&OrderNumberCounter{}).
		Where("tenant_id = ? AND year = ?", tenantId, year).
		UpdateColumn("last_value", gorm.Expr("last_value + 1"))
	if res.Error != nil {
		return 0, "", fmt.Errorf("increment order counter: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return 0, "", fmt.Errorf("increment order counter: %d rows affected", res.RowsAffected)
	}

	var value int64
	if err := tx.WithContext(ctx).Model(&OrderNumberCounter{}).
		Where("tenant_id = ? AND year = ?", tenantId, year).
		Select("last_value").
		Scan(&value).Error; err != nil {
		return 0, "", fmt.Errorf("read order counter: %w", err)
	}
	return value, FormatOrderNumber(year, value), nil
}

// FindDuplicateOrders lists other non-canceled orders for the same customer and delivery day.
func FindDuplicateOrders(ctx context.Context, db *gorm.DB, tenantId string, customerId uint, deliveryDate time.Time, excludeId uint) ([]Order, error) {
	day := DateOnly(deliveryDate)
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND customer_id = ? AND status <> ?", tenantId, customerId, OrderStatusCanceled).
		Where("delivery_date >= ? AND delivery_date < ?", day, day.AddDate(0, 0, 1))
	if excludeId > 0 {
		q = q.Where("id <> ?", excludeId)
	}
	var orders []Order
	if err := q.Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
