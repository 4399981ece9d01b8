package models

import (
	"gorm.io/gorm"
)

func AllModels() []interface{} {
	return []interface{}{
		&Customer{}, &Item{}, &Tax{}, &PaymentMode{},
		&Order{}, &OrderLine{}, &OrderInvoiceLink{}, &OrderNumberCounter{},
		&Invoice{}, &InvoiceLine{}, &Payment{},
		&EntityMapping{}, &SyncOperation{}, &SyncQueueItem{}, &SyncErrorRecord{},
		&LedgerConnection{}, &WebhookEvent{},
		&BatchJob{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
