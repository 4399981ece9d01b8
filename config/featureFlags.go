package config

import (
	"os"
	"strings"
)

// AllowPendingInvoicing lets single-order invoicing skip review.
// The batch invoice path always allows pending orders.
//
// Set via env:
// - ALLOW_PENDING_INVOICING=true
func AllowPendingInvoicing() bool {
	return boolFromEnv("ALLOW_PENDING_INVOICING", false)
}

// OutboundSyncDisabledFor pauses outbound sync for the listed tenants without touching their connection.
//
// Set via env:
// - LEDGER_SYNC_PAUSED_TENANTS="tenant-a,tenant-b"
func OutboundSyncDisabledFor(tenantID string) bool {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false
	}
	raw := os.Getenv("LEDGER_SYNC_PAUSED_TENANTS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == tenantID {
			return true
		}
	}
	return false
}
