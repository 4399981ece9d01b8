package config

import (
	"os"
	"strings"
	"time"
)

// SyncSettings drives the ledger sync worker and the batch job dispatcher.
type SyncSettings struct {
	MaxRetries   int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	CallTimeout  time.Duration
	LockTimeout  time.Duration
	BatchSize    int
	PollInterval time.Duration
	// delay before a held operation is reconsidered
	HoldDelay time.Duration

	// requests per minute per tenant against the external ledger (0 disables)
	LedgerRateLimitPerMin int
	TokenRefreshSkew      time.Duration

	BatchJobStaleAfter   time.Duration
	BatchJobAutoReset    bool
	BatchJobPollInterval time.Duration

	LedgerBaseURL    string
	WebhookSecret    string
	NudgeTopic       string
	NudgeEnabled     bool
	NudgeCreateTopic bool
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		MaxRetries:            5,
		BaseBackoff:           5 * time.Second,
		MaxBackoff:            10 * time.Minute,
		CallTimeout:           30 * time.Second,
		LockTimeout:           5 * time.Minute,
		BatchSize:             25,
		PollInterval:          time.Second,
		HoldDelay:             5 * time.Second,
		LedgerRateLimitPerMin: 500,
		TokenRefreshSkew:      2 * time.Minute,
		BatchJobStaleAfter:    10 * time.Minute,
		BatchJobPollInterval:  2 * time.Second,
		NudgeTopic:            "ledger-sync-nudge",
	}
}

// LoadSyncSettings reads overrides from env:
// - SYNC_MAX_RETRIES (default 5)
// - SYNC_BASE_BACKOFF_SECONDS (default 5)
// - SYNC_MAX_BACKOFF_SECONDS (default 600)
// - SYNC_CALL_TIMEOUT_SECONDS (default 30)
// - SYNC_LOCK_TIMEOUT_SECONDS (default 300)
// - SYNC_BATCH_SIZE (default 25)
// - SYNC_POLL_INTERVAL_MS (default 1000)
// - SYNC_HOLD_DELAY_SECONDS (default 5)
// - LEDGER_RATE_LIMIT_PER_MIN (default 500)
// - LEDGER_TOKEN_REFRESH_SKEW_SECONDS (default 120)
// - BATCH_JOB_STALE_SECONDS (default 600)
// - BATCH_JOB_AUTO_RESET (default false)
// - BATCH_JOB_POLL_INTERVAL_MS (default 2000)
// - LEDGER_BASE_URL, LEDGER_WEBHOOK_SECRET
// - LEDGER_SYNC_NUDGE_TOPIC, ENABLE_LEDGER_SYNC_NUDGE, LEDGER_SYNC_CREATE_TOPIC
func LoadSyncSettings() SyncSettings {
	s := DefaultSyncSettings()
	if n := intFromEnv("SYNC_MAX_RETRIES", 0); n > 0 {
		s.MaxRetries = n
	}
	if n := intFromEnv("SYNC_BASE_BACKOFF_SECONDS", 0); n > 0 {
		s.BaseBackoff = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_MAX_BACKOFF_SECONDS", 0); n > 0 {
		s.MaxBackoff = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_CALL_TIMEOUT_SECONDS", 0); n > 0 {
		s.CallTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_LOCK_TIMEOUT_SECONDS", 0); n > 0 {
		s.LockTimeout = time.Duration(n) * time.Second
	}
	if n := intFromEnv("SYNC_BATCH_SIZE", 0); n > 0 {
		s.BatchSize = n
	}
	if n := intFromEnv("SYNC_POLL_INTERVAL_MS", 0); n > 0 {
		s.PollInterval = time.Duration(n) * time.Millisecond
	}
	if n := intFromEnv("SYNC_HOLD_DELAY_SECONDS", -1); n >= 0 {
		s.HoldDelay = time.Duration(n) * time.Second
	}
	s.LedgerRateLimitPerMin = intFromEnv("LEDGER_RATE_LIMIT_PER_MIN", s.LedgerRateLimitPerMin)
	if n := intFromEnv("LEDGER_TOKEN_REFRESH_SKEW_SECONDS", 0); n > 0 {
		s.TokenRefreshSkew = time.Duration(n) * time.Second
	}
	if n := intFromEnv("BATCH_JOB_STALE_SECONDS", 0); n > 0 {
		s.BatchJobStaleAfter = time.Duration(n) * time.Second
	}
	s.BatchJobAutoReset = boolFromEnv("BATCH_JOB_AUTO_RESET", false)
	if n := intFromEnv("BATCH_JOB_POLL_INTERVAL_MS", 0); n > 0 {
		s.BatchJobPollInterval = time.Duration(n) * time.Millisecond
	}

	s.LedgerBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("LEDGER_BASE_URL")), "/")
	s.WebhookSecret = os.Getenv("LEDGER_WEBHOOK_SECRET")
	if v := strings.TrimSpace(os.Getenv("LEDGER_SYNC_NUDGE_TOPIC")); v != "" {
		s.NudgeTopic = v
	}
	s.NudgeEnabled = boolFromEnv("ENABLE_LEDGER_SYNC_NUDGE", false) && PubSubEnabled()
	s.NudgeCreateTopic = boolFromEnv("LEDGER_SYNC_CREATE_TOPIC", false)
	return s
}
