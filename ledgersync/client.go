package ledgersync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/shopspring/decimal"
)

// LedgerRecord is the ledger's view of one entity. Fields not relevant to the entity type are empty.
type LedgerRecord struct {
	Id             string           `json:"id"`
	SyncToken      string           `json:"sync_token,omitempty"`
	UpdatedAt      *time.Time       `json:"updated_at,omitempty"`
	Active         *bool            `json:"active,omitempty"`
	Name           string           `json:"name,omitempty"`
	Email          string           `json:"email,omitempty"`
	Phone          string           `json:"phone,omitempty"`
	Sku            string           `json:"sku,omitempty"`
	UnitPrice      *decimal.Decimal `json:"unit_price,omitempty"`
	Rate           *decimal.Decimal `json:"rate,omitempty"`
	TaxRef         string           `json:"tax_ref,omitempty"`
	CustomerRef    string           `json:"customer_ref,omitempty"`
	InvoiceRef     string           `json:"invoice_ref,omitempty"`
	PaymentModeRef string           `json:"payment_mode_ref,omitempty"`
	DocNumber      string           `json:"doc_number,omitempty"`
	Total          *decimal.Decimal `json:"total,omitempty"`
	AmountPaid     *decimal.Decimal `json:"amount_paid,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	PaidAt         *time.Time       `json:"paid_at,omitempty"`
	Reference      string           `json:"reference,omitempty"`
}

// HasData reports whether the record carries entity fields beyond its identity.
func (r LedgerRecord) HasData() bool {
	return r.Name != "" || r.Email != "" || r.Sku != "" || r.DocNumber != "" ||
		r.UnitPrice != nil || r.Rate != nil || r.Total != nil || r.AmountPaid != nil ||
		r.Amount != nil || r.CustomerRef != "" || r.InvoiceRef != "" || r.Active != nil
}

// LedgerRequest is one outbound write.
type LedgerRequest struct {
	Credentials    Credentials
	EntityType     models.EntityType
	OperationType  models.SyncOperationType
	ExternalId     string
	SyncToken      string
	IdempotencyKey string
	Body           any
}

type LedgerResponse struct {
	StatusCode int
	Record     LedgerRecord
	Raw        []byte
}

// LedgerClient is the remote accounting system.
type LedgerClient interface {
	Push(ctx context.Context, req LedgerRequest) (LedgerResponse, error)
	Get(ctx context.Context, creds Credentials, entityType models.EntityType, externalId string) (LedgerRecord, error)
}

// HTTPLedgerClient talks JSON over HTTP with bearer tokens:
// {base}/v1/{realm}/{entity}s[/{id}].
type HTTPLedgerClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPLedgerClient(baseURL string, timeout time.Duration) *HTTPLedgerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLedgerClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPLedgerClient) endpoint(creds Credentials, entityType models.EntityType, externalId string) string {
	u := fmt.Sprintf("%s/v1/%s/%ss", c.BaseURL, url.PathEscape(creds.RealmId), entityType)
	if externalId != "" {
		u += "/" + url.PathEscape(externalId)
	}
	return u
}

func (c *HTTPLedgerClient) Push(ctx context.Context, req LedgerRequest) (LedgerResponse, error) {
	if c.BaseURL == "" {
		return LedgerResponse{}, permanent("CONFIG", "ledger base url not configured")
	}
	var method string
	switch req.OperationType {
	case models.SyncOperationCreate:
		method = http.MethodPost
	case models.SyncOperationUpdate:
		method = http.MethodPut
	case models.SyncOperationDelete:
		method = http.MethodDelete
	default:
		return LedgerResponse{}, permanent("VALIDATION", "unsupported operation %q", req.OperationType)
	}
	externalId := req.ExternalId
	if req.OperationType == models.SyncOperationCreate {
		externalId = ""
	} else if externalId == "" {
		return LedgerResponse{}, permanent("VALIDATION", "%s of %s without external id", req.OperationType, req.EntityType)
	}

	var body io.Reader
	if req.Body != nil && method != http.MethodDelete {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return LedgerResponse{}, permanent("VALIDATION", "encode body: %v", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint(req.Credentials, req.EntityType, externalId), body)
	if err != nil {
		return LedgerResponse{}, permanent("VALIDATION", "build request: %v", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	if req.SyncToken != "" {
		httpReq.Header.Set("If-Match", req.SyncToken)
	}

	status, raw, err := c.do(httpReq, req.Credentials)
	if err != nil {
		return LedgerResponse{StatusCode: status, Raw: raw}, err
	}
	resp := LedgerResponse{StatusCode: status, Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &resp.Record); err != nil {
			return resp, &TransientSyncError{StatusCode: status, Err: fmt.Errorf("decode ledger response: %w", err)}
		}
	}
	if resp.Record.Id == "" {
		resp.Record.Id = req.ExternalId
	}
	return resp, nil
}

func (c *HTTPLedgerClient) Get(ctx context.Context, creds Credentials, entityType models.EntityType, externalId string) (LedgerRecord, error) {
	if c.BaseURL == "" {
		return LedgerRecord{}, permanent("CONFIG", "ledger base url not configured")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(creds, entityType, externalId), nil)
	if err != nil {
		return LedgerRecord{}, permanent("VALIDATION", "build request: %v", err)
	}
	_, raw, err := c.do(httpReq, creds)
	if err != nil {
		return LedgerRecord{}, err
	}
	var rec LedgerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return LedgerRecord{}, &TransientSyncError{Err: fmt.Errorf("decode ledger record: %w", err)}
	}
	return rec, nil
}

func (c *HTTPLedgerClient) do(req *http.Request, creds Credentials) (int, []byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, ClassifyError(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, &TransientSyncError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 500 {
			msg = msg[:500]
		}
		return resp.StatusCode, raw, ClassifyStatus(resp.StatusCode, msg, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}
	return resp.StatusCode, raw, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date; defaults to one minute.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Minute
}
