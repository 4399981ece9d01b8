package authz

import (
	"context"
	"strings"
)

type Action string

const (
	ActionOrderCreate   Action = "order.create"
	ActionOrderReview   Action = "order.review"
	ActionOrderInvoice  Action = "order.invoice"
	ActionOrderCancel   Action = "order.cancel"
	ActionOrderDelete   Action = "order.delete"
	ActionOrderRead     Action = "order.read"
	ActionPaymentRecord Action = "payment.record"
	ActionCustomerSave  Action = "customer.save"
	ActionItemSave      Action = "item.save"
	ActionSyncRead      Action = "sync.read"
	ActionSyncRetry     Action = "sync.retry"
	ActionSyncConnect   Action = "sync.connect"
	ActionBatchEnqueue  Action = "batch.enqueue"
	ActionBatchCancel   Action = "batch.cancel"
	ActionBatchRead     Action = "batch.read"
)

// Request is one allow/deny question.
type Request struct {
	TenantId string
	Actor    string
	Action   Action
	Resource string
}

type Authorizer interface {
	Authorize(ctx context.Context, req Request) (bool, error)
}

type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Request) (bool, error) { return true, nil }

// StaticRules allows an actor the listed actions. "*" as actor or action is a wildcard.
// Anything not listed is denied.
type StaticRules struct {
	allowed map[string]map[Action]bool
}

func NewStaticRules(rules map[string][]Action) *StaticRules {
	s := &StaticRules{allowed: make(map[string]map[Action]bool, len(rules))}
	for actor, actions := range rules {
		set := make(map[Action]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		s.allowed[actor] = set
	}
	return s
}

// ParseStaticRules reads "actor=order.review;order.invoice,admin=*".
func ParseStaticRules(raw string) *StaticRules {
	rules := make(map[string][]Action)
	for _, entry := range strings.Split(raw, ",") {
		actor, actions, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || strings.TrimSpace(actor) == "" {
			continue
		}
		for _, a := range strings.Split(strings.ToLower(actions), ";") {
			if a = strings.TrimSpace(a); a != "" {
				rules[strings.TrimSpace(actor)] = append(rules[strings.TrimSpace(actor)], Action(a))
			}
		}
	}
	return NewStaticRules(rules)
}

func (s *StaticRules) Authorize(_ context.Context, req Request) (bool, error) {
	for _, actor := range []string{req.Actor, "*"} {
		set, ok := s.allowed[actor]
		if !ok {
			continue
		}
		if set[req.Action] || set["*"] {
			return true, nil
		}
	}
	return false, nil
}
