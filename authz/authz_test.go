package authz

import (
	"context"
	"testing"
)

func TestParseStaticRules(t *testing.T) {
	rules := ParseStaticRules("clerk=order.create;order.review, admin=*, *=order.read")
	ctx := context.Background()

	cases := []struct {
		actor  string
		action Action
		want   bool
	}{
		{"clerk", ActionOrderReview, true},
		{"clerk", ActionOrderInvoice, false},
		{"admin", ActionBatchCancel, true},
		{"someone", ActionOrderRead, true},
		{"someone", ActionOrderDelete, false},
	}
	for _, c := range cases {
		got, err := rules.Authorize(ctx, Request{TenantId: "t1", Actor: c.actor, Action: c.action})
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if got != c.want {
			t.Fatalf("%s %s: got %v want %v", c.actor, c.action, got, c.want)
		}
	}
}
