package engine

import (
	"errors"
	"testing"

	"autoflow/internal/domain"
)

func TestResolveParams(t *testing.T) {
	resolved, err := resolveParams("alice",
		map[string]string{
			"owner":  "#ip.requester",
			"pool":   "#ip.pool_id",
			"amount": "#cp.amount",
			"memo":   "fixed-memo",
		},
		map[string]string{"pool_id": "42"},
		map[string]string{"amount": "1000"},
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := map[string]string{"owner": "alice", "pool": "42", "amount": "1000", "memo": "fixed-memo"}
	for k, v := range want {
		if resolved[k] != v {
			t.Fatalf("%s = %q, want %q", k, resolved[k], v)
		}
	}
}

func TestResolveParamsMissingKeys(t *testing.T) {
	_, err := resolveParams("alice",
		map[string]string{"pool": "#ip.pool_id"}, nil, nil)
	var missing MissingParamError
	if !errors.As(err, &missing) || missing.Namespace != "instance" || missing.Key != "pool_id" {
		t.Fatalf("instance param: %v", err)
	}

	_, err = resolveParams("alice",
		map[string]string{"amount": "#cp.amount"}, nil, nil)
	if !errors.As(err, &missing) || missing.Namespace != "call" || missing.Key != "amount" {
		t.Fatalf("call param: %v", err)
	}
}

func TestRenderTemplateTwoPasses(t *testing.T) {
	tpl := domain.Template{
		Contract: "{{target}}",
		Message:  `{"swap":{"pool":"{{pool}}","min_out":"#cp.min_out"}}`,
		Funds:    [][2]string{{"{{amount}}", "uusdc"}},
	}
	contract, message, funds, err := renderTemplate(tpl,
		map[string]string{"target": "contract-1", "pool": "42", "amount": "500"},
		map[string]string{"min_out": "490"},
	)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if contract != "contract-1" {
		t.Fatalf("contract = %s", contract)
	}
	if message != `{"swap":{"pool":"42","min_out":"490"}}` {
		t.Fatalf("message = %s", message)
	}
	if len(funds) != 1 || funds[0] != (domain.Coin{Denom: "uusdc", Amount: 500}) {
		t.Fatalf("funds = %+v", funds)
	}
}

func TestRenderTemplateBadFunds(t *testing.T) {
	tpl := domain.Template{
		Contract: "c1",
		Message:  "{}",
		Funds:    [][2]string{{"{{amount}}", "uusdc"}},
	}
	_, _, _, err := renderTemplate(tpl, map[string]string{"amount": "not-a-number"}, nil)
	var invalid InvalidFundsError
	if !errors.As(err, &invalid) || invalid.Amount != "not-a-number" {
		t.Fatalf("bad funds: %v", err)
	}
}
