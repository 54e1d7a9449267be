package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"autoflow/internal/config"
	"autoflow/internal/db"
	"autoflow/internal/domain"
	"autoflow/internal/engine"
	"autoflow/internal/ledger"
	"autoflow/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	cfg := config.Default("chain-1")
	eng := engine.New(conn)
	led := ledger.New(conn)
	if err := eng.Repo.UpsertChainConfig(ctx, nil, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	if err := eng.Repo.SeedAcceptedDenoms(ctx, nil, []domain.AcceptedDenom{
		{Denom: "uusdc", MaxDebt: 1_000_000, MinBalanceThreshold: 0},
	}); err != nil {
		t.Fatalf("seed denoms: %v", err)
	}
	handler, err := New(Config{
		Engine: eng,
		Ledger: led,
		Auth:   AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, address string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   address,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, s *testServer, method, path string, body any, address string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+"/v0"+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if address != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, address))
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	res, _ := doJSON(t, s, http.MethodGet, "/balances/alice", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	res, _ = doJSON(t, s, http.MethodGet, "/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res.StatusCode)
	}
}

func TestDepositWithdrawOverHTTP(t *testing.T) {
	s := newTestServer(t)
	res, data := doJSON(t, s, http.MethodPost, "/balances/deposit", DepositRequest{
		Funds: []CoinRequest{{Denom: "uusdc", Amount: 500}},
	}, "alice")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deposit status = %d: %s", res.StatusCode, data)
	}
	var balances BalancesResponse
	if err := json.Unmarshal(data, &balances); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if balances.User != "alice" || len(balances.Balances) != 1 || balances.Balances[0].Amount != 500 {
		t.Fatalf("balances = %+v", balances)
	}

	res, data = doJSON(t, s, http.MethodPost, "/balances/withdraw", WithdrawRequest{
		Denom: "uusdc", Amount: 600,
	}, "alice")
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("overdraw status = %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "insufficient_balance" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}

	res, _ = doJSON(t, s, http.MethodPost, "/balances/withdraw", WithdrawRequest{
		Denom: "uusdc", Amount: 200,
	}, "alice")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status = %d", res.StatusCode)
	}
}

func TestChargeRequiresRoleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	batch := ChargeFromBalanceRequest{Batch: []UserFeesRequest{{
		User: "alice",
		Fees: []FeeRequest{{Type: "execution", Denom: "uusdc", Amount: 10}},
	}}}
	res, data := doJSON(t, s, http.MethodPost, "/fees/charge-from-balance", batch, "mallory")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, s, http.MethodPost, "/fees/charge-from-balance", batch, "workflow-manager")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	publish := PublishWorkflowRequest{
		ID:           "wf-1",
		StartActions: []string{"A"},
		EndActions:   []string{"A"},
		Actions: []domain.Action{{
			WorkflowID: "wf-1",
			ID:         "A",
			Templates: map[string]domain.Template{
				"tpl": {Contract: "contract-1", Message: "{}"},
			},
			WhitelistedContracts: []string{"contract-1"},
		}},
	}
	res, data := doJSON(t, s, http.MethodPost, "/workflows", publish, "publisher")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status = %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, s, http.MethodPost, "/workflows", publish, "publisher")
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", res.StatusCode)
	}
	res, _ = doJSON(t, s, http.MethodPost, "/workflows", publish, "mallory")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized status = %d", res.StatusCode)
	}

	// terminal action round-trips with no edges and no params
	res, data = doJSON(t, s, http.MethodGet, "/workflows/wf-1", nil, "alice")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status = %d: %s", res.StatusCode, data)
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if len(wf.Actions) != 1 || wf.Actions[0].ID != "A" {
		t.Fatalf("actions = %+v, want just A", wf.Actions)
	}
	if len(wf.Actions[0].NextActions) != 0 || len(wf.Actions[0].Params) != 0 {
		t.Fatalf("terminal action gained edges or params: %+v", wf.Actions[0])
	}

	res, data = doJSON(t, s, http.MethodPost, "/instances", ExecuteInstanceRequest{
		WorkflowID:     "wf-1",
		ExpirationTime: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}, "alice")
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("instance status = %d: %s", res.StatusCode, data)
	}
	var in domain.Instance
	if err := json.Unmarshal(data, &in); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	res, data = doJSON(t, s, http.MethodPost, "/actions/execute", ExecuteActionRequest{
		UserAddress: "alice", InstanceID: in.ID, ActionID: "A", TemplateID: "tpl",
	}, "executor")
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("execute status = %d: %s", res.StatusCode, data)
	}

	res, _ = doJSON(t, s, http.MethodGet, "/workflows/nope", nil, "alice")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d", res.StatusCode)
	}
}
