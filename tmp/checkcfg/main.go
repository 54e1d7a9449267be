package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"autoflow/internal/app"
	"autoflow/internal/config"
	"autoflow/internal/db"
	"autoflow/internal/engine"
	"autoflow/internal/ledger"
	"autoflow/internal/migrate"
	"autoflow/internal/repo"
	"autoflow/internal/server"
)

func main() {
	workspace := "/tmp/autoflow-check1"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default("localnet")
	if err := app.ImportConfig(context.Background(), repo.Repo{DB: conn}, cfg); err != nil {
		panic(err)
	}
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{
		Engine: engine.New(conn),
		Ledger: ledger.New(conn),
		Auth:   server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token := signToken(jwtSecret, "alice", time.Now().Add(time.Hour))

	body := map[string]any{
		"funds": []map[string]any{{"denom": "uusdc", "amount": 500}},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/balances/deposit", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}

func signToken(secret, address string, expiresAt time.Time) string {
	// minimal copy of server_test helper
	claims := jwt.RegisteredClaims{
		Subject:   address,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
