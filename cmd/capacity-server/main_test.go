package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/locations/internal/config"
	"github.com/ehr/locations/internal/platform/auth"
)

var testSigningKey = "server-test-signing-key"

func testConfig(env string) *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            env,
		Store:          config.StoreMemory,
		DBMaxConns:     1,
		EventChannel:   "capacity.events",
		AuthSigningKey: testSigningKey,
		RequestTimeout: 5 * time.Second,
		CASMaxAttempts: 16,
		ServiceName:    "capacity-test",
	}
}

func newTestApp(t *testing.T, env string) *app {
	t.Helper()
	cfg := testConfig(env)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func call(t *testing.T, a *app, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func signedToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type resource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Capacity struct {
		AvailableBeds int `json:"available_beds"`
	} `json:"capacity"`
}

func createLocation(t *testing.T, a *app, code string, parent string, total, available int) resource {
	t.Helper()
	body := map[string]interface{}{
		"location_code": code,
		"name":          code + " Hospital",
		"location_type": "main-hospital",
		"services":      map[string]bool{"emergency": true},
		"capacity":      map[string]int{"total_beds": total, "available_beds": available},
	}
	if parent != "" {
		body["parent_location_id"] = parent
		body["location_type"] = "branch"
	}
	rec := call(t, a, http.MethodPost, "/api/v1/locations", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %s: expected 201, got %d: %s", code, rec.Code, rec.Body.String())
	}
	var loc resource
	decode(t, rec, &loc)
	return loc
}

func availableBeds(t *testing.T, a *app, id string) int {
	t.Helper()
	rec := call(t, a, http.MethodGet, "/api/v1/locations/"+id, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get %s: %d %s", id, rec.Code, rec.Body.String())
	}
	var loc resource
	decode(t, rec, &loc)
	return loc.Capacity.AvailableBeds
}

func TestServer_Health(t *testing.T) {
	a := newTestApp(t, "staging")

	rec := call(t, a, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without a token, got %d", rec.Code)
	}
	rec = call(t, a, http.MethodGet, "/health/db", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the memory store, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected global middleware headers on health responses")
	}
}

func TestServer_TransferLifecycle(t *testing.T) {
	a := newTestApp(t, "development")

	origin := createLocation(t, a, "CENTRAL", "", 10, 5)
	branch := createLocation(t, a, "NORTH", origin.ID, 4, 2)

	rec := call(t, a, http.MethodGet, "/api/v1/capacity/nearest?origin="+origin.ID+"&service=emergency&minBeds=1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("nearest: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var nearest struct {
		Location resource `json:"location"`
		Distance int      `json:"distance"`
	}
	decode(t, rec, &nearest)
	if nearest.Location.ID != branch.ID || nearest.Distance != 1 {
		t.Fatalf("unexpected nearest %+v", nearest)
	}

	rec = call(t, a, http.MethodPost, "/api/v1/transfers", map[string]interface{}{
		"patient_id":       "P-1",
		"from_location_id": origin.ID,
		"to_location_id":   branch.ID,
		"transfer_type":    "emergency",
		"transport_method": "ambulance",
		"transfer_reason":  "needs ward bed",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create transfer: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var tr resource
	decode(t, rec, &tr)
	if tr.Status != "pending" {
		t.Fatalf("expected pending, got %q", tr.Status)
	}

	for _, step := range []struct{ action, status string }{
		{"approve", "approved"},
		{"transit", "in-transit"},
		{"complete", "completed"},
	} {
		rec = call(t, a, http.MethodPost, "/api/v1/transfers/"+tr.ID+"/"+step.action, nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", step.action, rec.Code, rec.Body.String())
		}
		decode(t, rec, &tr)
		if tr.Status != step.status {
			t.Fatalf("%s: expected %s, got %s", step.action, step.status, tr.Status)
		}
	}

	if got := availableBeds(t, a, origin.ID); got != 6 {
		t.Errorf("origin should have gained a bed, got %d", got)
	}
	if got := availableBeds(t, a, branch.ID); got != 1 {
		t.Errorf("destination should have lost a bed, got %d", got)
	}

	rec = call(t, a, http.MethodPost, "/api/v1/transfers/"+tr.ID+"/cancel", map[string]string{"reason": "late"}, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("cancelling a completed transfer: expected 409, got %d", rec.Code)
	}

	rec = call(t, a, http.MethodGet, "/api/v1/dashboard", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d", rec.Code)
	}
	var dash struct {
		TotalLocations     int `json:"total_locations"`
		CompletedTransfers int `json:"completed_transfers"`
	}
	decode(t, rec, &dash)
	if dash.TotalLocations != 2 || dash.CompletedTransfers != 1 {
		t.Errorf("unexpected dashboard %+v", dash)
	}
}

func TestServer_ErrorsUseJSONBody(t *testing.T) {
	a := newTestApp(t, "development")

	rec := call(t, a, http.MethodGet, "/api/v1/locations/6f1c1f8e-1d7a-4a57-9c1e-3f1f0c0b2a11", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	decode(t, rec, &body)
	if body.Code != "NotFound" || body.Message == "" {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestServer_JWTRoles(t *testing.T) {
	a := newTestApp(t, "staging")

	if rec := call(t, a, http.MethodGet, "/api/v1/locations", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}

	nurse := signedToken(t, "nurse-1", auth.RoleNurse)
	if rec := call(t, a, http.MethodGet, "/api/v1/locations", nil, nurse); rec.Code != http.StatusOK {
		t.Fatalf("expected nurse to list locations, got %d: %s", rec.Code, rec.Body.String())
	}
	body := map[string]interface{}{
		"location_code": "EAST",
		"name":          "East",
		"location_type": "clinic",
	}
	if rec := call(t, a, http.MethodPost, "/api/v1/locations", body, nurse); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a nurse creating a location, got %d", rec.Code)
	}

	admin := signedToken(t, "admin-1", auth.RoleAdmin)
	if rec := call(t, a, http.MethodPost, "/api/v1/locations", body, admin); rec.Code != http.StatusCreated {
		t.Fatalf("expected admin to create a location, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewApp_RejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig("development")
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := newApp(ctx, cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}
