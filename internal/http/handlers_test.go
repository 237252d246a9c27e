package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/inspection-dispatch/internal/config"
	"github.com/example/inspection-dispatch/internal/dispatch"
	"github.com/example/inspection-dispatch/internal/lifecycle"
	"github.com/example/inspection-dispatch/internal/logging"
	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/observability"
	"github.com/example/inspection-dispatch/internal/payments"
	"github.com/example/inspection-dispatch/internal/presence"
	"github.com/example/inspection-dispatch/internal/storage"
)

const testSecret = "test-secret"

type stubGateway struct{}

func (stubGateway) CreateIntent(ctx context.Context, amountCents int64, currency, idempotencyKey string) (string, error) {
	return "pi_" + idempotencyKey, nil
}
func (stubGateway) Capture(ctx context.Context, gatewayRef string) error { return nil }
func (stubGateway) Cancel(ctx context.Context, gatewayRef string) error  { return nil }

type testServer struct {
	srv      *Server
	store    *storage.MemoryStore
	registry *presence.Index
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewNop()
	store := storage.NewMemoryStore()
	registry := presence.NewIndex(2 * time.Minute)
	machine := lifecycle.NewMachine(store, registry, logger)
	wsreg := dispatch.NewWSRegistry(logger)
	notifier := &dispatch.CompositeNotifier{WS: wsreg}
	coord := dispatch.NewCoordinator(machine, notifier, 50*time.Millisecond, logger)
	matcher := dispatch.NewMatcher(store, registry, coord, machine, dispatch.MatcherConfig{
		RadiiKm:       []float64{3, 7, 15},
		RetryInterval: time.Minute,
		MaxAttempts:   5,
	}, logger)
	pay := payments.NewCoordinator(machine, stubGateway{}, "mxn", logger)
	cfg := config.ServerConfig{JWTSecret: testSecret, Currency: "mxn"}
	srv := NewServer(cfg, logger, registry, store, machine, matcher, coord, pay, nil, wsreg)
	return &testServer{srv: srv, store: store, registry: registry}
}

func signToken(t *testing.T, sub, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

func (ts *testServer) seedAppointment(t *testing.T, id, clientID string, status models.Status) {
	t.Helper()
	now := time.Now()
	a := &models.Appointment{
		ID:          id,
		Number:      "INS-20260828-abc123",
		ClientID:    clientID,
		VehicleID:   "car-1",
		ServiceType: "full_inspection",
		Pickup:      models.Coord{Lat: 19.4326, Lng: -99.1332},
		ScheduledAt: now.Add(24 * time.Hour),
		Status:      status,
		AmountCents: 150000,
		Currency:    "mxn",
		CreatedAt:   now,
		UpdatedAt:   now,
		History: []models.StatusChange{
			{Status: status, At: now, Actor: models.ActorClient, Reason: "seed"},
		},
	}
	if err := ts.store.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAppointment(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "client-1", RoleClient)

	w := ts.do(t, "POST", "/api/v1/appointments", token, map[string]any{
		"car_id":          "car-1",
		"service_type":    "full_inspection",
		"pickup_location": map[string]float64{"lat": 19.4326, "lng": -99.1332},
		"scheduled_date":  time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		"amount_cents":    150000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var a models.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
	if a.ClientID != "client-1" {
		t.Fatalf("expected client id from token, got %q", a.ClientID)
	}
	if !strings.HasPrefix(a.Number, "INS-") {
		t.Fatalf("unexpected appointment number %q", a.Number)
	}
	if len(a.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(a.History))
	}
	if _, err := ts.store.Get(context.Background(), a.ID); err != nil {
		t.Fatalf("appointment not persisted: %v", err)
	}
}

func TestCreateAppointment_ValidationError(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "client-1", RoleClient)

	w := ts.do(t, "POST", "/api/v1/appointments", token, map[string]any{
		"service_type": "full_inspection",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "validation_error" {
		t.Fatalf("expected validation_error code, got %q", body.Error.Code)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/api/v1/appointments", "", map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	ts := newTestServer(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "role": RoleClient})
	signed, err := tok.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, "POST", "/api/v1/appointments", signed, map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_TokenMissingRole(t *testing.T) {
	ts := newTestServer(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	w := ts.do(t, "POST", "/api/v1/appointments", signed, map[string]any{})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_RoleForbidden(t *testing.T) {
	ts := newTestServer(t)

	// drivers cannot create appointments
	driver := signToken(t, "d1", RoleDriver)
	w := ts.do(t, "POST", "/api/v1/appointments", driver, map[string]any{})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// clients cannot accept them
	ts.seedAppointment(t, "a1", "client-1", models.StatusPending)
	client := signToken(t, "client-1", RoleClient)
	w = ts.do(t, "PUT", "/api/v1/appointments/a1/accept", client, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// only admins requeue
	w = ts.do(t, "PUT", "/api/v1/appointments/a1/requeue", client, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestGetAppointment(t *testing.T) {
	ts := newTestServer(t)
	ts.seedAppointment(t, "a1", "client-1", models.StatusPending)
	token := signToken(t, "client-1", RoleClient)

	w := ts.do(t, "GET", "/api/v1/appointments/a1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var a models.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.ID != "a1" {
		t.Fatalf("unexpected appointment %q", a.ID)
	}

	w = ts.do(t, "GET", "/api/v1/appointments/ghost", token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAcceptWithoutOffer_Conflict(t *testing.T) {
	ts := newTestServer(t)
	ts.seedAppointment(t, "a1", "client-1", models.StatusPending)
	token := signToken(t, "d1", RoleDriver)

	w := ts.do(t, "PUT", "/api/v1/appointments/a1/accept", token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelAppointment(t *testing.T) {
	ts := newTestServer(t)
	ts.seedAppointment(t, "a1", "client-1", models.StatusPending)
	token := signToken(t, "client-1", RoleClient)

	w := ts.do(t, "PUT", "/api/v1/appointments/a1/cancel", token, map[string]string{"reason": "changed plans"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var a models.Appointment
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if a.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	last := a.History[len(a.History)-1]
	if last.Actor != models.ActorClient || last.Reason != "changed plans" {
		t.Fatalf("unexpected history tail %+v", last)
	}

	// terminal states absorb further transitions
	w = ts.do(t, "PUT", "/api/v1/appointments/a1/cancel", token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", w.Code)
	}
}

func TestDriverStatus(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "d1", RoleDriver)

	w := ts.do(t, "PUT", "/api/v1/drivers/status", token, map[string]bool{"isOnline": true, "isAvailable": true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	d, err := ts.registry.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Online || !d.Available {
		t.Fatalf("expected online and available, got %+v", d)
	}
}

func TestDriverLocationIngest(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/internal/driver/locations", "", map[string]any{
		"driver_id": "d1",
		"lat":       19.44,
		"lng":       -99.14,
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	d, err := ts.registry.Get(context.Background(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Loc.Lat != 19.44 || d.Loc.Lng != -99.14 {
		t.Fatalf("unexpected location %+v", d.Loc)
	}

	w = ts.do(t, "POST", "/internal/driver/locations", "", map[string]any{"lat": 1.0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without driver_id, got %d", w.Code)
	}
}

func TestPaymentEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.seedAppointment(t, "a1", "client-1", models.StatusConfirmed)
	token := signToken(t, "client-1", RoleClient)

	w := ts.do(t, "POST", "/api/v1/payments/create-intent", token, map[string]any{
		"appointmentId": "a1",
		"amount":        150000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		PaymentIntentID string `json:"paymentIntentId"`
		Status          string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.PaymentIntentID == "" {
		t.Fatal("expected a payment intent id")
	}

	w = ts.do(t, "POST", "/api/v1/payments/confirm", token, map[string]string{
		"paymentIntentId": created.PaymentIntentID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var confirmed struct {
		Status models.IntentStatus `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &confirmed); err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != models.IntentSucceeded {
		t.Fatalf("expected succeeded, got %s", confirmed.Status)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestDriverStatusGaugeCountsTransitions(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "d9", RoleDriver)
	base := testutil.ToFloat64(observability.DriversOnline)

	// posting the same online state twice is one transition, not two
	for i := 0; i < 2; i++ {
		w := ts.do(t, "PUT", "/api/v1/drivers/status", token, map[string]bool{"isOnline": true, "isAvailable": true})
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	if got := testutil.ToFloat64(observability.DriversOnline) - base; got != 1 {
		t.Fatalf("expected gauge delta 1 after repeated online posts, got %v", got)
	}

	w := ts.do(t, "PUT", "/api/v1/drivers/status", token, map[string]bool{"isOnline": false, "isAvailable": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := testutil.ToFloat64(observability.DriversOnline) - base; got != 0 {
		t.Fatalf("expected gauge back at baseline, got delta %v", got)
	}
}
