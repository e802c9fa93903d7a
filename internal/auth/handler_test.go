package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"realprep/internal/observability"
	"realprep/internal/pipeline"
	"realprep/internal/security"
)

// loginApp wires the login route exactly the way the bootstrap does, with
// tunable rate-limit and lockout policies.
func loginApp(t *testing.T, rate security.Policy, lockout security.LockoutPolicy) (*http.ServeMux, *serviceFixture) {
	t.Helper()

	f := newServiceFixture(t, lockout)
	handler := NewHandler(f.service)

	store := security.NewMemoryCounterStore()
	t.Cleanup(store.Stop)
	endpoints := pipeline.New(security.NewLimiter(store), f.tokens, f.service, observability.NewLogger(), "test")

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit: &rate,
		Handle:    handler.Login,
	}))
	mux.Handle("POST /auth/register", endpoints.Endpoint(pipeline.Endpoint{
		RateLimit: &rate,
		Handle:    handler.Register,
	}))

	return mux, f
}

func postJSON(t *testing.T, mux *http.ServeMux, path, body, ip string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if ip != "" {
		r.RemoteAddr = ip
	}
	mux.ServeHTTP(rec, r)
	return rec
}

func mustRegister(t *testing.T, f *serviceFixture, email, password string) Credentials {
	t.Helper()

	creds, err := f.service.Register(t.Context(), "casey", email, password)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return creds
}

// With the auth tier's five-request window, the sixth login attempt is cut
// off by the rate limiter before credentials are ever evaluated.
func TestLoginRateLimitedBeforeCredentialCheck(t *testing.T) {
	mux, f := loginApp(t,
		security.Policy{MaxRequests: 5, Window: 15 * time.Minute},
		security.LockoutPolicy{Threshold: 50, LockDuration: time.Hour},
	)
	mustRegister(t, f, "casey@example.com", "a-long-enough-password")

	body := `{"email":"casey@example.com","password":"wrong-password!"}`
	for i := 0; i < 5; i++ {
		rec := postJSON(t, mux, "/auth/login", body, "192.0.2.9:1000")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}

	rec := postJSON(t, mux, "/auth/login", body, "192.0.2.9:1000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth attempt status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if count := f.lockout.FailureCount("casey@example.com"); count != 5 {
		t.Fatalf("lockout count = %d; the rate-limited attempt must not reach credential evaluation", count)
	}
}

// With a generous rate limit, the lockout tracker takes over: the sixth
// attempt is refused with 423 and a positive minutes-remaining hint.
func TestLoginLockedAfterThreshold(t *testing.T) {
	mux, f := loginApp(t,
		security.Policy{MaxRequests: 100, Window: time.Minute},
		security.LockoutPolicy{Threshold: 5, LockDuration: 15 * time.Minute},
	)
	mustRegister(t, f, "casey@example.com", "a-long-enough-password")

	body := `{"email":"casey@example.com","password":"wrong-password!"}`
	for i := 0; i < 4; i++ {
		rec := postJSON(t, mux, "/auth/login", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i+1, rec.Code)
		}
	}

	// The fifth failure crosses the threshold and reports the lock.
	rec := postJSON(t, mux, "/auth/login", body, "")
	if rec.Code != http.StatusLocked {
		t.Fatalf("fifth attempt status = %d, want 423", rec.Code)
	}

	rec = postJSON(t, mux, "/auth/login", body, "")
	if rec.Code != http.StatusLocked {
		t.Fatalf("sixth attempt status = %d, want 423", rec.Code)
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(payload["error"], "minutes") {
		t.Fatalf("lock message %q has no minutes-remaining hint", payload["error"])
	}
}

func TestLoginSuccessEnvelope(t *testing.T) {
	mux, f := loginApp(t,
		security.Policy{MaxRequests: 100, Window: time.Minute},
		security.LockoutPolicy{Threshold: 5, LockDuration: 15 * time.Minute},
	)
	registered := mustRegister(t, f, "casey@example.com", "a-long-enough-password")

	// Prior failures are wiped by the successful login.
	wrong := `{"email":"casey@example.com","password":"wrong-password!"}`
	for i := 0; i < 3; i++ {
		postJSON(t, mux, "/auth/login", wrong, "")
	}

	rec := postJSON(t, mux, "/auth/login", `{"email":"casey@example.com","password":"a-long-enough-password"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var creds Credentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if creds.User.ID != registered.User.ID {
		t.Fatalf("envelope user id = %q, want %q", creds.User.ID, registered.User.ID)
	}

	claims := f.tokens.VerifyAccess(creds.Token)
	if claims == nil {
		t.Fatal("envelope token does not verify")
	}
	if claims.Subject != registered.User.ID {
		t.Fatalf("token subject = %q, want %q", claims.Subject, registered.User.ID)
	}

	if count := f.lockout.FailureCount("casey@example.com"); count != 0 {
		t.Fatalf("failure count after success = %d, want 0", count)
	}
}

// Malformed input fails fast with 400 and never reaches the lockout tracker.
func TestLoginValidationTouchesNoSecurityState(t *testing.T) {
	mux, f := loginApp(t,
		security.Policy{MaxRequests: 100, Window: time.Minute},
		security.LockoutPolicy{Threshold: 5, LockDuration: 15 * time.Minute},
	)
	mustRegister(t, f, "casey@example.com", "a-long-enough-password")

	for _, body := range []string{
		`{`,
		`{"email":"not-an-email","password":"x"}`,
		`{"email":"casey@example.com"}`,
		`{"email":"casey@example.com","password":"x","extra":true}`,
	} {
		rec := postJSON(t, mux, "/auth/login", body, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d, want 400", body, rec.Code)
		}
	}

	if count := f.lockout.FailureCount("casey@example.com"); count != 0 {
		t.Fatalf("validation errors counted as failures: %d", count)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	mux, _ := loginApp(t,
		security.Policy{MaxRequests: 100, Window: time.Minute},
		security.LockoutPolicy{},
	)

	body := `{"username":"casey","email":"casey@example.com","password":"a-long-enough-password"}`
	rec := postJSON(t, mux, "/auth/register", body, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var creds Credentials
	if err := json.Unmarshal(rec.Body.Bytes(), &creds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !creds.User.IsActive || creds.User.IsAdmin {
		t.Fatalf("new account flags = (%v, %v), want (true, false)", creds.User.IsActive, creds.User.IsAdmin)
	}

	rec = postJSON(t, mux, "/auth/register", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register status = %d, want 400", rec.Code)
	}
}
