package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"swiss-sandbox/internal/admission"
	"swiss-sandbox/internal/monitor"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		header      string
		keys        []string
		allowUnauth bool
		set         map[string]string
		want        int
	}{
		{"no keys rejects", "", nil, false, nil, http.StatusUnauthorized},
		{"no keys explicit allow", "", nil, true, nil, http.StatusOK},
		{"allow ignored with keys", "", []string{"good-key"}, true, nil, http.StatusUnauthorized},
		{"valid key", "", []string{"good-key"}, false, map[string]string{"X-API-Key": "good-key"}, http.StatusOK},
		{"invalid key", "", []string{"good-key"}, false, map[string]string{"X-API-Key": "bad-key"}, http.StatusUnauthorized},
		{"bearer token", "", []string{"good-key"}, false, map[string]string{"Authorization": "Bearer good-key"}, http.StatusOK},
		{"custom header", "X-Sandbox-Token", []string{"good-key"}, false, map[string]string{"X-Sandbox-Token": "good-key"}, http.StatusOK},
		{"default header ignored with custom", "X-Sandbox-Token", []string{"good-key"}, false, map[string]string{"X-API-Key": "good-key"}, http.StatusUnauthorized},
		{"empty key entries skipped", "", []string{""}, false, map[string]string{"X-API-Key": ""}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tt.header, tt.keys, tt.allowUnauth)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
			for k, v := range tt.set {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_ErrorBody(t *testing.T) {
	handler := RequestIDMiddleware(AuthMiddleware("", []string{"k"}, false)(okHandler()))
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "AUTH_REQUIRED" || resp.RequestID != "req-1" {
		t.Errorf("resp = %+v, want AUTH_REQUIRED for req-1", resp)
	}
}

func newAdmitted(t *testing.T, cfg admission.Config, id string) (*admission.Manager, *connAdmission) {
	t.Helper()
	adm := admission.NewManager(cfg)
	ok, reason := adm.AddConnection(id, "10.0.0.1")
	if !ok {
		t.Fatalf("AddConnection: %s", reason)
	}
	return adm, &connAdmission{id: id, source: "10.0.0.1", accepted: true, reason: reason}
}

func serveWith(handler http.Handler, ca *connAdmission) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/workspaces", nil)
	if ca != nil {
		req = req.WithContext(withConnection(req.Context(), ca))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAdmissionMiddleware(t *testing.T) {
	cfg := admission.Config{
		MaxConnections: 4,
		MaxPerSource:   2,
		Limiter:        admission.LimiterConfig{MaxRequests: 3, Window: 10 * time.Second},
	}
	adm, ca := newAdmitted(t, cfg, "c1")
	handler := AdmissionMiddleware(adm, monitor.NewMetrics())(okHandler())

	for i := 0; i < 3; i++ {
		if rec := serveWith(handler, ca); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, rec.Code)
		}
	}

	rec := serveWith(handler, ca)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "10" {
		t.Errorf("Retry-After = %q, want 10", ra)
	}

	c, ok := adm.Get("c1")
	if !ok || c.RequestCount != 3 {
		t.Errorf("RequestCount = %d, want 3", c.RequestCount)
	}
}

func TestAdmissionMiddleware_Rejections(t *testing.T) {
	adm := admission.NewManager(admission.Config{
		MaxConnections: 1,
		MaxPerSource:   1,
		Limiter:        admission.LimiterConfig{MaxRequests: 10, Window: time.Minute},
	})
	handler := AdmissionMiddleware(adm, nil)(okHandler())

	t.Run("no connection", func(t *testing.T) {
		if rec := serveWith(handler, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("rejected connection", func(t *testing.T) {
		rec := serveWith(handler, &connAdmission{id: "c9", reason: admission.ReasonLimitReached})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rec.Code)
		}
		if got := rec.Header().Get("Connection"); got != "close" {
			t.Errorf("Connection = %q, want close", got)
		}
		if !strings.Contains(rec.Body.String(), admission.ReasonLimitReached) {
			t.Errorf("body = %s, want the rejection reason", rec.Body.String())
		}
	})

	t.Run("expired connection is readmitted", func(t *testing.T) {
		ca := &connAdmission{id: "c1", source: "10.0.0.1", accepted: true}
		if rec := serveWith(handler, ca); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if _, ok := adm.Get("c1"); !ok {
			t.Error("c1 not registered after readmission")
		}
	})

	t.Run("readmission over the cap", func(t *testing.T) {
		ca := &connAdmission{id: "c2", source: "10.0.0.2", accepted: true}
		if rec := serveWith(handler, ca); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestRetrySeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, tt := range tests {
		if got := retrySeconds(tt.in); got != tt.want {
			t.Errorf("retrySeconds(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-id" {
		t.Errorf("id = %q, want client-id", seen)
	}
}

func TestMaxBodyMiddleware(t *testing.T) {
	handler := MaxBodyMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		if !decodeJSON(w, r, &v) {
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	small, _ := json.Marshal(map[string]string{"a": "b"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(small)))
	if rec.Code != http.StatusOK {
		t.Errorf("small body: status %d, want 200", rec.Code)
	}

	big, _ := json.Marshal(map[string]string{"a": strings.Repeat("b", 64)})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("big body: status %d, want 413", rec.Code)
	}
}
