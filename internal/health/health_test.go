package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	// Liveness ignores the readiness checks.
	h := New(Checker{Name: "session", Check: failWith("down")})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := decode(t, rec); body.Status != "ok" || len(body.Checks) != 0 {
		t.Errorf("body = %+v, want bare ok", body)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		wantCode int
		want     map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "session", Check: pass},
				{Name: "frames", Check: pass},
			},
			wantCode: http.StatusOK,
			want:     map[string]string{"session": "ok", "frames": "ok"},
		},
		{
			name: "frames stalled",
			checkers: []Checker{
				{Name: "session", Check: pass},
				{Name: "frames", Check: failWith("last progress 3s ago")},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"session": "ok", "frames": "fail: last progress 3s ago"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "session", Check: failWith("not running")},
				{Name: "frames", Check: failWith("no progress yet")},
			},
			wantCode: http.StatusServiceUnavailable,
			want:     map[string]string{"session": "fail: not running", "frames": "fail: no progress yet"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			wantStatus := "ok"
			if tt.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("status field = %q, want %q", body.Status, wantStatus)
			}
			if len(body.Checks) != len(tt.want) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.want)
			}
			for name, want := range tt.want {
				if got := body.Checks[name]; got != want {
					t.Errorf("checks[%s] = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	New(Checker{Name: "session", Check: pass}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}

func TestRunning(t *testing.T) {
	var running atomic.Bool
	c := Running("session", running.Load)
	if c.Name != "session" {
		t.Errorf("Name = %q, want session", c.Name)
	}
	if err := c.Check(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("idle check = %v, want ErrNotRunning", err)
	}
	running.Store(true)
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("running check = %v, want nil", err)
	}
}

func TestFresh(t *testing.T) {
	tests := []struct {
		name    string
		last    time.Time
		wantErr string
	}{
		{name: "never", wantErr: "no progress"},
		{name: "recent", last: time.Now()},
		{name: "stale", last: time.Now().Add(-time.Minute), wantErr: "ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Fresh("frames", time.Second, func() time.Time { return tt.last })
			err := c.Check(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Check = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Check = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	blocking := func(context.Context) error {
		if started.Add(1) == 2 {
			close(release)
		}
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("checkers ran one after another")
		}
	}
	h := New(
		Checker{Name: "a", Check: blocking},
		Checker{Name: "b", Check: blocking},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
}
