package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func doProbe(t *testing.T, h *Handler, serve func(http.ResponseWriter, *http.Request)) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	serve(rec, req)

	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	h := New(
		// Liveness must not run dependency checks.
		Checker{Name: "switch", Check: func(_ context.Context) error {
			t.Error("healthz ran a readiness check")
			return nil
		}},
	)

	rec, body := doProbe(t, h, h.Healthz)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("body status = %q, want ok", body.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "switch", Check: func(_ context.Context) error { return nil }},
				{Name: "store", Check: func(_ context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "switch", Check: func(_ context.Context) error { return nil }},
				{Name: "store", Check: func(_ context.Context) error {
					return errors.New("connection refused")
				}},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "switch", Check: func(_ context.Context) error {
					return errors.New("socket closed")
				}},
				{Name: "store", Check: func(_ context.Context) error {
					return errors.New("connection refused")
				}},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New(tc.checkers...)
			rec, body := doProbe(t, h, h.Readyz)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if body.Status != tc.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantBody)
			}
			if len(body.Checks) != len(tc.checkers) {
				t.Errorf("checks reported = %d, want %d", len(body.Checks), len(tc.checkers))
			}
		})
	}
}

func TestReadyz_PerCheckDetail(t *testing.T) {
	h := New(
		Checker{Name: "switch", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "store", Check: func(_ context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return errors.New("connection refused")
		}},
	)

	_, body := doProbe(t, h, h.Readyz)

	sw := body.Checks["switch"]
	if sw.Status != "ok" || sw.Error != "" {
		t.Errorf("switch = %+v, want passing with no error", sw)
	}
	st := body.Checks["store"]
	if st.Status != "fail" {
		t.Errorf("store status = %q, want fail", st.Status)
	}
	if st.Error != "connection refused" {
		t.Errorf("store error = %q", st.Error)
	}
	if st.LatencyMS < 20 {
		t.Errorf("store latency = %dms, want >= 20", st.LatencyMS)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	// Two checks that each wait for the other can only both pass if Readyz
	// runs them in parallel.
	var arrived atomic.Int32
	rendezvous := func(ctx context.Context) error {
		arrived.Add(1)
		deadline := time.After(2 * time.Second)
		for arrived.Load() < 2 {
			select {
			case <-deadline:
				return errors.New("peer never started")
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return nil
	}
	h := New(
		Checker{Name: "a", Check: rendezvous},
		Checker{Name: "b", Check: rendezvous},
	)

	rec, _ := doProbe(t, h, h.Readyz)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_FailureDoesNotCancelSiblings(t *testing.T) {
	h := New(
		Checker{Name: "fast-fail", Check: func(_ context.Context) error {
			return errors.New("down")
		}},
		Checker{Name: "slow-pass", Check: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(30 * time.Millisecond):
				return nil
			}
		}},
	)

	_, body := doProbe(t, h, h.Readyz)
	if body.Checks["slow-pass"].Status != "ok" {
		t.Errorf("slow-pass = %+v, want ok despite sibling failure", body.Checks["slow-pass"])
	}
}

func TestReadyz_RespectsRequestCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister(t *testing.T) {
	h := New(
		Checker{Name: "switch", Check: func(_ context.Context) error { return nil }},
	)
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
