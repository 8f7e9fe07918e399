package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecover(t *testing.T) {
	sentinel := errors.New("upstream transport closed")
	tests := []struct {
		name    string
		panicV  any
		wantErr error
	}{
		{"string panic", "something broke", nil},
		{"error panic", sentinel, sentinel},
		{"int panic", 42, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := &captureLogger{}
			calls := 0
			h := Recover(L, func() { calls++ })(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				panic(tt.panicV)
			}))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/landing", http.NoBody))

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			if calls != 1 {
				t.Fatalf("onPanic calls = %d, want 1", calls)
			}
			e, ok := L.lastError()
			if !ok {
				t.Fatal("expected error log")
			}
			if e.msg != "httpserver panic recovered" {
				t.Fatalf("msg = %q", e.msg)
			}
			if e.err == nil {
				t.Fatal("expected error value")
			}
			if tt.wantErr != nil && !errors.Is(e.err, tt.wantErr) {
				t.Fatalf("err = %v, want wrapping %v", e.err, tt.wantErr)
			}
			if v, _ := L.withField("url.path"); v != "/landing" {
				t.Fatalf("url.path = %v", v)
			}
		})
	}
}

func TestRecover_NoPanic(t *testing.T) {
	L := &captureLogger{}
	h := Recover(L, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "value")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusCreated || rec.Body.String() != "created" || rec.Header().Get("X-Custom") != "value" {
		t.Fatalf("response altered: %d %q", rec.Code, rec.Body.String())
	}
	if _, ok := L.lastError(); ok {
		t.Fatal("error logged without a panic")
	}
}

func TestRecover_NilLoggerAndCallback(t *testing.T) {
	h := Recover(nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRecover_ReraisesAbortHandler(t *testing.T) {
	h := Recover(&captureLogger{}, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want http.ErrAbortHandler", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	t.Fatal("expected re-panic")
}
