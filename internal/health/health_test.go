package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name       string
		pool       Pinger
		wantStatus int
		wantOK     bool
	}{
		{"nil pool", nil, http.StatusOK, true},
		{"db reachable", fakePinger{}, http.StatusOK, true},
		{"db down", fakePinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HTTPHandler(tt.pool).ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var st Status
			if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if st.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v", st.OK, tt.wantOK)
			}
		})
	}
}
