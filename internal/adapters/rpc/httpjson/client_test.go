package httpjson

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"energy-harvester/internal/domain/harvest"
)

func TestClientCall(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/collect":
			if !strings.Contains(string(body), `"userId":"u1"`) {
				t.Errorf("unexpected body %s", body)
			}
			_, _ = w.Write([]byte(`{"resultCode":"SUCCESS","bubbles":[]}`))
		case "/platform_error":
			_, _ = w.Write([]byte(`{"error":"1004","message":"slow down"}`))
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/", RPS: 100, ThrottleCode: "1004"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name     string
		op       string
		wantErr  bool
		hasError bool
		code     string
	}{
		{name: "success", op: "collect"},
		{name: "platform error envelope", op: "platform_error", hasError: true, code: "1004"},
		{name: "http 429", op: "limited", hasError: true, code: "1004"},
		{name: "http 500", op: "broken", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Call(ctx, harvest.Request{Operation: tt.op, Args: map[string]any{"userId": "u1"}})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if resp.HasError != tt.hasError || resp.ErrorCode != tt.code {
				t.Fatalf("response = %+v, want hasError=%v code=%q", resp, tt.hasError, tt.code)
			}
		})
	}
}

func TestNewRejectsEmptyBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{BaseURL: "  "}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
