package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// dummyHandler is a placeholder that records if it was called and the context it received.
type dummyHandler struct {
	called bool
	ctx    context.Context
}

func (d *dummyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.called = true
	d.ctx = r.Context()
	w.WriteHeader(http.StatusOK)
}

type validatorFunc func(ctx context.Context, token string) (string, error)

func (f validatorFunc) IdentityForToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

func TestSessionAuth(t *testing.T) {
	v := validatorFunc(func(ctx context.Context, token string) (string, error) {
		if token == "good" {
			return "alice", nil
		}
		return "", errors.New("unknown token")
	})

	tests := []struct {
		name       string
		header     string
		wantCode   int
		wantCalled bool
	}{
		{name: "no header", wantCode: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic good", wantCode: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantCode: http.StatusUnauthorized},
		{name: "unknown token", header: "Bearer bad", wantCode: http.StatusUnauthorized},
		{name: "valid", header: "Bearer good", wantCode: http.StatusOK, wantCalled: true},
		{name: "lowercase scheme", header: "bearer good", wantCode: http.StatusOK, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dummy := &dummyHandler{}
			h := SessionAuth(v)(dummy)
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/api/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			h.ServeHTTP(rec, req)

			if dummy.called != tt.wantCalled {
				t.Errorf("next called = %v; want %v", dummy.called, tt.wantCalled)
			}
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantCalled {
				if got := GetIdentityIDFromContext(dummy.ctx); got != "alice" {
					t.Errorf("expected context identity 'alice', got '%s'", got)
				}
				if got := GetTokenFromContext(dummy.ctx); got != "good" {
					t.Errorf("expected context token 'good', got '%s'", got)
				}
			}
		})
	}
}

func TestGetIdentityIDFromContext(t *testing.T) {
	// no value
	if empty := GetIdentityIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string for missing identity, got '%s'", empty)
	}
	// with value
	ctx := context.WithValue(context.Background(), identityKey, "bob")
	if val := GetIdentityIDFromContext(ctx); val != "bob" {
		t.Errorf("expected 'bob', got '%s'", val)
	}
	if tok := GetTokenFromContext(ctx); tok != "" {
		t.Errorf("expected no token, got '%s'", tok)
	}
}
