package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareDisabledWithoutTokens(t *testing.T) {
	a := NewTokenAuthenticator(nil)
	called := false
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/lending/status", nil))
	if !called {
		t.Fatalf("expected request to pass through")
	}
}

func TestMiddlewareChecksBearerToken(t *testing.T) {
	a := NewTokenAuthenticator([]string{"ops:s3cret", "plain-token"})
	var subject *Subject
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header string
		status int
		user   string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized, ""},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, ""},
		{"named token", "Bearer s3cret", http.StatusAccepted, "ops"},
		{"plain token", "bearer plain-token", http.StatusAccepted, "token-2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subject = nil
			req := httptest.NewRequest(http.MethodPost, "/api/v1/lending/stop", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.user != "" && (subject == nil || subject.Name != tc.user) {
				t.Fatalf("expected subject %q, got %+v", tc.user, subject)
			}
		})
	}
}

func TestSubjectNameDefaultsToAnonymous(t *testing.T) {
	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	if got := SubjectName(ctx); got != Anonymous {
		t.Fatalf("expected %q, got %q", Anonymous, got)
	}
	if got := SubjectName(WithSubject(ctx, &Subject{Name: "ops"})); got != "ops" {
		t.Fatalf("expected ops, got %q", got)
	}
}
