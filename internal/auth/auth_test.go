package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "LeanChat/internal/errors"
)

func TestAuthenticateRequest(t *testing.T) {
	svc := NewService([]string{" secret ", "", "other"})
	require.True(t, svc.Enabled())

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer secret")
	require.NoError(t, err)
	assert.Len(t, subject.TokenID, 12)

	again, err := svc.AuthenticateRequest(context.Background(), "bearer  secret")
	require.NoError(t, err)
	assert.Equal(t, subject.TokenID, again.TokenID)

	_, err = svc.AuthenticateRequest(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(context.Background(), "Basic c2VjcmV0")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.AuthenticateRequest(context.Background(), "Bearer nope")
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, xerrors.CodeOf(err))
}

func TestMiddleware(t *testing.T) {
	var seen *Subject
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
	})
	handler := NewService([]string{"secret"}).Middleware()(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Nil(t, seen)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.TokenID)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

	rec := httptest.NewRecorder()
	NewService(nil).Middleware()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)

	var nilSvc *Service
	called = false
	nilSvc.Middleware()(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
