package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pescbridge/pescbridge/pkg/coordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func stubVerifier(ctx context.Context, rawIDToken string) (tokenClaims, error) {
	switch rawIDToken {
	case "good":
		return tokenClaims{Subject: "123", Email: "owner@example.com"}, nil
	case "stranger":
		return tokenClaims{Subject: "456", Email: "stranger@example.com"}, nil
	case "no-email":
		return tokenClaims{Subject: "789"}, nil
	default:
		return tokenClaims{}, errors.New("bad signature")
	}
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		verifier      tokenVerifier
		allowedEmails []string
		method        string
		header        string
		wantCode      int
	}{
		{name: "Auth Disabled", method: "POST", wantCode: http.StatusOK},
		{name: "GET Is Open", verifier: stubVerifier, method: "GET", wantCode: http.StatusOK},
		{name: "Missing Header", verifier: stubVerifier, method: "POST", wantCode: http.StatusUnauthorized},
		{name: "Not Bearer", verifier: stubVerifier, method: "POST", header: "Basic Zm9vOmJhcg==", wantCode: http.StatusBadRequest},
		{name: "Invalid Token", verifier: stubVerifier, method: "POST", header: "Bearer forged", wantCode: http.StatusUnauthorized},
		{name: "Valid Token", verifier: stubVerifier, method: "POST", header: "Bearer good", wantCode: http.StatusOK},
		{name: "Allowed Email", verifier: stubVerifier, allowedEmails: []string{"owner@example.com"}, method: "POST", header: "Bearer good", wantCode: http.StatusOK},
		{name: "Other Email", verifier: stubVerifier, allowedEmails: []string{"owner@example.com"}, method: "POST", header: "Bearer stranger", wantCode: http.StatusForbidden},
		{name: "No Email Claim", verifier: stubVerifier, allowedEmails: []string{"owner@example.com"}, method: "POST", header: "Bearer no-email", wantCode: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.srv.verifier = tt.verifier
			ts.srv.allowedEmails = tt.allowedEmails
			ts.coordinator.On("Refresh", mock.Anything).Return(nil).Maybe()
			ts.coordinator.On("Status").Return(coordinator.Status{State: coordinator.StateOK}).Maybe()

			path := "/api/refresh"
			if tt.method == "GET" {
				path = "/api/status"
			}
			req := httptest.NewRequest(tt.method, path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				ts.coordinator.AssertNotCalled(t, "Refresh", mock.Anything)
			}
		})
	}
}

func TestEmailAllowed(t *testing.T) {
	s := &Server{}
	assert.True(t, s.emailAllowed(""))
	assert.True(t, s.emailAllowed("anyone@example.com"))

	s.allowedEmails = []string{"a@example.com", "b@example.com"}
	assert.True(t, s.emailAllowed("b@example.com"))
	assert.False(t, s.emailAllowed("c@example.com"))
	assert.False(t, s.emailAllowed(""))
}
