package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pescbridge/pescbridge/pkg/log"
)

type tokenClaims struct {
	Subject string
	Email   string
}

// tokenVerifier validates an ID token and returns its claims.
type tokenVerifier func(ctx context.Context, rawIDToken string) (tokenClaims, error)

func newOIDCVerifier(ctx context.Context, issuer, audience string) (tokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: audience})
	return func(ctx context.Context, rawIDToken string) (tokenClaims, error) {
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return tokenClaims{}, err
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return tokenClaims{}, fmt.Errorf("failed to parse claims: %w", err)
		}
		return tokenClaims{Subject: idToken.Subject, Email: claims.Email}, nil
	}, nil
}

// authMiddleware requires a bearer ID token on every request that changes
// state. Reads stay open.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.verifier == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
			writeJSONError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}

		claims, err := s.verifier(ctx, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
		if !s.emailAllowed(claims.Email) {
			log.Ctx(ctx).WarnContext(ctx, "email not allowed", slog.String("email", claims.Email))
			writeJSONError(w, "forbidden", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authSubject", claims.Subject)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request", slog.String("email", claims.Email))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// emailAllowed is true for every email when no list is configured.
func (s *Server) emailAllowed(email string) bool {
	if len(s.allowedEmails) == 0 {
		return true
	}
	for _, allowed := range s.allowedEmails {
		if email != "" && email == allowed {
			return true
		}
	}
	return false
}
