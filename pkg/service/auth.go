package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"

	"github.com/homeshift/homeshift/pkg/log"
)

const authTokenCookie = "auth_token"

// tokenVerifier validates a raw ID token and returns the verified email
// claim.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Auth guards operator endpoints (pause, resume, settings) with OIDC ID
// tokens. When no audience is configured the endpoints are open, which is
// the normal state for a LAN-only deployment.
type Auth struct {
	verifiers   map[string]tokenVerifier
	audiences   map[string]string
	adminEmails []string
	bypass      bool
}

// ConfiguredAuth initializes operator auth from flags.
func ConfiguredAuth() *Auth {
	auth := &Auth{}
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience (client ID) to validate operator tokens against")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to call operator endpoints")
	bypassAuth := lflag.Bool("bypass-auth", false, "disable operator authentication")
	lflag.Do(func() {
		if *adminEmails != "" {
			auth.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range auth.adminEmails {
				auth.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			auth.verifiers = map[string]tokenVerifier{
				"google": oidcEmailVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience})),
			}
			auth.audiences = map[string]string{
				"google": *oidcAudience,
			}
		}
		if *bypassAuth || len(auth.verifiers) == 0 {
			auth.bypass = true
			log.Ctx(context.Background()).Info("operator authentication disabled")
		}
	})
	return auth
}

// oidcEmailVerifier wraps an OIDC verifier into a tokenVerifier that
// requires a verified email claim.
func oidcEmailVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Email == "" || !claims.EmailVerified {
			return "", errors.New("email missing or unverified")
		}
		return claims.Email, nil
	}
}

// Middleware rejects requests that do not carry a valid operator token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypass {
			next.ServeHTTP(w, r)
			return
		}
		raw := bearerToken(r)
		if raw == "" {
			if c, err := r.Cookie(authTokenCookie); err == nil {
				raw = c.Value
			}
		}
		if raw == "" {
			WriteJSONError(w, "missing token", http.StatusUnauthorized)
			return
		}
		email, err := a.authenticateToken(r.Context(), raw)
		if err != nil {
			log.Ctx(r.Context()).WarnContext(r.Context(), "rejected operator token", slog.Any("error", err))
			WriteJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if len(a.adminEmails) > 0 && !a.isAdmin(email) {
			WriteJSONError(w, "forbidden", http.StatusForbidden)
			return
		}
		ctx := log.With(r.Context(), log.Ctx(r.Context()).With(slog.String("operator", email)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken tries each configured verifier and returns the email of
// the first one that accepts the token.
func (a *Auth) authenticateToken(ctx context.Context, raw string) (string, error) {
	var lastErr error
	for name, verify := range a.verifiers {
		email, err := verify(ctx, raw)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			continue
		}
		return email, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no verifiers configured")
	}
	return "", lastErr
}

func (a *Auth) isAdmin(email string) bool {
	for _, adminEmail := range a.adminEmails {
		if email == adminEmail {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
