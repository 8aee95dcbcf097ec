// Package auth verifies bearer tokens issued by the external authentication
// layer (spec §1 "Explicitly out of scope... the authentication/JWT
// issuance layer"; only verification survives in the core, per DESIGN.md).
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig describes the external OIDC issuer the control plane
// trusts. IssuerURL is the discovery endpoint; Audience is checked against
// the token's `aud` claim.
type VerifierConfig struct {
	IssuerURL string
	Audience  string
}

// Verifier validates bearer access tokens against a discovered OIDC
// provider and extracts the actor used on AuditLog rows.
type Verifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewVerifier performs OIDC discovery against cfg.IssuerURL. Returns nil,
// nil if cfg.IssuerURL is empty, meaning authentication is disabled (used
// only for local development; production configs must set it).
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("auth: discovering OIDC provider at %q: %w", cfg.IssuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.Audience,
		SkipClientIDCheck: cfg.Audience == "",
	})
	return &Verifier{provider: provider, verifier: verifier}, nil
}

// VerifyToken validates tokenString and extracts the UserContext recorded
// on the request (spec §6 API adapter, out of scope but its contract with
// the core is not: every mutating call carries an actor).
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (*UserContext, error) {
	idToken, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("auth: token verification failed: %w", err)
	}

	var claims struct {
		Sub               string `json:"sub"`
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("auth: extracting claims: %w", err)
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("auth: re-parsing claims for roles: %w", err)
	}
	mapClaims, _ := token.Claims.(jwt.MapClaims)

	var roles []string
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if rolesRaw, ok := realmAccess["roles"].([]interface{}); ok {
			for _, r := range rolesRaw {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		}
	}

	return &UserContext{
		UserID:            claims.Sub,
		Email:             claims.Email,
		PreferredUsername: claims.PreferredUsername,
		Roles:             roles,
		RawToken:          tokenString,
	}, nil
}

// Middleware returns HTTP middleware that extracts and verifies the Bearer
// token, storing the UserContext for downstream handlers. If v is nil
// (authentication disabled) requests pass through unauthenticated.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			unauthorized(w, "missing or malformed Authorization header")
			return
		}

		user, err := v.VerifyToken(r.Context(), header[len(prefix):])
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(SetUserContext(r.Context(), user)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":{"kind":"InvalidRequest","message":%q}}`, message)))
}
