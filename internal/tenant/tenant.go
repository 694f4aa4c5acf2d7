package tenant

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderName is the trusted tenant header set by the edge proxy.
const HeaderName = "X-Tenant-ID"

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant stores the tenant ID in the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// FromContext extracts the tenant ID placed by the middleware.
func FromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	return tenantID, ok && tenantID != ""
}

// JWTValidator validates RS256 bearer tokens and pulls the tenant_id
// claim out of them.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %v", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{publicKey: publicKey, issuer: issuer, audience: audience}, nil
}

// TenantFromToken validates the token and returns its tenant_id claim.
func (v *JWTValidator) TenantFromToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %v", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return "", fmt.Errorf("missing or invalid tenant_id claim")
	}
	return tenantID, nil
}

// Resolver resolves the tenant for a request: the trusted header wins,
// then a bearer token when a validator is configured.
type Resolver struct {
	validator *JWTValidator // nil means header-only resolution
	require   bool
}

func NewResolver(validator *JWTValidator, require bool) *Resolver {
	return &Resolver{validator: validator, require: require}
}

// FromRequest returns the tenant ID or "" when none resolves.
func (res *Resolver) FromRequest(r *http.Request) string {
	if tenantID, ok := FromContext(r.Context()); ok {
		return tenantID
	}
	if tenantID := r.Header.Get(HeaderName); tenantID != "" {
		return tenantID
	}
	if res.validator == nil {
		return ""
	}
	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == "" || tokenString == authHeader {
		return ""
	}
	tenantID, err := res.validator.TenantFromToken(tokenString)
	if err != nil {
		return ""
	}
	return tenantID
}

// Middleware resolves the tenant once and stores it in the request
// context. Health and metrics endpoints bypass resolution.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		tenantID := res.FromRequest(r)
		if tenantID == "" && res.require {
			http.Error(w, "missing tenant identity", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}
