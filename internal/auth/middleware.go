package auth

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	AgentID string `json:"agentId"` // subject of the token
	Email   string `json:"email"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

type contextKey string

const UserContextKey contextKey = "user"

// JWKSManager handles JWKS fetching and caching
type JWKSManager struct {
	jwks       keyfunc.Keyfunc
	issuerURL  string
	mu         sync.RWMutex
	lastUpdate time.Time
}

var (
	jwksManager *JWKSManager
	jwksOnce    sync.Once
)

// InitJWKS initializes the JWKS manager for token verification
// Call this on server startup in production mode
func InitJWKS(issuerURL string) error {
	var initErr error
	jwksOnce.Do(func() {
		jwksManager = &JWKSManager{issuerURL: issuerURL}
		initErr = jwksManager.refresh()
	})
	return initErr
}

// refresh fetches the JWKS from the OIDC provider
func (m *JWKSManager) refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Construct JWKS URL (Keycloak format)
	jwksURL := strings.TrimSuffix(m.issuerURL, "/") + "/protocol/openid-connect/certs"
	log.Printf("[Auth] Fetching JWKS from: %s", jwksURL)

	k, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return fmt.Errorf("failed to create keyfunc: %w", err)
	}

	m.jwks = k
	m.lastUpdate = time.Now()
	log.Printf("[Auth] JWKS loaded successfully")
	return nil
}

// getKeyfunc returns the JWT keyfunc for token verification
func (m *JWKSManager) getKeyfunc() jwt.Keyfunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.jwks == nil {
		return nil
	}
	return m.jwks.Keyfunc
}

// Middleware validates JWT tokens from the OIDC provider and puts the
// signed-in agent's claims on the request context
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// In development mode, you can bypass auth
		skipAuth := os.Getenv("SKIP_AUTH")
		if skipAuth == "true" {
			log.Println("[Auth] SKIP_AUTH enabled - bypassing authentication")
			ctx := context.WithValue(r.Context(), UserContextKey, &Claims{
				AgentID: "dev-agent",
				Email:   "dev@dialdesk.local",
				Name:    "Dev Agent",
				Role:    "agent",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		// Extract token from Authorization header or query parameter
		tokenString := extractToken(r)
		if tokenString == "" {
			log.Println("[Auth] Missing authorization token")
			http.Error(w, "Unauthorized: Missing token", http.StatusUnauthorized)
			return
		}

		claims, err := validateToken(tokenString)
		if err != nil {
			log.Printf("[Auth] Token validation failed: %v", err)
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}
		if claims.AgentID == "" {
			log.Println("[Auth] Token has no subject")
			http.Error(w, "Unauthorized: token has no subject", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken gets the token from Authorization header or query parameter
func extractToken(r *http.Request) string {
	// Try Authorization header first
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString != authHeader {
			return tokenString
		}
	}

	// Try query parameter (for WebSocket connections)
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	return ""
}

// validateToken validates the JWT token with optional signature verification
func validateToken(tokenString string) (*Claims, error) {
	env := os.Getenv("ENV")
	verifySignature := os.Getenv("VERIFY_JWT_SIGNATURE") == "true"

	// In production, verify signature by default
	if env != "development" && env != "" {
		verifySignature = true
	}

	var token *jwt.Token
	var err error

	if verifySignature {
		// Production: Verify signature using JWKS
		token, err = parseAndVerifyToken(tokenString)
		if err != nil {
			return nil, err
		}
	} else {
		// Development: Parse without verification (for local testing)
		log.Println("[Auth] WARNING: JWT signature verification disabled (development mode)")
		token, _, err = new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse token: %w", err)
		}
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	claims := &Claims{}

	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
		claims.AgentID = sub
	}

	if email, ok := mapClaims["email"].(string); ok {
		claims.Email = email
	}

	if name, ok := mapClaims["name"].(string); ok {
		claims.Name = name
	} else if preferredUsername, ok := mapClaims["preferred_username"].(string); ok {
		claims.Name = preferredUsername
	}

	claims.Role = extractRoleFromMapClaims(mapClaims)

	// Check expiration (for unverified tokens - verified tokens check this automatically)
	if !verifySignature {
		if exp, ok := mapClaims["exp"].(float64); ok {
			expTime := time.Unix(int64(exp), 0)
			claims.ExpiresAt = jwt.NewNumericDate(expTime)
			if expTime.Before(time.Now()) {
				return nil, fmt.Errorf("token expired")
			}
		}
	}

	return claims, nil
}

// parseAndVerifyToken verifies the JWT signature using JWKS
func parseAndVerifyToken(tokenString string) (*jwt.Token, error) {
	// Ensure JWKS is initialized
	if jwksManager == nil {
		issuer := os.Getenv("OIDC_ISSUER")
		if issuer == "" {
			return nil, fmt.Errorf("OIDC_ISSUER not configured for production JWT verification")
		}
		if err := InitJWKS(issuer); err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS: %w", err)
		}
	}

	keyfunc := jwksManager.getKeyfunc()
	if keyfunc == nil {
		return nil, fmt.Errorf("JWKS not available")
	}

	token, err := jwt.Parse(tokenString, keyfunc, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

// extractRoleFromMapClaims extracts role from various possible token claim locations
func extractRoleFromMapClaims(mapClaims jwt.MapClaims) string {
	// Check realm_access.roles (Keycloak)
	if realmAccess, ok := mapClaims["realm_access"].(map[string]interface{}); ok {
		if roles, ok := realmAccess["roles"].([]interface{}); ok {
			// Priority order: admin > supervisor > agent
			for _, priority := range []string{"admin", "supervisor", "agent"} {
				for _, role := range roles {
					if roleStr, ok := role.(string); ok && roleStr == priority {
						return roleStr
					}
				}
			}
		}
	}

	// Check cognito:groups (AWS Cognito)
	if cognitoGroups, ok := mapClaims["cognito:groups"].([]interface{}); ok {
		for _, group := range cognitoGroups {
			if groupStr, ok := group.(string); ok {
				if strings.Contains(groupStr, "admin") {
					return "admin"
				}
				if strings.Contains(groupStr, "supervisor") {
					return "supervisor"
				}
				if strings.Contains(groupStr, "agent") {
					return "agent"
				}
			}
		}
	}

	return "agent" // default role
}

// GetUserFromContext retrieves user claims from request context
func GetUserFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*Claims)
	return claims, ok
}

// HasRole checks if user has specific role
func HasRole(claims *Claims, role string) bool {
	return claims.Role == role
}
