// Package auth provides operator accounts, JWT access tokens, and the
// authentication middleware for the fleet API.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service ties the user store and token service to HTTP. It implements
// the server's RouteRegistrar contract.
type Service struct {
	store  *Store
	tokens *TokenService
	log    *zap.Logger
}

// NewService builds the auth service.
func NewService(store *Store, tokens *TokenService, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, tokens: tokens, log: log}
}

// Tokens exposes the token service for WebSocket query-param auth.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// EnsureAdmin creates the initial admin account when no users exist.
// Returns the generated password, or "" if accounts already exist or a
// password was supplied in configuration.
func (s *Service) EnsureAdmin(ctx context.Context, configured string) (string, error) {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}

	password := configured
	generated := ""
	if password == "" {
		password = uuid.NewString()
		generated = password
	}
	hash, err := HashPassword(password, 0)
	if err != nil {
		return "", err
	}
	if err := s.store.CreateUser(ctx, &User{
		ID:           uuid.NewString(),
		Username:     "admin",
		PasswordHash: hash,
		Role:         RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	s.log.Info("initial admin account created", zap.String("username", "admin"))
	return generated, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	Role      string `json:"role"`
}

// RegisterRoutes implements server.RouteRegistrar.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/auth/me", s.handleMe)
}

// handleLogin exchanges credentials for an access token.
//
//	@Summary		Login
//	@Description	Exchanges username and password for a JWT access token.
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request body loginRequest true "Credentials"
//	@Success		200 {object} loginResponse
//	@Failure		401 {object} map[string]any
//	@Router			/auth/login [post]
func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.log.Error("login lookup failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "login failed")
		return
	}
	// Hash check runs even for unknown users so response timing does
	// not reveal which usernames exist.
	hash := "$2a$10$0000000000000000000000uGZwjcnsiW3pUX/ODpUHmIT9HJyXG2u"
	if user != nil {
		hash = user.PasswordHash
	}
	if !CheckPassword(hash, req.Password) || user == nil || user.Disabled {
		s.log.Warn("login rejected", zap.String("username", req.Username))
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.tokens.IssueAccessToken(user)
	if err != nil {
		s.log.Error("token issue failed", zap.Error(err))
		writeAuthError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if err := s.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		s.log.Warn("last login update failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{
		Token:     token,
		ExpiresIn: int(s.tokens.AccessTokenTTL().Seconds()),
		Role:      string(user.Role),
	})
}

// handleMe returns the authenticated user's claims.
//
//	@Summary		Current user
//	@Tags			auth
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200 {object} Claims
//	@Failure		401 {object} map[string]any
//	@Router			/auth/me [get]
func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := UserFromContext(r.Context())
	if claims == nil {
		writeAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// Middleware implements server.RouteRegistrar.
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return AuthMiddleware(s.tokens)
}

// authUserKey is a context key for the authenticated user.
type authUserKey struct{}

// UserFromContext returns the authenticated user from the request context.
// Returns nil if the request is not authenticated.
func UserFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(authUserKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// Public paths that don't require authentication.
var publicPaths = map[string]bool{
	"/api/v1/auth/login": true,
}

// AuthMiddleware validates JWT access tokens on API routes.
// Public paths and non-API paths (healthz, readyz, metrics) are skipped.
func AuthMiddleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			// WebSocket paths authenticate via query param in the WS
			// handler, where Authorization headers are unavailable.
			if strings.HasPrefix(r.URL.Path, "/api/v1/ws/") {
				next.ServeHTTP(w, r)
				return
			}

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := tokens.ValidateAccessToken(tokenString)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			ctx := context.WithValue(r.Context(), authUserKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
