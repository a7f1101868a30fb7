// Package authtest provides an in-process fake of the clinical-records auth
// backend for tests: bcrypt-verified passwords, HS256 JWT access tokens, MFA
// challenge tokens, refresh rotation, and failure injection.
package authtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Token lifetimes mirror the real backend's defaults
const (
	accessTokenLifetime  = 30 * time.Minute
	refreshTokenLifetime = 7 * 24 * time.Hour
)

// User is an account known to the fake backend
type User struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Role       string
	MFAEnabled bool

	// MFACode is the code accepted for this user's challenges
	MFACode string

	passwordHash []byte
}

// Server is the fake backend. Zero-value injection knobs mean the server
// behaves like a healthy backend.
type Server struct {
	httpServer *httptest.Server
	secret     []byte

	mu             sync.Mutex
	users          map[string]*User  // email -> user
	usersByID      map[string]*User  // id -> user
	mfaChallenges  map[string]string // challenge token -> user id
	refreshTokens  map[string]string // refresh token -> user id
	revokedAccess  map[string]bool
	refreshCalls   int
	failRefresh    bool
	refreshDelay   time.Duration
	rotateRefresh  bool
	loginCalls     int
	logoutCalls    int
	lastLogoutAuth string
}

// NewServer starts a fake backend on a local listener. Callers own Close.
func NewServer() *Server {
	s := &Server{
		secret:        []byte(uuid.NewString()),
		users:         make(map[string]*User),
		usersByID:     make(map[string]*User),
		mfaChallenges: make(map[string]string),
		refreshTokens: make(map[string]string),
		revokedAccess: make(map[string]bool),
		rotateRefresh: true,
	}

	r := chi.NewRouter()
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/mfa/verify", s.handleMFAVerify)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/patients", s.handlePatients)

	s.httpServer = httptest.NewServer(r)
	return s
}

// URL returns the backend's base URL
func (s *Server) URL() string {
	return s.httpServer.URL
}

// Close shuts the backend down
func (s *Server) Close() {
	s.httpServer.Close()
}

// AddUser registers an account. The password is bcrypt-hashed at the lowest
// cost; these credentials only live for a test.
func (s *Server) AddUser(user User, password string) *User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.MFACode == "" {
		user.MFACode = "123456"
	}
	user.passwordHash = hash

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Email] = &user
	s.usersByID[user.ID] = &user
	return &user
}

// RefreshCalls reports how many times /auth/refresh was hit
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// LogoutCalls reports how many times /auth/logout was hit
func (s *Server) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

// LastLogoutAuth returns the Authorization header of the latest logout call
func (s *Server) LastLogoutAuth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogoutAuth
}

// SetFailRefresh makes /auth/refresh reject every call
func (s *Server) SetFailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// SetRefreshDelay delays /auth/refresh responses, for racing renewals
// against logouts.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetRotateRefresh controls whether /auth/refresh returns a rotated refresh
// token (the default) or omits it.
func (s *Server) SetRotateRefresh(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// RevokeAccessToken makes the given access token fail authorization on
// protected endpoints, simulating server-side expiry.
func (s *Server) RevokeAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedAccess[token] = true
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type mfaVerifyRequest struct {
	MFAToken string `json:"mfa_token"`
	Code     string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userPayload struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	User         *userPayload `json:"user,omitempty"`
}

type mfaChallengeResponse struct {
	MFARequired bool     `json:"mfa_required"`
	MFAToken    string   `json:"mfa_token"`
	Methods     []string `json:"methods"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	s.loginCalls++
	user, ok := s.users[req.Email]
	s.mu.Unlock()

	if !ok || bcrypt.CompareHashAndPassword(user.passwordHash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	if user.MFAEnabled {
		challenge := uuid.NewString()
		s.mu.Lock()
		s.mfaChallenges[challenge] = user.ID
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, mfaChallengeResponse{
			MFARequired: true,
			MFAToken:    challenge,
			Methods:     []string{"totp"},
		})
		return
	}

	s.issueTokens(w, user, true)
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	userID, ok := s.mfaChallenges[req.MFAToken]
	var user *User
	if ok {
		user = s.usersByID[userID]
	}
	s.mu.Unlock()

	if !ok || user == nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired MFA token")
		return
	}
	if req.Code != user.MFACode {
		// The challenge stays live for another attempt.
		writeError(w, http.StatusUnauthorized, "Invalid MFA code")
		return
	}

	s.mu.Lock()
	delete(s.mfaChallenges, req.MFAToken)
	s.mu.Unlock()

	s.issueTokens(w, user, true)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	fail := s.failRefresh
	rotate := s.rotateRefresh
	userID, known := s.refreshTokens[req.RefreshToken]
	var user *User
	if known {
		user = s.usersByID[userID]
	}
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail || !known || user == nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	if rotate {
		s.mu.Lock()
		delete(s.refreshTokens, req.RefreshToken)
		s.mu.Unlock()
		s.issueTokens(w, user, false)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: s.mintAccessToken(user),
		TokenType:   "bearer",
		ExpiresIn:   int(accessTokenLifetime.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.logoutCalls++
	s.lastLogoutAuth = r.Header.Get("Authorization")
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"detail": "Logged out successfully"})
}

// handlePatients is a stand-in protected resource
func (s *Server) handlePatients(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	writeJSON(w, http.StatusOK, []map[string]string{
		{"id": uuid.NewString(), "family_name": "Osei", "given_name": "Abena"},
		{"id": uuid.NewString(), "family_name": "Lindqvist", "given_name": "Erik"},
	})
}

func (s *Server) authorize(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	raw := header[len(prefix):]

	s.mu.Lock()
	revoked := s.revokedAccess[raw]
	s.mu.Unlock()
	if revoked {
		return false
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	return err == nil && token.Valid
}

func (s *Server) issueTokens(w http.ResponseWriter, user *User, includeUser bool) {
	refresh := s.mintRefreshToken(user)

	s.mu.Lock()
	s.refreshTokens[refresh] = user.ID
	s.mu.Unlock()

	resp := tokenResponse{
		AccessToken:  s.mintAccessToken(user),
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(accessTokenLifetime.Seconds()),
	}
	if includeUser {
		resp.User = &userPayload{
			ID:        user.ID,
			FirstName: user.FirstName,
			LastName:  user.LastName,
			Role:      user.Role,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) mintAccessToken(user *User) string {
	return s.mint(user.ID, "access", accessTokenLifetime)
}

func (s *Server) mintRefreshToken(user *User) string {
	return s.mint(user.ID, "refresh", refreshTokenLifetime)
}

func (s *Server) mint(subject, tokenType string, lifetime time.Duration) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"type": tokenType,
		"jti":  uuid.NewString(),
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(lifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(err)
	}
	return signed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
