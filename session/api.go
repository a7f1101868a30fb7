package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cliniqa/go-emr-session/credentials"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
)

// AuthAPI is the slice of the clinical-records API the session machine and
// the renewal coordinator consume.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (LoginOutcome, error)
	VerifyMFA(ctx context.Context, mfaToken, code string) (credentials.Pair, credentials.Principal, error)
	Refresh(ctx context.Context, refreshToken string) (credentials.Pair, error)
	Logout(ctx context.Context, accessToken string) error
}

// LoginOutcome is the result of a login attempt: either a credential pair
// with its principal, or an MFA challenge to complete first.
type LoginOutcome struct {
	Pair      credentials.Pair
	Principal credentials.Principal

	// MFARequired indicates the account has a second factor enabled; Pair
	// and Principal are zero and MFAToken must be presented with a code.
	MFARequired bool
	MFAToken    string
	Methods     []string
}

// API is the HTTP implementation of AuthAPI
type API struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

var _ AuthAPI = (*API)(nil)

// APIOption configures an API
type APIOption func(*API)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(client *http.Client) APIOption {
	return func(a *API) {
		a.client = client
	}
}

// WithAPILogger sets the API client's logger
func WithAPILogger(log zerolog.Logger) APIOption {
	return func(a *API) {
		a.log = log
	}
}

// NewAPI creates an auth API client for the given base URL
func NewAPI(baseURL string, options ...APIOption) *API {
	a := &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Wire shapes follow the backend's snake_case JSON contract.
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

type tokenEnvelope struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	User         *apiUser `json:"user"`

	MFARequired bool     `json:"mfa_required"`
	MFAToken    string   `json:"mfa_token"`
	Methods     []string `json:"methods"`
}

type apiUser struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

func (u *apiUser) principal() credentials.Principal {
	if u == nil {
		return credentials.Principal{}
	}
	return credentials.Principal{
		ID:          u.ID,
		DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		Role:        u.Role,
	}
}

func (e tokenEnvelope) pair() credentials.Pair {
	return credentials.Pair{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		ExpiresIn:    e.ExpiresIn,
	}
}

// Login authenticates with email and password. The server either returns
// tokens, or an MFA challenge when the account has a second factor enabled.
func (a *API) Login(ctx context.Context, email, password string) (LoginOutcome, error) {
	var envelope tokenEnvelope
	status, err := a.post(ctx, "/auth/login", loginRequest{Email: email, Password: password}, "", &envelope)
	if err != nil {
		return LoginOutcome{}, err
	}
	switch {
	case status == http.StatusUnauthorized:
		return LoginOutcome{}, autherrors.ErrInvalidCredentials
	case status < 200 || status >= 300:
		return LoginOutcome{}, fmt.Errorf("login: unexpected status %d", status)
	}

	if envelope.MFARequired {
		return LoginOutcome{
			MFARequired: true,
			MFAToken:    envelope.MFAToken,
			Methods:     envelope.Methods,
		}, nil
	}
	return LoginOutcome{
		Pair:      envelope.pair(),
		Principal: envelope.User.principal(),
	}, nil
}

// VerifyMFA presents a challenge token and a one-time code
func (a *API) VerifyMFA(ctx context.Context, mfaToken, code string) (credentials.Pair, credentials.Principal, error) {
	var envelope tokenEnvelope
	status, err := a.post(ctx, "/auth/mfa/verify", mfaVerifyRequest{MFAToken: mfaToken, Code: code}, "", &envelope)
	if err != nil {
		return credentials.Pair{}, credentials.Principal{}, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusBadRequest:
		return credentials.Pair{}, credentials.Principal{}, autherrors.ErrMFAChallengeInvalid
	case status < 200 || status >= 300:
		return credentials.Pair{}, credentials.Principal{}, fmt.Errorf("mfa verify: unexpected status %d", status)
	}
	return envelope.pair(), envelope.User.principal(), nil
}

// Refresh exchanges a refresh token for a new access token. The response
// may or may not rotate the refresh token.
func (a *API) Refresh(ctx context.Context, refreshToken string) (credentials.Pair, error) {
	var envelope tokenEnvelope
	status, err := a.post(ctx, "/auth/refresh", refreshRequest{RefreshToken: refreshToken}, "", &envelope)
	if err != nil {
		return credentials.Pair{}, err
	}
	if status < 200 || status >= 300 {
		return credentials.Pair{}, fmt.Errorf("refresh: rejected with status %d", status)
	}
	return envelope.pair(), nil
}

// Logout tells the server to end the session. Callers ignore failures; the
// local session is gone either way.
func (a *API) Logout(ctx context.Context, accessToken string) error {
	status, err := a.post(ctx, "/auth/logout", struct{}{}, accessToken, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("logout: unexpected status %d", status)
	}
	return nil
}

// post sends a JSON request and decodes a JSON response into out (when out
// is non-nil and the body is non-empty). The status code is always returned
// so callers can map auth failures to the error taxonomy.
func (a *API) post(ctx context.Context, path string, payload any, accessToken string, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
