// Package gateway wraps outbound calls to the clinical-records API: it
// attaches the current access credential and retries a request exactly once
// through the renewal coordinator when the server rejects the credential.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cliniqa/go-emr-session/credentials"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
)

// Doer is the opaque external transport
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Renewer obtains a renewed credential pair, sharing in-flight renewals
type Renewer interface {
	Renew(ctx context.Context) (credentials.Pair, error)
}

// Gateway dispatches authenticated requests. Any response other than an
// authorization failure passes through unchanged; network errors, 5xx and
// unrelated 4xx are the caller's business.
type Gateway struct {
	transport Doer
	creds     *credentials.Store
	renewer   Renewer
	log       zerolog.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the gateway's logger
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// New creates a Gateway over the given transport, credential store, and
// renewal coordinator.
func New(transport Doer, creds *credentials.Store, renewer Renewer, options ...Option) *Gateway {
	g := &Gateway{
		transport: transport,
		creds:     creds,
		renewer:   renewer,
		log:       zerolog.Nop(),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// Do sends the request with the current access token attached. Without a
// stored credential it fails immediately, no network call. On a 401 it
// renews once and re-dispatches once; a second 401, or a renewal failure,
// is terminal for this request.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	pair, ok := g.creds.Get()
	if !ok {
		return nil, autherrors.ErrUnauthenticated
	}

	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	resp, err := g.dispatch(req, pair.AccessToken, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	g.log.Debug().
		Str("request_id", requestID).
		Str("path", req.URL.Path).
		Msg("credential rejected, renewing")

	renewed, err := g.renewer.Renew(req.Context())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrSessionExpired, err)
	}

	// One retry, then stop: a request that fails authorization twice never
	// triggers a second renewal.
	resp, err = g.dispatch(req, renewed.AccessToken, requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return nil, autherrors.ErrSessionExpired
	}
	return resp, nil
}

// dispatch sends a copy of the request so each attempt carries its own
// headers and body reader.
func (g *Gateway) dispatch(req *http.Request, accessToken, requestID string) (*http.Response, error) {
	attempt := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attempt.Body = body
	}
	attempt.Header.Set("Authorization", "Bearer "+accessToken)
	attempt.Header.Set("X-Request-ID", requestID)
	return g.transport.Do(attempt)
}

// ensureReplayable buffers a one-shot request body so the request can be
// re-dispatched after a renewal.
func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	payload, err := io.ReadAll(req.Body)
	if cerr := req.Body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(payload))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	return nil
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
