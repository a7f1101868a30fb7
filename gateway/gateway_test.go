package gateway_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliniqa/go-emr-session/credentials"
	"github.com/cliniqa/go-emr-session/gateway"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
)

type recordedRequest struct {
	authorization string
	requestID     string
	body          string
}

// scriptedTransport returns canned status codes in order and records every
// attempt it sees.
type scriptedTransport struct {
	statuses []int
	requests []recordedRequest
}

func (s *scriptedTransport) Do(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = string(payload)
	}
	s.requests = append(s.requests, recordedRequest{
		authorization: req.Header.Get("Authorization"),
		requestID:     req.Header.Get("X-Request-ID"),
		body:          body,
	})

	status := http.StatusOK
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		s.statuses = s.statuses[1:]
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("{}")),
		Header:     make(http.Header),
	}, nil
}

// fakeRenewer hands out a fixed pair, or an error, and counts calls
type fakeRenewer struct {
	pair  credentials.Pair
	err   error
	calls int
}

func (f *fakeRenewer) Renew(ctx context.Context) (credentials.Pair, error) {
	f.calls++
	return f.pair, f.err
}

func authenticatedStore() *credentials.Store {
	store := credentials.NewStore(nil)
	store.Set(
		credentials.Pair{AccessToken: "access-old", RefreshToken: "refresh-old"},
		credentials.Principal{ID: "user-1", DisplayName: "Dana Whitfield", Role: "practitioner"},
	)
	return store
}

func newRequest(t *testing.T, method, body string) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, "http://emr.test/patients", reader)
	require.NoError(t, err)
	return req
}

func TestDoWithoutCredentialFailsWithoutNetworkCall(t *testing.T) {
	transport := &scriptedTransport{}
	gw := gateway.New(transport, credentials.NewStore(nil), &fakeRenewer{})

	_, err := gw.Do(newRequest(t, http.MethodGet, ""))
	require.ErrorIs(t, err, autherrors.ErrUnauthenticated)
	require.Empty(t, transport.requests, "no network call without a credential")
}

func TestDoAttachesBearerAndRequestID(t *testing.T) {
	transport := &scriptedTransport{}
	gw := gateway.New(transport, authenticatedStore(), &fakeRenewer{})

	resp, err := gw.Do(newRequest(t, http.MethodGet, ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, transport.requests, 1)
	require.Equal(t, "Bearer access-old", transport.requests[0].authorization)
	require.NotEmpty(t, transport.requests[0].requestID)
}

func TestDoRetriesOnceAfterRenewal(t *testing.T) {
	transport := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusOK}}
	store := authenticatedStore()
	renewer := &fakeRenewer{pair: credentials.Pair{AccessToken: "access-new", RefreshToken: "refresh-new"}}
	gw := gateway.New(transport, store, renewer)

	resp, err := gw.Do(newRequest(t, http.MethodGet, ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 1, renewer.calls)
	require.Len(t, transport.requests, 2)
	require.Equal(t, "Bearer access-old", transport.requests[0].authorization)
	require.Equal(t, "Bearer access-new", transport.requests[1].authorization)
	require.Equal(t, transport.requests[0].requestID, transport.requests[1].requestID,
		"both attempts belong to the same logical request")
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	transport := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusCreated}}
	renewer := &fakeRenewer{pair: credentials.Pair{AccessToken: "access-new"}}
	gw := gateway.New(transport, authenticatedStore(), renewer)

	resp, err := gw.Do(newRequest(t, http.MethodPost, `{"note":"bp check"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Len(t, transport.requests, 2)
	require.Equal(t, `{"note":"bp check"}`, transport.requests[0].body)
	require.Equal(t, `{"note":"bp check"}`, transport.requests[1].body)
}

func TestDoSecondAuthorizationFailureIsTerminal(t *testing.T) {
	transport := &scriptedTransport{statuses: []int{http.StatusUnauthorized, http.StatusUnauthorized}}
	renewer := &fakeRenewer{pair: credentials.Pair{AccessToken: "access-new"}}
	gw := gateway.New(transport, authenticatedStore(), renewer)

	_, err := gw.Do(newRequest(t, http.MethodGet, ""))
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
	require.Equal(t, 1, renewer.calls, "a request never triggers a second renewal")
	require.Len(t, transport.requests, 2)
}

func TestDoRenewalFailureIsTerminal(t *testing.T) {
	transport := &scriptedTransport{statuses: []int{http.StatusUnauthorized}}
	renewer := &fakeRenewer{err: autherrors.ErrRenewalFailed}
	gw := gateway.New(transport, authenticatedStore(), renewer)

	_, err := gw.Do(newRequest(t, http.MethodGet, ""))
	require.ErrorIs(t, err, autherrors.ErrSessionExpired)
	require.Len(t, transport.requests, 1, "no retry after a failed renewal")
}

func TestDoPassesThroughOtherFailures(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError} {
		transport := &scriptedTransport{statuses: []int{status}}
		renewer := &fakeRenewer{}
		gw := gateway.New(transport, authenticatedStore(), renewer)

		resp, err := gw.Do(newRequest(t, http.MethodGet, ""))
		require.NoError(t, err)
		require.Equal(t, status, resp.StatusCode)
		resp.Body.Close()
		require.Equal(t, 0, renewer.calls, "only authorization failures trigger renewal")
	}
}
