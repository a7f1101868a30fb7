package authtest_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliniqa/go-emr-session/authtest"
)

func postJSON(t *testing.T, url string, payload map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return resp, decoded
}

func TestServerLogin(t *testing.T) {
	server := authtest.NewServer()
	defer server.Close()
	server.AddUser(authtest.User{Email: "kim@clinic.example", Role: "admin"}, "pw")

	resp, body := postJSON(t, server.URL()+"/auth/login",
		map[string]string{"email": "kim@clinic.example", "password": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["refresh_token"])
	require.Equal(t, "bearer", body["token_type"])

	resp, _ = postJSON(t, server.URL()+"/auth/login",
		map[string]string{"email": "kim@clinic.example", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerRefreshRotatesToken(t *testing.T) {
	server := authtest.NewServer()
	defer server.Close()
	server.AddUser(authtest.User{Email: "kim@clinic.example"}, "pw")

	_, body := postJSON(t, server.URL()+"/auth/login",
		map[string]string{"email": "kim@clinic.example", "password": "pw"})
	refresh := body["refresh_token"].(string)

	resp, rotated := postJSON(t, server.URL()+"/auth/refresh",
		map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEqual(t, refresh, rotated["refresh_token"])
	require.Equal(t, 1, server.RefreshCalls())

	// A rotated-out refresh token is single use.
	resp, _ = postJSON(t, server.URL()+"/auth/refresh",
		map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerRevokedAccessTokenIsRejected(t *testing.T) {
	server := authtest.NewServer()
	defer server.Close()
	server.AddUser(authtest.User{Email: "kim@clinic.example"}, "pw")

	_, body := postJSON(t, server.URL()+"/auth/login",
		map[string]string{"email": "kim@clinic.example", "password": "pw"})
	access := body["access_token"].(string)

	req, err := http.NewRequest(http.MethodGet, server.URL()+"/patients", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	server.RevokeAccessToken(access)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
