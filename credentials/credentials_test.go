package credentials_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cliniqa/go-emr-session/credentials"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
	"github.com/cliniqa/go-emr-session/storage/storefakes"
)

var (
	testPair = credentials.Pair{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    1800,
	}
	testPrincipal = credentials.Principal{
		ID:          "user-1",
		DisplayName: "Dana Whitfield",
		Role:        "practitioner",
	}
)

func TestStoreSetGetClear(t *testing.T) {
	store := credentials.NewStore(nil)

	_, ok := store.Get()
	require.False(t, ok)

	store.Set(testPair, testPrincipal)

	pair, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, testPair, pair)

	principal, ok := store.Principal()
	require.True(t, ok)
	require.Equal(t, testPrincipal, principal)

	store.Clear()
	_, ok = store.Get()
	require.False(t, ok)
	_, ok = store.Principal()
	require.False(t, ok)
}

func TestStorePersistsTokens(t *testing.T) {
	persistence := storefakes.NewFakeStore()
	store := credentials.NewStore(persistence)

	store.Set(testPair, testPrincipal)

	require.Equal(t, "access-1", persistence.Value("access_token"))
	require.Equal(t, "refresh-1", persistence.Value("refresh_token"))

	store.Clear()
	require.Empty(t, persistence.Value("access_token"))
	require.Empty(t, persistence.Value("refresh_token"))
}

func TestStorePersistenceFailureIsNotSurfaced(t *testing.T) {
	persistence := storefakes.NewFakeStore()
	persistence.FailWrites(true)
	store := credentials.NewStore(persistence)

	// The in-memory copy stays authoritative even when persistence is down.
	store.Set(testPair, testPrincipal)

	pair, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, testPair, pair)
	require.Empty(t, persistence.Value("access_token"))
}

func TestStoreUpdatePairKeepsPrincipal(t *testing.T) {
	store := credentials.NewStore(nil)
	store.Set(testPair, testPrincipal)

	store.UpdatePair(credentials.Pair{AccessToken: "access-2", RefreshToken: "refresh-2"})

	pair, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, "access-2", pair.AccessToken)
	require.Equal(t, "refresh-2", pair.RefreshToken)

	principal, ok := store.Principal()
	require.True(t, ok)
	require.Equal(t, testPrincipal, principal)
}

func TestStoreUpdatePairRetainsRefreshTokenWhenNotRotated(t *testing.T) {
	store := credentials.NewStore(nil)
	store.Set(testPair, testPrincipal)

	store.UpdatePair(credentials.Pair{AccessToken: "access-2"})

	pair, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, "access-2", pair.AccessToken)
	require.Equal(t, "refresh-1", pair.RefreshToken)
}

func TestStoreRestore(t *testing.T) {
	persistence := storefakes.NewFakeStore()
	seed := credentials.NewStore(persistence)
	seed.Set(testPair, testPrincipal)

	store := credentials.NewStore(persistence)
	pair, ok, err := store.Restore(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "access-1", pair.AccessToken)
	require.Equal(t, "refresh-1", pair.RefreshToken)

	// The principal is not persisted; it stays absent until re-hydrated.
	_, ok = store.Principal()
	require.False(t, ok)

	store.SetPrincipal(testPrincipal)
	principal, ok := store.Principal()
	require.True(t, ok)
	require.Equal(t, testPrincipal, principal)
}

func TestStoreRestoreNothingPersisted(t *testing.T) {
	store := credentials.NewStore(storefakes.NewFakeStore())

	_, ok, err := store.Restore(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	_, present := store.Get()
	require.False(t, present)
}

func TestStoreSetPrincipalWithoutCredentialIsNoop(t *testing.T) {
	store := credentials.NewStore(nil)

	store.SetPrincipal(testPrincipal)
	_, ok := store.Principal()
	require.False(t, ok)
}

func TestTokenSource(t *testing.T) {
	store := credentials.NewStore(nil)
	source := store.TokenSource()

	_, err := source.Token()
	require.ErrorIs(t, err, autherrors.ErrUnauthenticated)

	store.Set(testPair, testPrincipal)
	token, err := source.Token()
	require.NoError(t, err)
	require.Equal(t, "access-1", token.AccessToken)
	require.Equal(t, "refresh-1", token.RefreshToken)
	require.Equal(t, "Bearer", token.TokenType)
}
