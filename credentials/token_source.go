package credentials

import (
	"golang.org/x/oauth2"

	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
)

// TokenSource exposes the store as an oauth2.TokenSource, for wiring the
// managed credential into libraries that expect one. The returned source
// never triggers a renewal itself; renewal stays with the coordinator.
func (s *Store) TokenSource() oauth2.TokenSource {
	return tokenSource{store: s}
}

type tokenSource struct {
	store *Store
}

var _ oauth2.TokenSource = tokenSource{}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	pair, ok := ts.store.Get()
	if !ok {
		return nil, autherrors.ErrUnauthenticated
	}
	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}
