package storefakes

import (
	"context"
	"errors"
	"sync"

	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
	"github.com/cliniqa/go-emr-session/storage"
)

var _ storage.Store = (*FakeStore)(nil)

// FakeStore is an in-memory storage.Store that records calls and can be made
// to fail, for exercising best-effort persistence paths.
type FakeStore struct {
	values  map[string]string
	failSet bool
	failGet bool

	SetCalls    int
	DeleteCalls int

	lock sync.Mutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		values: make(map[string]string),
	}
}

// FailWrites makes subsequent Set calls return an error
func (f *FakeStore) FailWrites(fail bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failSet = fail
}

// FailReads makes subsequent Get calls return an error
func (f *FakeStore) FailReads(fail bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.failGet = fail
}

func (f *FakeStore) Set(ctx context.Context, key, value string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.SetCalls++
	if f.failSet {
		return errors.New("storage unavailable")
	}
	f.values[key] = value
	return nil
}

func (f *FakeStore) Get(ctx context.Context, key string) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failGet {
		return "", errors.New("storage unavailable")
	}
	value, ok := f.values[key]
	if !ok {
		return "", autherrors.ErrKeyNotFound
	}
	return value, nil
}

func (f *FakeStore) Delete(ctx context.Context, key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.DeleteCalls++
	delete(f.values, key)
	return nil
}

// Value returns the stored value for key, or "" when absent
func (f *FakeStore) Value(key string) string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.values[key]
}
