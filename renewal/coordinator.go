// Package renewal implements single-flight credential renewal: however many
// requests discover an expired credential at once, exactly one refresh call
// goes out, and every caller shares its outcome.
package renewal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cliniqa/go-emr-session/credentials"
	autherrors "github.com/cliniqa/go-emr-session/internal/errors"
)

// refreshTimeout bounds the external refresh call once it is detached from
// the leader's request context.
const refreshTimeout = 30 * time.Second

// RefreshFunc invokes the external refresh endpoint with the current refresh
// token and returns the renewed credential pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (credentials.Pair, error)

type outcome struct {
	pair credentials.Pair
	err  error
}

// Coordinator ensures at most one in-flight renewal at a time. The first
// caller of an episode becomes the leader and performs the external call;
// callers arriving while it is outstanding are queued and settled, in
// arrival order, with the leader's outcome.
type Coordinator struct {
	store   *credentials.Store
	refresh RefreshFunc

	// onFailure is invoked once per failed episode, after the store has been
	// cleared and before any waiter is rejected. The session machine hangs
	// its transition to the expired state off it.
	onFailure func(error)

	mu         sync.Mutex
	inFlight   bool
	generation uint64
	waiters    []chan outcome

	log zerolog.Logger
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger
func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// NewCoordinator creates a Coordinator over the given credential store and
// refresh call.
func NewCoordinator(store *credentials.Store, refresh RefreshFunc, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:   store,
		refresh: refresh,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// OnFailure registers the session-fatal failure hook. Must be set before the
// coordinator is used; renewal failure is handled centrally, not by callers.
func (c *Coordinator) OnFailure(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// Renew obtains a renewed credential pair. If a renewal is already
// outstanding the caller waits for it instead of triggering a second
// external call. On success the store is updated before any waiter is
// resolved; on failure the store is cleared and the failure hook fired
// before any waiter is rejected.
func (c *Coordinator) Renew(ctx context.Context) (credentials.Pair, error) {
	c.mu.Lock()
	if c.inFlight {
		ch := make(chan outcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.pair, res.err
		case <-ctx.Done():
			return credentials.Pair{}, ctx.Err()
		}
	}
	c.inFlight = true
	generation := c.generation
	c.mu.Unlock()

	var res outcome
	if pair, ok := c.store.Get(); !ok {
		res.err = autherrors.ErrUnauthenticated
	} else {
		// The refresh call is shared by every queued caller, so it must not
		// die with the leader's own request context: one cancelled request
		// would log the whole session out. Detach it, with its own deadline.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		res.pair, res.err = c.refresh(rctx, pair.RefreshToken)
		cancel()
	}

	res = c.settle(generation, res)
	return res.pair, res.err
}

// Invalidate marks any in-flight renewal stale. A renewal that settles after
// a logout or expiry must be discarded, not applied, so its eventual outcome
// neither touches the store nor fires the failure hook.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

func (c *Coordinator) settle(generation uint64, res outcome) outcome {
	c.mu.Lock()
	stale := generation != c.generation
	c.inFlight = false
	waiters := c.waiters
	c.waiters = nil
	onFailure := c.onFailure

	// The generation check and the store mutation are one critical section:
	// an Invalidate arriving between them could otherwise clear the store
	// only for this settlement to repopulate it. The store has its own lock
	// and never calls back into the coordinator, so holding c.mu here is
	// safe.
	if !stale {
		if res.err != nil {
			c.store.Clear()
		} else {
			c.store.UpdatePair(res.pair)
			// Return what the store now holds: UpdatePair may have retained
			// the previous refresh token.
			if pair, ok := c.store.Get(); ok {
				res.pair = pair
			}
		}
	}
	c.mu.Unlock()

	switch {
	case stale:
		// Session ended while the call was outstanding. The result, success
		// or not, must not resurrect the cleared credential.
		c.log.Debug().Int("waiters", len(waiters)).Msg("discarding stale renewal outcome")
		res = outcome{err: autherrors.ErrSessionExpired}

	case res.err != nil:
		// The store is already cleared; the failure hook runs before any
		// waiter is rejected.
		c.log.Warn().Err(res.err).Int("waiters", len(waiters)).Msg("credential renewal failed")
		if onFailure != nil {
			onFailure(res.err)
		}
		res = outcome{err: fmt.Errorf("%w: %w", autherrors.ErrRenewalFailed, res.err)}

	default:
		c.log.Debug().Int("waiters", len(waiters)).Msg("credential renewed")
	}

	for _, ch := range waiters {
		ch <- res
	}
	return res
}
