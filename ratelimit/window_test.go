package ratelimit_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxtio/topix-sub001/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T) (*ratelimit.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store, err := ratelimit.NewRedisStore(context.Background(), rdb)
	require.NoError(t, err)
	return store, mr
}

// stores returns a fresh instance of every store that runs without external services.
func stores(t *testing.T) map[string]func(t *testing.T) ratelimit.Store {
	return map[string]func(t *testing.T) ratelimit.Store{
		"memory": func(t *testing.T) ratelimit.Store { return ratelimit.NewMemoryStore() },
		"redis": func(t *testing.T) ratelimit.Store {
			s, _ := newRedisStore(t)
			return s
		},
	}
}

func newWindow(t *testing.T, store ratelimit.Store, clock *fakeClock, opt ratelimit.WindowOptions) *ratelimit.Window {
	t.Helper()
	opt.Clock = clock.Now
	w, err := ratelimit.NewWindow(store, opt)
	require.NoError(t, err)
	return w
}

func TestSlidingWindow(t *testing.T) {
	user := ratelimit.Key{Subject: "user-1", Scope: "chat"}

	tests := []struct {
		name   string
		limit  int
		window time.Duration
		step   func(t *testing.T, w *ratelimit.Window, clock *fakeClock)
	}{
		{
			name:   "allow up to limit then deny",
			limit:  5,
			window: time.Minute,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				for i := 0; i < 5; i++ {
					dec, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
					require.Truef(t, dec.Allowed, "unexpected deny at i=%d", i)
					assert.Equal(t, 4-i, dec.Remaining)
				}

				clock.Advance(10 * time.Second)
				dec, err := w.Allow(context.Background(), user)
				require.NoError(t, err)
				assert.False(t, dec.Allowed)
				assert.Equal(t, 50*time.Second+time.Millisecond, dec.RetryAfter)
				assert.Equal(t, int64(51), dec.RetryAfterSeconds())
				assert.Equal(t, 0, dec.Remaining)
				assert.ErrorIs(t, dec.Err(), ratelimit.ErrLimitExceeded)
			},
		},
		{
			name:   "five per minute admits again after the window",
			limit:  5,
			window: time.Minute,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				for i := 0; i < 5; i++ {
					dec, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
					require.True(t, dec.Allowed)
				}

				clock.Advance(time.Second)
				dec, err := w.Allow(context.Background(), user)
				require.NoError(t, err)
				require.False(t, dec.Allowed)
				assert.Equal(t, 59*time.Second+time.Millisecond, dec.RetryAfter)

				clock.Advance(60 * time.Second)
				dec, err = w.Allow(context.Background(), user)
				require.NoError(t, err)
				assert.True(t, dec.Allowed)
				assert.Equal(t, 4, dec.Remaining)
			},
		},
		{
			name:   "oldest request still counts exactly one window later",
			limit:  5,
			window: time.Minute,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				start := clock.Now()
				for i := 0; i < 5; i++ {
					dec, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
					require.True(t, dec.Allowed)
				}

				clock.Advance(time.Minute)
				dec, err := w.Allow(context.Background(), user)
				require.NoError(t, err)
				require.False(t, dec.Allowed)
				assert.Equal(t, time.Millisecond, dec.RetryAfter)
				assert.Equal(t, start.Add(time.Minute+time.Millisecond), dec.ResetAt)

				clock.Advance(time.Millisecond)
				dec, err = w.Allow(context.Background(), user)
				require.NoError(t, err)
				assert.True(t, dec.Allowed)
			},
		},
		{
			name:   "rejected requests are not recorded",
			limit:  2,
			window: 10 * time.Second,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				for i := 0; i < 2; i++ {
					_, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
				}
				for i := 0; i < 20; i++ {
					clock.Advance(100 * time.Millisecond)
					dec, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
					require.False(t, dec.Allowed)
				}

				clock.Advance(8*time.Second + time.Millisecond)
				for i := 0; i < 2; i++ {
					dec, err := w.Allow(context.Background(), user)
					require.NoError(t, err)
					require.Truef(t, dec.Allowed, "deny at i=%d after the window slid", i)
				}
			},
		},
		{
			name:   "subjects and scopes are independent",
			limit:  1,
			window: time.Minute,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				keys := []ratelimit.Key{
					user,
					{Subject: "user-2", Scope: "chat"},
					{Subject: "user-1", Scope: "upload"},
					{Subject: "user-1"},
				}
				for _, k := range keys {
					dec, err := w.Allow(context.Background(), k)
					require.NoError(t, err)
					require.Truef(t, dec.Allowed, "first request for %s denied", k)
				}
				for _, k := range keys {
					dec, err := w.Allow(context.Background(), k)
					require.NoError(t, err)
					require.Falsef(t, dec.Allowed, "second request for %s admitted", k)
				}
			},
		},
		{
			name:   "cost consumes several slots at once",
			limit:  5,
			window: time.Minute,
			step: func(t *testing.T, w *ratelimit.Window, clock *fakeClock) {
				dec, err := w.AllowN(context.Background(), user, 3)
				require.NoError(t, err)
				require.True(t, dec.Allowed)
				assert.Equal(t, 2, dec.Remaining)

				dec, err = w.AllowN(context.Background(), user, 3)
				require.NoError(t, err)
				require.False(t, dec.Allowed)
				assert.Equal(t, 2, dec.Remaining)

				dec, err = w.AllowN(context.Background(), user, 2)
				require.NoError(t, err)
				require.True(t, dec.Allowed)
				assert.Equal(t, 0, dec.Remaining)
			},
		},
	}

	for storeName, mk := range stores(t) {
		for _, tc := range tests {
			t.Run(storeName+"/"+tc.name, func(t *testing.T) {
				clock := newFakeClock()
				w := newWindow(t, mk(t), clock, ratelimit.WindowOptions{
					Limit:  tc.limit,
					Window: tc.window,
					Prefix: "test",
				})
				tc.step(t, w, clock)
			})
		}
	}
}

func TestCheckAndRecord_MatchesSlidingModel(t *testing.T) {
	const (
		limit  = 4
		window = 10 * time.Second
	)

	for storeName, mk := range stores(t) {
		t.Run(storeName, func(t *testing.T) {
			clock := newFakeClock()
			w := newWindow(t, mk(t), clock, ratelimit.WindowOptions{Limit: limit, Window: window})
			key := ratelimit.Key{Subject: "model", Scope: "prop"}
			rng := rand.New(rand.NewPCG(7, 11))

			var admitted []time.Time
			for i := 0; i < 300; i++ {
				clock.Advance(time.Duration(rng.IntN(3000)) * time.Millisecond)
				now := clock.Now()

				inWindow := 0
				for _, at := range admitted {
					if !at.Before(now.Add(-window)) {
						inWindow++
					}
				}
				want := inWindow < limit

				dec, err := w.CheckAndRecord(context.Background(), key, limit, window)
				require.NoError(t, err)
				require.Equalf(t, want, dec.Allowed, "step %d at %s with %d in window", i, now, inWindow)
				if dec.Allowed {
					admitted = append(admitted, now)
				}
			}
		})
	}
}

func TestCheckAndRecord_Concurrent(t *testing.T) {
	const (
		limit   = 10
		callers = 64
	)

	for storeName, mk := range stores(t) {
		t.Run(storeName, func(t *testing.T) {
			clock := newFakeClock()
			w := newWindow(t, mk(t), clock, ratelimit.WindowOptions{Limit: limit, Window: time.Minute})
			key := ratelimit.Key{Subject: "burst", Scope: "chat"}

			var (
				wg       sync.WaitGroup
				admitted atomic.Int64
				start    = make(chan struct{})
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					dec, err := w.CheckAndRecord(context.Background(), key, limit, time.Minute)
					if err == nil && dec.Allowed {
						admitted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int64(limit), admitted.Load())
		})
	}
}

func TestCheckAndRecord_InvalidInput(t *testing.T) {
	w := newWindow(t, ratelimit.NewMemoryStore(), newFakeClock(), ratelimit.WindowOptions{})
	ctx := context.Background()
	key := ratelimit.Key{Subject: "user-1"}

	tests := []struct {
		name    string
		key     ratelimit.Key
		max     int
		window  time.Duration
		wantErr error
	}{
		{name: "zero max requests", key: key, max: 0, window: time.Minute, wantErr: ratelimit.ErrInvalidConfig},
		{name: "negative max requests", key: key, max: -1, window: time.Minute, wantErr: ratelimit.ErrInvalidConfig},
		{name: "zero window", key: key, max: 5, window: 0, wantErr: ratelimit.ErrInvalidConfig},
		{name: "negative window", key: key, max: 5, window: -time.Second, wantErr: ratelimit.ErrInvalidConfig},
		{name: "empty subject", key: ratelimit.Key{Scope: "chat"}, max: 5, window: time.Minute, wantErr: ratelimit.ErrMissingSubject},
		{name: "blank subject", key: ratelimit.Key{Subject: "  "}, max: 5, window: time.Minute, wantErr: ratelimit.ErrMissingSubject},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dec, err := w.CheckAndRecord(ctx, tc.key, tc.max, tc.window)
			require.ErrorIs(t, err, tc.wantErr)
			assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
			assert.False(t, dec.Allowed)

			var ce *ratelimit.ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}

	_, err := w.AllowN(ctx, key, 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestNewWindow_Validation(t *testing.T) {
	_, err := ratelimit.NewWindow(nil, ratelimit.WindowOptions{})
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)

	_, err = ratelimit.NewWindow(ratelimit.NewMemoryStore(), ratelimit.WindowOptions{Limit: -3})
	assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)

	_, err = ratelimit.NewWindow(ratelimit.NewMemoryStore(), ratelimit.WindowOptions{
		Scopes: map[string]ratelimit.Policy{"chat": {MaxRequests: 1}},
	})
	var ce *ratelimit.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "scopes.chat.window", ce.Field)

	w, err := ratelimit.NewWindow(ratelimit.NewMemoryStore(), ratelimit.WindowOptions{})
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Policy{MaxRequests: ratelimit.DefaultMaxRequests, Window: ratelimit.DefaultWindow}, w.PolicyFor("anything"))
}

func TestWindow_ScopePolicies(t *testing.T) {
	clock := newFakeClock()
	w := newWindow(t, ratelimit.NewMemoryStore(), clock, ratelimit.WindowOptions{
		Limit:  3,
		Window: time.Minute,
		Scopes: map[string]ratelimit.Policy{
			"/api/v1/upstream/*": {MaxRequests: 1, Window: 10 * time.Second},
		},
	})
	ctx := context.Background()

	up := ratelimit.Key{Subject: "u", Scope: "/api/v1/upstream/*"}
	dec, err := w.Allow(ctx, up)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	assert.Equal(t, 1, dec.Limit)

	dec, err = w.Allow(ctx, up)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, 10*time.Second+time.Millisecond, dec.RetryAfter)

	other := ratelimit.Key{Subject: "u", Scope: "/api/v1/quota"}
	for i := 0; i < 3; i++ {
		dec, err = w.Allow(ctx, other)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
		assert.Equal(t, 3, dec.Limit)
	}
}

func TestWindow_PeekAndReset(t *testing.T) {
	for storeName, mk := range stores(t) {
		t.Run(storeName, func(t *testing.T) {
			clock := newFakeClock()
			w := newWindow(t, mk(t), clock, ratelimit.WindowOptions{Limit: 2, Window: time.Minute})
			ctx := context.Background()
			key := ratelimit.Key{Subject: "peek"}

			dec, err := w.Peek(ctx, key)
			require.NoError(t, err)
			assert.True(t, dec.Allowed)
			assert.Equal(t, 2, dec.Remaining)

			start := clock.Now()
			for i := 0; i < 2; i++ {
				_, err = w.Allow(ctx, key)
				require.NoError(t, err)
				clock.Advance(time.Second)
			}

			dec, err = w.Peek(ctx, key)
			require.NoError(t, err)
			assert.False(t, dec.Allowed)
			assert.Equal(t, 0, dec.Remaining)
			assert.WithinDuration(t, start.Add(time.Minute+time.Millisecond), dec.ResetAt, 0)
			assert.Equal(t, 58*time.Second+time.Millisecond, dec.RetryAfter)

			dec, err = w.Peek(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, 0, dec.Remaining, "peek must not record")

			require.NoError(t, w.Reset(ctx, key))
			dec, err = w.Allow(ctx, key)
			require.NoError(t, err)
			assert.True(t, dec.Allowed)
			assert.Equal(t, 1, dec.Remaining)
		})
	}
}

type failingStore struct {
	err error
}

func (s failingStore) RecordAndCount(context.Context, ratelimit.Request) (ratelimit.Usage, error) {
	return ratelimit.Usage{}, s.err
}

func (s failingStore) Count(context.Context, string, time.Time, time.Duration) (ratelimit.Usage, error) {
	return ratelimit.Usage{}, s.err
}

func (s failingStore) Reset(context.Context, string) error {
	return s.err
}

func TestWindow_BackendFailure(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:6379: connection refused")
	key := ratelimit.Key{Subject: "user-1", Scope: "chat"}

	t.Run("fails closed by default", func(t *testing.T) {
		var hooked error
		w := newWindow(t, failingStore{err: cause}, newFakeClock(), ratelimit.WindowOptions{
			OnBackendError: func(_ ratelimit.Key, err error) { hooked = err },
		})

		dec, err := w.Allow(context.Background(), key)
		require.ErrorIs(t, err, ratelimit.ErrBackendUnavailable)
		assert.ErrorIs(t, err, cause)
		assert.False(t, dec.Allowed)
		assert.NotErrorIs(t, err, ratelimit.ErrLimitExceeded)

		var be *ratelimit.BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "record", be.Op)
		assert.ErrorIs(t, hooked, ratelimit.ErrBackendUnavailable)

		err = w.Reset(context.Background(), key)
		assert.ErrorIs(t, err, ratelimit.ErrBackendUnavailable)
	})

	t.Run("fails open when configured", func(t *testing.T) {
		calls := 0
		w := newWindow(t, failingStore{err: cause}, newFakeClock(), ratelimit.WindowOptions{
			Limit:          7,
			FailOpen:       true,
			OnBackendError: func(ratelimit.Key, error) { calls++ },
		})

		dec, err := w.Allow(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.True(t, dec.Degraded)
		assert.Equal(t, 7, dec.Remaining)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancellation is not a backend failure", func(t *testing.T) {
		w := newWindow(t, failingStore{err: context.Canceled}, newFakeClock(), ratelimit.WindowOptions{FailOpen: true})

		dec, err := w.Allow(context.Background(), key)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ratelimit.ErrBackendUnavailable)
		assert.False(t, dec.Allowed)
	})

	t.Run("cancelled context never reaches the store", func(t *testing.T) {
		w := newWindow(t, ratelimit.NewMemoryStore(), newFakeClock(), ratelimit.WindowOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := w.Allow(ctx, key)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("expired context on peek is not a degraded admit", func(t *testing.T) {
		var hooked int
		w := newWindow(t, failingStore{err: context.DeadlineExceeded}, newFakeClock(), ratelimit.WindowOptions{
			FailOpen:       true,
			OnBackendError: func(ratelimit.Key, error) { hooked++ },
		})
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		dec, err := w.Peek(ctx, key)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotErrorIs(t, err, ratelimit.ErrBackendUnavailable)
		assert.False(t, dec.Allowed)
		assert.False(t, dec.Degraded)
		assert.Zero(t, hooked)
	})
}
