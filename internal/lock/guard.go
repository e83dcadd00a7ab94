package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

// Guard runs functions under a per-key lock and fails fast when the key is busy.
type Guard struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	renewEvery time.Duration
	logger     logrus.FieldLogger
}

// NewGuard returns a Guard whose keys are "prefix:key" with lease ttl. The
// lease is renewed every third of ttl while the guarded function runs.
func NewGuard(client redis.UniversalClient, prefix string, ttl time.Duration, logger logrus.FieldLogger) *Guard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Guard{
		client:     client,
		prefix:     strings.TrimSuffix(prefix, ":"),
		ttl:        ttl,
		renewEvery: ttl / 3,
		logger:     logger,
	}
}

// Key returns the Redis key guarding id.
func (g *Guard) Key(id string) string {
	return g.prefix + ":" + id
}

// Do runs fn while holding key. A held key yields a KindConflict error and fn
// does not run.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := NewLocker(g.client, g.Key(key), uuid.NewString())
	if err := l.Lock(ctx, g.ttl); err != nil {
		if errors.Is(err, ErrHeld) {
			return apperror.New(apperror.KindConflict, "lock.do", err)
		}
		return apperror.New(apperror.KindDownstream, "lock.do", err)
	}

	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.renew(renewCtx, l)
	}()

	defer func() {
		stop()
		wg.Wait()
		if err := l.Unlock(context.WithoutCancel(ctx)); err != nil {
			g.logger.WithField("key", l.key).WithError(err).Warn("release lock failed")
		}
	}()
	return fn(ctx)
}

// renew extends the lease until ctx is done or the lease is lost.
func (g *Guard) renew(ctx context.Context, l *Locker) {
	if g.renewEvery <= 0 {
		return
	}
	ticker := time.NewTicker(g.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Extend(ctx, g.ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotHeld):
				g.logger.WithField("key", l.key).Warn("lock lease lost while running")
				return
			case ctx.Err() != nil:
				return
			default:
				g.logger.WithField("key", l.key).WithError(err).Warn("renew lock failed")
			}
		}
	}
}
