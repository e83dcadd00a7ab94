package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestGuard_ReleasesAfterRun(t *testing.T) {
	mr, client := newRedis(t)
	g := NewGuard(client, "provision:", 30*time.Second, nil)

	ran := false
	err := g.Do(context.Background(), "u1", func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("provision:u1"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("provision:u1"))
}

func TestGuard_BusyKeyIsConflict(t *testing.T) {
	_, client := newRedis(t)
	g := NewGuard(client, "provision:", 30*time.Second, nil)

	err := g.Do(context.Background(), "u2", func(ctx context.Context) error {
		inner := g.Do(ctx, "u2", func(ctx context.Context) error {
			t.Fatal("nested run must not start")
			return nil
		})
		assert.True(t, apperror.Is(inner, apperror.KindConflict))
		return nil
	})
	require.NoError(t, err)
}

func TestGuard_ExpiredLeaseCanBeRetaken(t *testing.T) {
	mr, client := newRedis(t)
	holder := NewLocker(client, "provision:u3", "crashed-owner")
	require.NoError(t, holder.Lock(context.Background(), time.Second))

	mr.FastForward(2 * time.Second)

	g := NewGuard(client, "provision:", 30*time.Second, nil)
	ran := false
	require.NoError(t, g.Do(context.Background(), "u3", func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.ErrorIs(t, holder.Unlock(context.Background()), ErrNotHeld)
}

func TestGuard_KeyHasSeparator(t *testing.T) {
	_, client := newRedis(t)
	assert.Equal(t, "registration:u1", NewGuard(client, "registration", time.Second, nil).Key("u1"))
	assert.Equal(t, "registration:u1", NewGuard(client, "registration:", time.Second, nil).Key("u1"))
}

func TestGuard_RenewsLeaseWhileRunning(t *testing.T) {
	mr, client := newRedis(t)
	g := NewGuard(client, "provision", 300*time.Millisecond, nil)

	err := g.Do(context.Background(), "u4", func(ctx context.Context) error {
		mr.SetTTL("provision:u4", time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL("provision:u4") == 300*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("provision:u4"))
}

func TestGuard_LostLeaseStopsRenewal(t *testing.T) {
	mr, client := newRedis(t)
	g := NewGuard(client, "provision", 90*time.Millisecond, nil)

	err := g.Do(context.Background(), "u5", func(ctx context.Context) error {
		require.NoError(t, mr.Set("provision:u5", "someone-else"))
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)
	v, err := mr.Get("provision:u5")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
	assert.Zero(t, mr.TTL("provision:u5"))
}
