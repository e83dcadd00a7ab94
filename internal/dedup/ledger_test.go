package dedup

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-reliable-taskflow/internal/aws/dynamotest"
)

const table = "EventDeduplication"

func newLedger(t *testing.T) (*Ledger, *dynamotest.Fake, *time.Time) {
	t.Helper()
	fake := dynamotest.New().CreateTable(table, "event_id", "")
	l := NewLedger(fake, table, nil)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	return l, fake, &now
}

func TestProcessWithDeduplication_RunsOnceWithinTTL(t *testing.T) {
	l, fake, _ := newLedger(t)
	ctx := context.Background()
	var calls int32
	action := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	executed, err := l.ProcessWithDeduplication(ctx, "evt-1", time.Hour, action)
	require.NoError(t, err)
	assert.True(t, executed)

	executed, err = l.ProcessWithDeduplication(ctx, "evt-1", time.Hour, action)
	require.NoError(t, err)
	assert.False(t, executed)
	assert.Equal(t, int32(1), calls)

	items := fake.Items(table)
	require.Len(t, items, 1)
	assert.Equal(t, "evt-1", items[0]["event_id"].(*types.AttributeValueMemberS).Value)
}

func TestProcessWithDeduplication_FailureLeavesNoRecord(t *testing.T) {
	l, fake, _ := newLedger(t)
	boom := errors.New("model unavailable")

	executed, err := l.ProcessWithDeduplication(context.Background(), "evt-2", time.Hour, func(ctx context.Context) error {
		return boom
	})
	assert.False(t, executed)
	assert.Same(t, boom, err)
	assert.Empty(t, fake.Items(table))

	// redelivery runs the action again
	executed, err = l.ProcessWithDeduplication(context.Background(), "evt-2", time.Hour, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestMarkProcessed_WritesTTL(t *testing.T) {
	l, _, now := newLedger(t)
	require.NoError(t, l.MarkProcessed(context.Background(), "evt-3", 0))

	rec, err := l.Get(context.Background(), "evt-3")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, now.Add(DefaultTTL).Unix(), rec.ExpiresAt)
	assert.True(t, rec.ProcessedAt.Equal(*now))
}

func TestHasProcessed_ExpiredRecordIsAbsent(t *testing.T) {
	l, fake, now := newLedger(t)
	fake.Seed(table, map[string]types.AttributeValue{
		"event_id":     &types.AttributeValueMemberS{Value: "evt-old"},
		"processed_at": &types.AttributeValueMemberS{Value: now.Add(-2 * time.Hour).Format(time.RFC3339)},
		"expires_at":   &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)},
	})

	seen, err := l.HasProcessed(context.Background(), "evt-old")
	require.NoError(t, err)
	assert.False(t, seen)

	// the stale record is replaced, not rejected
	require.NoError(t, l.MarkProcessed(context.Background(), "evt-old", time.Hour))
	seen, err = l.HasProcessed(context.Background(), "evt-old")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMarkProcessed_ConcurrentDuplicateRejected(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.MarkProcessed(ctx, "evt-4", time.Hour))

	err := l.MarkProcessed(ctx, "evt-4", time.Hour)
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
}

func TestProcessWithDeduplication_RaceWindowStillReportsExecuted(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	// a competing delivery records the event while this one is mid-action
	executed, err := l.ProcessWithDeduplication(ctx, "evt-5", time.Hour, func(ctx context.Context) error {
		return l.MarkProcessed(ctx, "evt-5", time.Hour)
	})
	require.NoError(t, err)
	assert.True(t, executed)
}

func TestProcessWithDeduplication_LookupError(t *testing.T) {
	l, fake, _ := newLedger(t)
	fake.FailNext("GetItem", errors.New("throttled"))

	called := false
	executed, err := l.ProcessWithDeduplication(context.Background(), "evt-6", time.Hour, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, executed)
	assert.False(t, called)
	assert.ErrorContains(t, err, "dedup lookup")
}

func TestForget(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	require.NoError(t, l.MarkProcessed(ctx, "evt-7", time.Hour))
	require.NoError(t, l.Forget(ctx, "evt-7"))

	seen, err := l.HasProcessed(ctx, "evt-7")
	require.NoError(t, err)
	assert.False(t, seen)
}
