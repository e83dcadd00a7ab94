package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reliable-taskflow/internal/aws/dynamotest"
)

func newTestStore(now *time.Time) (*Store, *dynamotest.Fake) {
	fake := dynamotest.New().CreateTable("Idempotency", "idempotency_key", "")
	s := NewStore(fake, "Idempotency", time.Hour)
	s.nowFunc = func() time.Time { return *now }
	return s, fake
}

func TestBegin_Get_MarkDone(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, fake := newTestStore(&now)
	ctx := context.Background()
	key := "test-key-1"

	created, err := s.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second begin should return created=false (exists)
	created, err = s.Begin(ctx, key)
	if err != nil {
		t.Fatalf("second Begin error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on duplicate begin")
	}

	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil || rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS record, got %+v", rec)
	}

	if err := s.MarkDone(ctx, key, "task-1", `{"ok":true}`, 201); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	items := fake.Items("Idempotency")
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	if st, ok := items[0]["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", items[0]["status"])
	}

	rec, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.TaskID != "task-1" || rec.ResponseBody != `{"ok":true}` || rec.ResponseStatus != 201 {
		t.Fatalf("stored response mismatch: %+v", rec)
	}

	// a finished record cannot be finished again
	if err := s.MarkFailed(ctx, key, "late"); !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
}

func TestBegin_FailedKeyCanBeReused(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "k"); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if err := s.MarkFailed(ctx, "k", "enqueue failed"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	rec, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != StatusFailed || rec.Note != "enqueue failed" {
		t.Fatalf("unexpected record %+v", rec)
	}

	created, err := s.Begin(ctx, "k")
	if err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	if !created {
		t.Fatalf("expected a failed key to be reusable")
	}
}

func TestBegin_ExpiredKeyIsReused(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestStore(&now)
	ctx := context.Background()

	if _, err := s.Begin(ctx, "k"); err != nil {
		t.Fatalf("Begin error: %v", err)
	}
	now = now.Add(2 * time.Hour)

	rec, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected expired record to read as absent, got %+v", rec)
	}
	created, err := s.Begin(ctx, "k")
	if err != nil || !created {
		t.Fatalf("expected expired key to be reusable, created=%v err=%v", created, err)
	}
}

func TestBegin_StoreError(t *testing.T) {
	now := time.Now()
	s, fake := newTestStore(&now)
	fake.FailNext("PutItem", errors.New("throttled"))

	if _, err := s.Begin(context.Background(), "k"); err == nil {
		t.Fatalf("expected error")
	}
}
