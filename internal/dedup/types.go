package dedup

import "time"

// DefaultTTL is the retention window used when a caller passes zero.
const DefaultTTL = time.Hour

// Record is the shape persisted in the deduplication DynamoDB table.
type Record struct {
	EventID     string    `dynamodbav:"event_id"` // PK
	ProcessedAt time.Time `dynamodbav:"processed_at"`
	ExpiresAt   int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Expired reports whether the record is past its TTL at now. DynamoDB reaps
// expired items lazily, so reads must check this themselves.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.Unix()
}
