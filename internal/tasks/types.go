package tasks

import "time"

// Task statuses
const (
	StatusPending      = "PENDING"
	StatusProcessing   = "PROCESSING"
	StatusCompleted    = "COMPLETED"
	StatusFailed       = "FAILED"
	StatusRefundFailed = "REFUND_FAILED" // debit kept after a failure; needs an operator
)

// Task represents the item stored in the Tasks DynamoDB table.
type Task struct {
	TaskID        string    `dynamodbav:"task_id" json:"task_id"` // PK
	UserID        string    `dynamodbav:"user_id" json:"user_id"`
	KeyID         string    `dynamodbav:"key_id,omitempty" json:"key_id,omitempty"`
	Prompt        string    `dynamodbav:"prompt" json:"prompt"`
	Status        string    `dynamodbav:"status" json:"status"` // PENDING | PROCESSING | COMPLETED | FAILED | REFUND_FAILED
	Result        string    `dynamodbav:"result,omitempty" json:"result,omitempty"`
	FailureReason string    `dynamodbav:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	Cost          int64     `dynamodbav:"cost" json:"cost"`
	Attempts      int       `dynamodbav:"attempts,omitempty" json:"attempts,omitempty"`
	CreatedAt     time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt     time.Time `dynamodbav:"updated_at" json:"updated_at"`
}
