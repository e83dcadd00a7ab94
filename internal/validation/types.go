package validation

// TaskMessage is the queue payload that asks the worker to generate a task.
type TaskMessage struct {
	// ID optionally carries the producer's event id; it is the dedup key when
	// the transport has none.
	ID     string `json:"id,omitempty"`
	TaskID string `json:"task_id" validate:"required,uuid4"`
	UserID string `json:"user_id" validate:"required"`
	Prompt string `json:"prompt" validate:"required,notblank,max=4000"`
	KeyID  string `json:"key_id,omitempty"`
}

// CreateTaskRequest is the payload for POST /tasks
type CreateTaskRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Prompt string `json:"prompt" validate:"required,notblank,max=4000"`
	KeyID  string `json:"key_id,omitempty"`
}

// AdjustCreditsRequest is the payload for POST /credits/:user_id/adjust
type AdjustCreditsRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Direction string `json:"direction" validate:"required,oneof=increment decrement"`
	KeyID     string `json:"key_id,omitempty"`
}

// RegisterAccountRequest is the payload for POST /accounts and the detail of
// user.created events.
type RegisterAccountRequest struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
	Name   string `json:"name,omitempty" validate:"omitempty,max=200"`
}
