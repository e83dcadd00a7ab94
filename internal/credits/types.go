package credits

import (
	"fmt"
	"time"
)

// Direction selects whether Adjust adds to or removes from a balance.
type Direction string

const (
	Increment Direction = "increment"
	Decrement Direction = "decrement"
)

// TransactionType is the persisted direction of a CreditTransaction.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// Account is the per-user balance item. A missing item is a zero balance.
type Account struct {
	UserID    string    `dynamodbav:"user_id" json:"user_id"` // PK
	Balance   int64     `dynamodbav:"balance" json:"balance"`
	Version   int64     `dynamodbav:"version" json:"version"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Transaction is the immutable record appended for every balance mutation.
// Amount is signed: credits are positive, debits negative.
type Transaction struct {
	UserID        string          `dynamodbav:"user_id" json:"user_id"`     // PK
	Timestamp     string          `dynamodbav:"timestamp" json:"timestamp"` // SK, fixed width UTC
	TransactionID string          `dynamodbav:"transaction_id" json:"transaction_id"`
	Amount        int64           `dynamodbav:"amount" json:"amount"`
	Type          TransactionType `dynamodbav:"type" json:"type"`
	KeyID         string          `dynamodbav:"key_id,omitempty" json:"key_id,omitempty"`
	BalanceAfter  int64           `dynamodbav:"balance_after" json:"balance_after"`
}

// AdjustRequest describes one balance mutation.
type AdjustRequest struct {
	UserID    string
	Amount    int64
	Direction Direction
	// KeyID optionally names the API key that originated the mutation.
	KeyID string
}

func (r AdjustRequest) validate() map[string]string {
	fields := map[string]string{}
	if r.UserID == "" {
		fields["user_id"] = "required"
	}
	if r.Amount <= 0 {
		fields["amount"] = "must be greater than 0"
	}
	if r.Direction != Increment && r.Direction != Decrement {
		fields["direction"] = fmt.Sprintf("must be %q or %q", Increment, Decrement)
	}
	return fields
}

// timestampLayout keeps sort keys lexicographically ordered.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"
