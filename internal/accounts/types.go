package accounts

import "time"

// User statuses carried in Claims.UserStatus.
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

// API key statuses.
const (
	KeyActive  = "active"
	KeyRevoked = "revoked"
)

// NewUser is the input to registration.
type NewUser struct {
	UserID string
	Email  string
	Name   string
}

// Claims are the authorization attributes other services read for a user.
type Claims struct {
	HasAPIKey             bool   `dynamodbav:"has_api_key" json:"has_api_key"`
	UserStatus            string `dynamodbav:"user_status" json:"user_status"`
	RegistrationCompleted bool   `dynamodbav:"registration_completed" json:"registration_completed"`
	RegistrationDate      string `dynamodbav:"registration_date,omitempty" json:"registration_date,omitempty"`
}

// PendingClaims are held by a user whose registration has not completed.
func PendingClaims() Claims {
	return Claims{UserStatus: StatusPending}
}

// ActiveClaims mark a fully registered user.
func ActiveClaims(at time.Time) Claims {
	return Claims{
		HasAPIKey:             true,
		UserStatus:            StatusActive,
		RegistrationCompleted: true,
		RegistrationDate:      at.UTC().Format(time.RFC3339),
	}
}

// User is an item in the users table.
type User struct {
	UserID    string    `dynamodbav:"user_id" json:"user_id"` // PK
	Email     string    `dynamodbav:"email" json:"email"`
	Name      string    `dynamodbav:"name,omitempty" json:"name,omitempty"`
	APIKeyID  string    `dynamodbav:"api_key_id,omitempty" json:"api_key_id,omitempty"`
	Claims    Claims    `dynamodbav:"claims" json:"claims"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
}

// APIKey is an item in the user keys table. Only the bcrypt hash of the
// secret is stored.
type APIKey struct {
	KeyID     string     `dynamodbav:"key_id"` // PK
	UserID    string     `dynamodbav:"user_id"`
	Hash      string     `dynamodbav:"hash"`
	Status    string     `dynamodbav:"status"`
	CreatedAt time.Time  `dynamodbav:"created_at"`
	RevokedAt *time.Time `dynamodbav:"revoked_at,omitempty"`
}

// IssuedKey is returned once at issue time. Token is "<key id>.<secret>".
type IssuedKey struct {
	KeyID string
	Token string
}
