package generation

import "errors"

var (
	// ErrInvalidResponse is returned when the model response is empty or malformed.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrRejected is returned when the model API refuses the request itself (4xx other than 429).
	ErrRejected = errors.New("request rejected by language model")

	// ErrInvalidConfig is returned when the generator configuration is invalid.
	ErrInvalidConfig = errors.New("invalid generator configuration")
)

// Transient reports whether err may succeed on another attempt.
func Transient(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrContentBlocked),
		errors.Is(err, ErrRejected),
		errors.Is(err, ErrInvalidConfig):
		return false
	}
	return true
}
