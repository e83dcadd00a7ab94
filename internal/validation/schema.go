package validation

import (
	"bytes"
	"encoding/json"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

// Schema decodes raw JSON into T and validates it.
type Schema[T any] struct {
	v *validatorv10.Validate
}

// NewSchema returns a Schema for T backed by v. A nil v uses New().
func NewSchema[T any](v *validatorv10.Validate) Schema[T] {
	if v == nil {
		v = New()
	}
	return Schema[T]{v: v}
}

// Decode returns the typed value or a KindValidation error listing the
// violated fields.
func (s Schema[T]) Decode(raw []byte) (T, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return out, apperror.Validation("validation.decode",
			map[string]string{"body": "malformed json"}, fmt.Errorf("decode: %w", err))
	}
	if err := s.v.Struct(out); err != nil {
		return out, apperror.Validation("validation.decode", Fields(err), err)
	}
	return out, nil
}
