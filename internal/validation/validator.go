package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator. Field errors are reported under the
// JSON name of the field.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// notblank rejects strings made only of whitespace, which "required" lets through.
	_ = v.RegisterValidation("notblank", func(fl validatorv10.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	v.RegisterStructValidation(registerAccountStructValidation, RegisterAccountRequest{})

	return v
}

// registerAccountStructValidation requires the embedded event id, when sent,
// to name the same user.
func registerAccountStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(RegisterAccountRequest)
	if req.ID != "" && req.ID != req.UserID {
		sl.ReportError(req.ID, "id", "ID", "eqfield", "user_id")
	}
}

// Fields flattens validator errors into field -> failed rule.
func Fields(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	} else {
		out["error"] = err.Error()
	}
	return out
}
