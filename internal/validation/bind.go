package validation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-reliable-taskflow/internal/apperror"
)

// BindAndValidate decodes the JSON body into out and validates it with v.
// On failure it aborts c with a 400 in the handlers' error shape and returns
// the KindValidation error so the handler can short-circuit.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	var verr *apperror.Error
	if err := c.ShouldBindJSON(out); err != nil {
		verr = apperror.Validation("validation.bind", map[string]string{"body": "malformed json"}, err)
	} else if err := v.Struct(out); err != nil {
		verr = apperror.Validation("validation.bind", Fields(err), err)
	}
	if verr == nil {
		return nil
	}

	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":  verr.Kind.String(),
		"detail": verr.Error(),
		"fields": verr.Fields,
	})
	return verr
}
