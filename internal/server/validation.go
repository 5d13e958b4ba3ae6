package server

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
)

var validatorsOnce sync.Once

// registerValidators adds the deviceid rule to gin's validator and makes field
// errors report json names.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
			return entitlementdomain.ValidateDeviceID(fl.Field().String()) == nil
		})
	})
}

// bindingError turns a ShouldBind failure into the validation envelope.
func bindingError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalidRequestError()
	}
	out := &ValidationErrors{}
	for _, fe := range fieldErrs {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "deviceid":
		return "device id must be 8 to 128 characters of letters, digits, '.', '_', ':' or '-'"
	case "max":
		return fe.Field() + " is too long"
	default:
		return "invalid value"
	}
}
