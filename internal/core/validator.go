package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"devvelocity/internal/types"
)

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the domain tags:
//
//	plan_id       any known plan
//	paid_plan     a plan that can be purchased
//	member_role   owner, admin or member
//	invite_role   admin or member
//	sso_protocol  oidc or saml
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors match the request body.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister(v, "plan_id", oneOfString(types.PlanDeveloper, types.PlanStartup, types.PlanTeam, types.PlanEnterprise))
	mustRegister(v, "paid_plan", oneOfString(types.PlanStartup, types.PlanTeam, types.PlanEnterprise))
	mustRegister(v, "member_role", oneOfString(types.RoleOwner, types.RoleAdmin, types.RoleMember))
	mustRegister(v, "invite_role", oneOfString(types.RoleAdmin, types.RoleMember))
	mustRegister(v, "sso_protocol", oneOfString(types.SSOProtocolOIDC, types.SSOProtocolSAML))

	return &Validator{validate: v}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

func oneOfString[T ~string](allowed ...T) validator.Func {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[string(a)] = struct{}{}
	}
	return func(fl validator.FieldLevel) bool {
		_, ok := set[fl.Field().String()]
		return ok
	}
}

// ValidateStruct returns nil or a 400 AppError whose details list every
// failed field under "validation_errors". The error code is taken from the
// first failure.
func (v *Validator) ValidateStruct(s any) error {
	errs := v.Check(s)
	if len(errs) == 0 {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrorCode(errs[0].Code), errs[0].Message, nil,
		map[string]any{"validation_errors": errs})
}

// Check returns the failed fields of s, or nil.
func (v *Validator) Check(s any) []ValidationError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Code: string(types.ErrCodeValidationInvalidJSON), Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, toValidationError(fe))
	}
	return out
}

func toValidationError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	ve := ValidationError{Field: field}
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		ve.Code = string(types.ErrCodeValidationMissingField)
		ve.Message = field + " is required"
	case "email":
		ve.Code = string(types.ErrCodeValidationInvalidEmail)
		ve.Message = field + " must be a valid email address"
	case "plan_id", "paid_plan":
		ve.Code = string(types.ErrCodeValidationInvalidPlan)
		ve.Message = fmt.Sprintf("%s %q is not a valid plan", field, fe.Value())
	case "gte", "min":
		if fe.Kind() == reflect.Int || fe.Kind() == reflect.Int64 {
			ve.Code = string(types.ErrCodeValidationNegativeCount)
		} else {
			ve.Code = string(types.ErrCodeValidationInvalidField)
		}
		ve.Message = fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		ve.Code = string(types.ErrCodeValidationInvalidField)
		ve.Message = fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		ve.Code = string(types.ErrCodeValidationInvalidField)
		ve.Message = fmt.Sprintf("%s failed the %s check", field, fe.Tag())
	}
	return ve
}
