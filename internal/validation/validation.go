// Package validation checks the fields collected at each flow step before
// anything is sent to the identity provider.
package validation

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/dgellow/authfront/internal/flow"
	"github.com/go-playground/validator/v10"
)

// Messages shown next to the offending field.
const (
	MessageEmail            = "Please enter a valid email address"
	MessagePasswordRequired = "Password is required"
	MessagePasswordLength   = "Password must be at least 8 characters"
	MessagePasswordPolicy   = "Password must contain at least one uppercase letter, one lowercase letter, and one number"
	MessagePasswordMismatch = "Passwords do not match"
	MessageCode             = "Code must be 6 digits"
)

// Result is the verdict for one step. FieldErrors is keyed by field name.
type Result struct {
	Valid       bool              `json:"valid"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
}

type signInCredentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type signUpCredentials struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"min=8,password_policy"`
	ConfirmPassword string `json:"confirmPassword" validate:"eqfield=Password"`
}

type emailCode struct {
	Code string `json:"code" validate:"len=6,digits"`
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetWithCode struct {
	Code            string `json:"code" validate:"len=6,digits"`
	Password        string `json:"password" validate:"min=8,password_policy"`
	ConfirmPassword string `json:"confirmPassword" validate:"eqfield=Password"`
}

var (
	validate *validator.Validate
	once     sync.Once
)

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report fields under their form names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		})
		_ = validate.RegisterValidation("digits", func(fl validator.FieldLevel) bool {
			return isDigits(fl.Field().String())
		})
		_ = validate.RegisterValidation("password_policy", func(fl validator.FieldLevel) bool {
			return meetsPasswordPolicy(fl.Field().String())
		})
	})
	return validate
}

// Validate checks the fields required by step of kind. It is pure: the same
// input always yields the same result. An unknown kind/step pair is invalid
// with no field errors.
func Validate(kind flow.Kind, step flow.Step, fields map[string]string) Result {
	target := bind(kind, step, fields)
	if target == nil {
		return Result{Valid: false}
	}

	err := getValidator().Struct(target)
	if err == nil {
		return Result{Valid: true}
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return Result{Valid: false}
	}

	fieldErrors := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		if _, seen := fieldErrors[e.Field()]; seen {
			continue
		}
		fieldErrors[e.Field()] = formatValidationError(e)
	}
	return Result{Valid: false, FieldErrors: fieldErrors}
}

func bind(kind flow.Kind, step flow.Step, f map[string]string) any {
	switch {
	case kind == flow.KindSignIn && step == flow.StepCredentials:
		return &signInCredentials{Email: f[flow.FieldEmail], Password: f[flow.FieldPassword]}
	case kind == flow.KindSignUp && step == flow.StepCredentials:
		return &signUpCredentials{
			Email:           f[flow.FieldEmail],
			Password:        f[flow.FieldPassword],
			ConfirmPassword: f[flow.FieldConfirmPassword],
		}
	case kind == flow.KindSignUp && step == flow.StepEmailVerification:
		return &emailCode{Code: f[flow.FieldCode]}
	case kind == flow.KindPasswordReset && step == flow.StepRequestCode:
		return &resetRequest{Email: f[flow.FieldEmail]}
	case kind == flow.KindPasswordReset && step == flow.StepResetWithCode:
		return &resetWithCode{
			Code:            f[flow.FieldCode],
			Password:        f[flow.FieldPassword],
			ConfirmPassword: f[flow.FieldConfirmPassword],
		}
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	switch e.Field() {
	case flow.FieldEmail:
		return MessageEmail
	case flow.FieldCode:
		return MessageCode
	case flow.FieldConfirmPassword:
		return MessagePasswordMismatch
	}

	switch e.Tag() {
	case "required":
		return MessagePasswordRequired
	case "min":
		return MessagePasswordLength
	case "password_policy":
		return MessagePasswordPolicy
	}
	return "is invalid"
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func meetsPasswordPolicy(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return upper && lower && digit
}
