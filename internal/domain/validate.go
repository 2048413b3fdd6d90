package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxHandleLength bounds author handles. Text is deliberately unbounded.
const MaxHandleLength = 64

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so errors match the wire shape of Message.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createRequest struct {
	Text      *string `json:"text" validate:"required"`
	Handle    string  `json:"handle" validate:"required,max=64"`
	CreatedAt int64   `json:"createdAt" validate:"gte=0"`
}

type updateRequest struct {
	ID     string  `json:"id" validate:"required"`
	Text   *string `json:"text"`
	Handle *string `json:"handle" validate:"omitnil,min=1,max=64"`
}

// ValidateCreate checks the fields of a new message. CreatedAt may be left
// unset; the queue stamps it.
func ValidateCreate(f Fields) error {
	req := createRequest{Text: f.Text}
	if f.Handle != nil {
		req.Handle = *f.Handle
	}
	if f.CreatedAt != nil {
		req.CreatedAt = *f.CreatedAt
	}
	return toValidationError(validate.Struct(req))
}

// ValidateUpdate checks an in-place edit. The creation time is immutable.
func ValidateUpdate(id string, f Fields) error {
	if f.CreatedAt != nil {
		return &ValidationError{Field: "createdAt", Reason: "is immutable"}
	}
	if f.IsEmpty() {
		return &ValidationError{Reason: "update specifies no fields"}
	}
	return toValidationError(validate.Struct(updateRequest{ID: id, Text: f.Text, Handle: f.Handle}))
}

// ValidateID rejects blank identifiers.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	return nil
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &ValidationError{Reason: err.Error()}
}
