// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package manifest

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
)

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: lowercase letters, digits and hyphens,
// not starting or ending with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("pluginname", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	return v
}

// FieldError describes one failing manifest field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Result is the outcome of validating a manifest.
type Result struct {
	Valid  bool         `json:"isValid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Messages returns the error messages in field order.
func (r *Result) Messages() []string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return msgs
}

// Validate checks a manifest against the structural rules and returns every
// field-level failure. It never touches the filesystem or network.
func Validate(m *Manifest) *Result {
	if m == nil {
		return &Result{Errors: []FieldError{{Field: "manifest", Message: "manifest is required"}}}
	}

	var fieldErrs []FieldError
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &Result{Errors: []FieldError{{Field: "manifest", Message: err.Error()}}}
		}
		for _, e := range verrs {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fieldPath(e),
				Message: formatValidationMessage(e),
			})
		}
	}

	seen := make(map[string]int, len(m.Commands))
	for i, c := range m.Commands {
		if c.Name == "" {
			continue
		}
		if first, dup := seen[c.Name]; dup {
			fieldErrs = append(fieldErrs, FieldError{
				Field:   fmt.Sprintf("commands[%d].name", i),
				Message: fmt.Sprintf("commands[%d].name %q duplicates commands[%d]", i, c.Name, first),
			})
			continue
		}
		seen[c.Name] = i
	}

	return &Result{Valid: len(fieldErrs) == 0, Errors: fieldErrs}
}

// Validate checks manifest constraints and returns a MANIFEST_INVALID error
// naming every failing field.
func (m *Manifest) Validate() error {
	res := Validate(m)
	if res.Valid {
		return nil
	}
	name := ""
	if m != nil {
		name = m.Name
	}
	return oops.Code(CodeInvalid).
		In("manifest").
		With("plugin", name).
		With("fields", res.Errors).
		Errorf("invalid manifest: %s", strings.Join(res.Messages(), "; "))
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func formatValidationMessage(e validator.FieldError) string {
	field := fieldPath(e)
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "min":
		if field == "commands" {
			return "commands must contain at least 1 command"
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		if field == "commands" {
			return fmt.Sprintf("commands must contain at most %d commands, got %d", MaxCommands, reflect.ValueOf(e.Value()).Len())
		}
		if field == "name" {
			return fmt.Sprintf("name must be %d characters or less", maxNameLength)
		}
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, e.Param(), fmt.Sprint(e.Value()))
	case "semver":
		return fmt.Sprintf("%s %q is not a valid semantic version", field, fmt.Sprint(e.Value()))
	case "pluginname":
		return fmt.Sprintf("name %q must contain only a-z, 0-9 and hyphens, and not start or end with a hyphen", fmt.Sprint(e.Value()))
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
