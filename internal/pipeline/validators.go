package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// emailPattern mirrors jobs/processing.py's _validate_email regex.
var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return emailPattern.MatchString(s)
}

// validateAge mirrors _validate_age: 0 < age < 100.
func validateAge(v any) bool {
	n, ok := asFloat(v)
	if !ok {
		return false
	}
	return n > 0 && n < 100
}

// validateName mirrors _validate_name: stripped length > 2.
func validateName(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return len(strings.TrimSpace(s)) > 2
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// fieldValidators maps a known field name to its built-in validator, the
// rule set ported from jobs/processing.py's _validate_row_data.
var fieldValidators = map[string]func(any) bool{
	"email": validateEmail,
	"age":   validateAge,
	"name":  validateName,
}

// validateRow reports the row's validity and, if invalid, the first
// failing field. A field absent from fieldValidators is accepted as-is.
func validateRow(row map[string]any, requiredFields []string) (bool, string) {
	for _, field := range requiredFields {
		v, present := row[field]
		if !present || isNull(v) {
			return false, field + " is required"
		}
		if validator, known := fieldValidators[field]; known && !validator(v) {
			return false, field + " failed validation"
		}
	}
	return true, ""
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
