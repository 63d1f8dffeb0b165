package utils

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func IsValidEmail(email string) bool {
	pattern := `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	regex := regexp.MustCompile(pattern)
	return regex.MatchString(email)
}

var periodPattern = regexp.MustCompile(`^\d{2}-\d{4}$`)

// IsValidPeriod checks the "MM-YYYY" budget period format.
func IsValidPeriod(period string) bool {
	if !periodPattern.MatchString(period) {
		return false
	}
	month, err := strconv.Atoi(period[:2])
	if err != nil {
		return false
	}
	return month >= 1 && month <= 12
}

// Clients send booleans as true/false, 0/1, "yes"/"no" and a couple of
// localized spellings. Unrecognized values return nil.
func NormalizeBool(value interface{}) *bool {
	switch v := value.(type) {
	case bool:
		return &v
	case *bool:
		return v
	case int:
		b := v != 0
		return &b
	case float64:
		b := v != 0
		return &b
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "evet":
			return NewTrue()
		case "false", "0", "no", "hayir", "hayır", "değil", "degil":
			return NewFalse()
		}
	}
	return nil
}

var turkishUpper = cases.Upper(language.Turkish)

// CanonicalItemName trims and uppercases item names with Turkish casing rules
// (dotted/dotless i), matching what the legacy editor sends back.
func CanonicalItemName(name string) string {
	return turkishUpper.String(strings.TrimSpace(name))
}

// NormalizeIntSet returns a sorted, de-duplicated copy with zeros dropped.
func NormalizeIntSet(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func ContainsInt(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func UniqueSlice[T comparable](values []T) []T {
	seen := make(map[T]bool, len(values))
	out := make([]T, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func MergeIntSlices(a []int, b []int) []int {
	return UniqueSlice(append(append([]int{}, a...), b...))
}

// ParseFlexibleDecimal accepts the mixed number/string payloads the legacy
// clients send for quantities and costs.
func ParseFlexibleDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case nil:
		return decimal.Zero, nil
	}
	return decimal.Zero, NewBadRequest("cannot parse %v as decimal", value)
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func DereferencePtr[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
