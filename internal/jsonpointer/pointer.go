// Package jsonpointer resolves RFC 6901 JSON Pointers against decoded
// payloads and applies the typed casts the descriptor runtime needs when
// extracting metadata fields (sequence numbers, timestamps, symbols) from
// heterogeneous exchange payloads.
package jsonpointer

import (
	"fmt"
	"strconv"
	"strings"
)

// CastRule selects the typed cast applied by ExtractTyped.
type CastRule int

const (
	CastU64 CastRule = iota
	CastI64
	CastString
	CastBool
	// CastRaw returns the resolved value unchanged.
	CastRaw
)

// Error is returned by ExtractTyped; its Kind distinguishes the three
// documented failure shapes so callers can branch without string matching.
type Error struct {
	Kind       ErrorKind
	Pointer    string
	ActualType string
	TargetType string
}

type ErrorKind int

const (
	ErrMissingRequired ErrorKind = iota
	ErrCastFailed
	ErrInvalidPointer
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrMissingRequired:
		return fmt.Sprintf("missing required value at pointer '%s'", e.Pointer)
	case ErrCastFailed:
		return fmt.Sprintf("cast failed at pointer '%s': cannot convert %s to %s", e.Pointer, e.ActualType, e.TargetType)
	case ErrInvalidPointer:
		return fmt.Sprintf("invalid pointer syntax: '%s'", e.Pointer)
	default:
		return "json pointer error"
	}
}

// Resolve navigates root using an RFC 6901 pointer. It returns (nil, false)
// when the path does not exist; the empty string resolves to root itself.
func Resolve(root any, ptr string) (any, bool) {
	if ptr == "" {
		return root, true
	}
	if !strings.HasPrefix(ptr, "/") {
		return nil, false
	}

	current := root
	for _, segment := range strings.Split(ptr[1:], "/") {
		unescaped := unescapeSegment(segment)

		switch v := current.(type) {
		case map[string]any:
			next, ok := v[unescaped]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(unescaped)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// unescapeSegment applies the RFC 6901 escape rules: ~1 decodes to '/' and
// ~0 decodes to '~'. Order matters — ~1 must be decoded before ~0, otherwise
// a literal "~01" would incorrectly become "/" instead of "~1".
func unescapeSegment(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	s = strings.ReplaceAll(s, "~0", "~")
	return s
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, int64, uint64, int:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// CastToU64 accepts numbers (non-negative, integral) and numeric strings
// whose entire content parses as an unsigned integer.
func CastToU64(v any) (uint64, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("number %v cannot be represented as u64", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("number %v cannot be represented as u64", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("number %v cannot be represented as u64", n)
		}
		return uint64(n), nil
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("string '%s' is not a valid u64", n)
		}
		return u, nil
	default:
		return 0, fmt.Errorf("cannot cast %s to u64", typeName(v))
	}
}

// CastToI64 accepts numbers and numeric strings whose entire content parses
// as a signed integer.
func CastToI64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("number %v cannot be represented as i64", n)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("string '%s' is not a valid i64", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cannot cast %s to i64", typeName(v))
	}
}

// CastToString stringifies scalars. Objects and arrays are not accepted —
// callers needing the raw document should use CastRaw instead.
func CastToString(v any) (string, error) {
	switch n := v.(type) {
	case string:
		return n, nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case uint64:
		return strconv.FormatUint(n, 10), nil
	case int:
		return strconv.Itoa(n), nil
	case bool:
		return strconv.FormatBool(n), nil
	case nil:
		return "null", nil
	default:
		return "", fmt.Errorf("cannot cast %s to string", typeName(v))
	}
}

// CastToBool accepts bool values and the exact strings "true"/"false".
func CastToBool(v any) (bool, error) {
	switch n := v.(type) {
	case bool:
		return n, nil
	case string:
		switch n {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return false, fmt.Errorf("string '%s' is not a valid bool", n)
		}
	default:
		return false, fmt.Errorf("cannot cast %s to bool", typeName(v))
	}
}

// ExtractTyped resolves pointer against payload and applies castRule.
//
// A missing value, or a value that resolves to JSON null, is treated as
// absent: if optional is true ExtractTyped returns (nil, false, nil); if
// optional is false it returns ErrMissingRequired. A value present but
// failing the cast returns ErrCastFailed naming both the pointer and the
// actual/target types.
func ExtractTyped(payload any, pointer string, optional bool, castRule CastRule) (any, bool, error) {
	resolved, ok := Resolve(payload, pointer)
	if !ok || resolved == nil {
		if optional {
			return nil, false, nil
		}
		return nil, false, &Error{Kind: ErrMissingRequired, Pointer: pointer}
	}

	switch castRule {
	case CastU64:
		u, err := CastToU64(resolved)
		if err != nil {
			return nil, false, &Error{Kind: ErrCastFailed, Pointer: pointer, ActualType: typeName(resolved), TargetType: "u64"}
		}
		return u, true, nil
	case CastI64:
		i, err := CastToI64(resolved)
		if err != nil {
			return nil, false, &Error{Kind: ErrCastFailed, Pointer: pointer, ActualType: typeName(resolved), TargetType: "i64"}
		}
		return i, true, nil
	case CastString:
		s, err := CastToString(resolved)
		if err != nil {
			return nil, false, &Error{Kind: ErrCastFailed, Pointer: pointer, ActualType: typeName(resolved), TargetType: "string"}
		}
		return s, true, nil
	case CastBool:
		b, err := CastToBool(resolved)
		if err != nil {
			return nil, false, &Error{Kind: ErrCastFailed, Pointer: pointer, ActualType: typeName(resolved), TargetType: "bool"}
		}
		return b, true, nil
	case CastRaw:
		return resolved, true, nil
	default:
		return resolved, true, nil
	}
}

// ValidatePointer reports whether ptr is syntactically well-formed per
// RFC 6901: empty, or starting with '/'. It does not check segment content
// since the escape grammar accepts any byte sequence.
func ValidatePointer(ptr string) bool {
	return ptr == "" || strings.HasPrefix(ptr, "/")
}
