// Package kanserial implements the readable-data serializer from
// spec.md §4.3 (C3): a reflection-driven, line-oriented text format plus
// a binary record-stream header, grounded in
// original_source/unit/serialization/kan/serialization/readable_data.c
// and in rclone's own readable-config parsing idiom (plain-text,
// line-at-a-time, tolerant of comments).
package kanserial

import "errors"

// Error kinds from spec.md §7, scoped to the serializer. Per the Open
// Question resolution in SPEC_FULL.md §9(a), every structural mismatch
// below is treated as abortive rather than skip-and-continue.
var (
	ErrFailed          = errors.New("kanserial: deserialization failed")
	ErrUnknownType     = errors.New("kanserial: unknown type")
	ErrUnknownField    = errors.New("kanserial: no field at given path")
	ErrTypeMismatch    = errors.New("kanserial: setter value type does not match field archetype")
	ErrTooManyParts    = errors.New("kanserial: output target has too many dotted parts")
	ErrPatchTypeUnset  = errors.New("kanserial: patch field used before its __type was set")
	ErrPatchTypeTwice  = errors.New("kanserial: patch __type set more than once")
	ErrArraySetNotHere = errors.New("kanserial: array setters are not supported in this context")
	ErrMalformedLine   = errors.New("kanserial: malformed statement line")
)

// MaxPartsInOutputTarget bounds a dotted output target ("a.b.c"), per
// spec.md §4.3.
const MaxPartsInOutputTarget = 8
