package kanreflect

import (
	"fmt"
	"strings"
)

// Choices names the finite label set backing an Enum or FlagEnum,
// mirroring rclone's own `fs.Enum[T]` generic pattern (e.g. backend/local's
// `type timeType = fs.Enum[timeTypeChoices]` with a `Choices() []string`
// method), generalized here from backend option enums to reflected
// resource-struct fields.
type Choices interface {
	Choices() []string
}

// Enum is an exclusive (non-bitset) enumerated value.
type Enum[C Choices] int64

// String renders the enum's label, or a numeric fallback if out of range.
func (e Enum[C]) String() string {
	var c C
	choices := c.Choices()
	if e < 0 || int(e) >= len(choices) {
		return fmt.Sprintf("Enum(%d)", int64(e))
	}
	return choices[e]
}

// Set parses name into the matching enum value. Per spec.md §4.3, an
// unknown identifier is an archetype/value mismatch the caller should
// treat as abortive.
func (e *Enum[C]) Set(name string) error {
	var c C
	for i, label := range c.Choices() {
		if label == name {
			*e = Enum[C](i)
			return nil
		}
	}
	return fmt.Errorf("kanreflect: %q is not a valid choice", name)
}

// EnumIsFlags reports false: Enum is exclusive.
func (Enum[C]) EnumIsFlags() bool { return false }

// EnumChoices exposes the backing label set for reflection-driven dispatch.
func (Enum[C]) EnumChoices() []string {
	var c C
	return c.Choices()
}

// FlagEnum is a bit-set enumerated value: spec.md §4.3's "enums flagged
// as bit-sets accept multiple identifier values OR-ed together; default
// with no identifiers is zero".
type FlagEnum[C Choices] int64

// Set ORs in every named flag; an empty identifier list already defaults
// to zero via the zero value.
func (e *FlagEnum[C]) Set(names ...string) error {
	var c C
	choices := c.Choices()
	var acc int64
	for _, name := range names {
		found := false
		for i, label := range choices {
			if label == name {
				acc |= int64(1) << uint(i)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("kanreflect: %q is not a valid flag", name)
		}
	}
	*e = FlagEnum[C](acc)
	return nil
}

// Has reports whether the named flag is set.
func (e FlagEnum[C]) Has(name string) bool {
	var c C
	for i, label := range c.Choices() {
		if label == name {
			return int64(e)&(int64(1)<<uint(i)) != 0
		}
	}
	return false
}

// String renders the set flags joined by '|', matching the readable-data
// writer's multi-value setter shape for flag enums.
func (e FlagEnum[C]) String() string {
	var c C
	choices := c.Choices()
	var set []string
	for i, label := range choices {
		if int64(e)&(int64(1)<<uint(i)) != 0 {
			set = append(set, label)
		}
	}
	return strings.Join(set, "|")
}

// EnumIsFlags reports true: FlagEnum is a bit-set.
func (FlagEnum[C]) EnumIsFlags() bool { return true }

// EnumChoices exposes the backing label set.
func (FlagEnum[C]) EnumChoices() []string {
	var c C
	return c.Choices()
}
