// Package capability implements the capability catalog: a process-wide registry where
// modules publish live instances under a type name plus a property set, and where other
// code looks them up or tracks their arrival and departure.
//
// Registrations of the same type are ordered by rank (highest first) and then by
// registration order. Duplicate type/property registrations are allowed; they are ranked,
// never deduplicated.
package capability

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strconv"
)

// RankKey is the reserved property holding a registration's rank.
const RankKey = "rank"

// Wildcard matches every capability type in listener and tracker subscriptions.
const Wildcard Type = "*"

var (
	// ErrNotFound is returned by Find when no registration matches.
	ErrNotFound = errors.New("capability not found")

	// ErrInvalidType is returned when registering under an empty or wildcard type.
	ErrInvalidType = errors.New("invalid capability type")

	// ErrNilInstance is returned when registering a nil instance.
	ErrNilInstance = errors.New("capability instance is nil")
)

// Type names a kind of capability, usually the qualified name of a Go interface.
type Type string

// String returns the type name.
func (t Type) String() string { return string(t) }

// TypeOf returns the capability type for T, e.g. TypeOf[Greeter]() for an interface
// Greeter declared in package example.com/hello is "example.com/hello.Greeter".
func TypeOf[T any]() Type {
	return TypeFor(reflect.TypeFor[T]())
}

// TypeFor returns the capability type for a reflected Go type.
func TypeFor(t reflect.Type) Type {
	if t.Name() != "" && t.PkgPath() != "" {
		return Type(t.PkgPath() + "." + t.Name())
	}
	return Type(t.String())
}

// Properties describe a registration. Values are compared by filters; the RankKey entry,
// when present, sets the registration's rank.
type Properties map[string]any

// Clone returns a shallow copy. A nil map clones to an empty one.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	maps.Copy(out, p)
	return out
}

// Rank returns the rank property, or 0 when it is absent or not numeric.
func (p Properties) Rank() int {
	r, _ := ParseRank(p[RankKey])
	return r
}

// ParseRank converts a property value into a rank.
func ParseRank(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		r, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("rank %q: %w", n, err)
		}
		return r, nil
	default:
		return 0, fmt.Errorf("rank has unsupported type %T", v)
	}
}

// Filter selects registrations by their properties. A nil Filter matches everything.
type Filter func(Properties) bool

// Match reports whether props satisfy the filter.
func (f Filter) Match(props Properties) bool {
	return f == nil || f(props)
}

// Owner identifies who contributed a registration or listener. A nil Owner means the
// process itself.
type Owner interface {
	OwnerName() string
}

func ownerName(o Owner) string {
	if o == nil {
		return "process"
	}
	return o.OwnerName()
}
