// Package ident provides opaque, typed, globally unique identifiers
// for agents, events, and subscriptions (spec component A).
package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind tags the category of thing an ID identifies.
type Kind string

const (
	// KindAgent identifies an agent.
	KindAgent Kind = "agent"
	// KindEvent identifies an event.
	KindEvent Kind = "event"
	// KindChannel identifies a liveness watch channel / subscriber handle.
	KindChannel Kind = "channel"
)

// ID is an opaque, stringifiable, globally unique identifier carrying
// a type tag. The zero value is not a valid ID; use New or FromString.
type ID struct {
	kind  Kind
	value string
}

// New constructs a fresh, globally unique ID of the given kind.
// Construction is total: it never fails.
func New(kind Kind) ID {
	return ID{kind: kind, value: uuid.NewString()}
}

// FromString constructs an ID from a caller-supplied string and kind,
// used when restoring an ID handed in from outside the process (e.g.
// a caller-supplied agent id). No uniqueness is enforced here; the
// registry enforces uniqueness on registration.
func FromString(kind Kind, value string) ID {
	return ID{kind: kind, value: value}
}

// Kind returns the type tag of the ID.
func (id ID) Kind() Kind {
	return id.kind
}

// String renders the ID as "<type>_<value>", e.g. "agent_3fa9c1de-...".
func (id ID) String() string {
	return fmt.Sprintf("%s_%s", id.kind, id.value)
}

// IsZero reports whether id is the unconstructed zero value.
func (id ID) IsZero() bool {
	return id.kind == "" && id.value == ""
}

// Parse reconstructs an ID from its "<type>_<value>" string form.
// Returns an error if the string has no recognizable "<type>_" prefix.
func Parse(s string) (ID, error) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 {
		return ID{}, fmt.Errorf("ident: malformed id %q: missing type prefix", s)
	}
	return ID{kind: Kind(s[:idx]), value: s[idx+1:]}, nil
}
