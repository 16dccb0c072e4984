package types

import "github.com/jabolina/go-netcode/pkg/netcode/wire"

// Component is the contract every replicated payload type implements: a
// per-kind function table (full/partial write, full read, masked apply,
// mirror, equality) registered once per process.
type Component interface {
	// Kind returns the component's stable wire id.
	Kind() ComponentKind

	// PropertyCount returns n, the number of mutator-indexed properties.
	PropertyCount() int

	// WriteFull serializes every property in declared order.
	WriteFull(w wire.BitSink) error

	// WritePartial serializes only the properties whose mask bit is set.
	WritePartial(w wire.BitSink, mask *DiffMask) error

	// ReadFull reconstructs every property from the wire.
	ReadFull(r *wire.Reader) error

	// ApplyUpdate reads only the mask-selected properties from the wire and
	// applies them in place.
	ApplyUpdate(r *wire.Reader, mask *DiffMask) error

	// Equals reports whether other is a Component of the same kind holding
	// equal property values.
	Equals(other Component) bool

	// MirrorFrom copy-assigns every property from another instance of the
	// same kind, e.g. reconciliation mirroring authoritative state onto
	// the predicted copy.
	MirrorFrom(other Component)

	// Clone returns an independent copy, e.g. for a World's DuplicateEntity
	// when a prediction entity is spawned.
	Clone() Component
}

// ComponentFactory builds a zero-value instance of a registered component
// kind, used before ReadFull/ApplyUpdate populate it.
type ComponentFactory func() Component

// componentRegistry is the process-wide kind table populated at init time.
var componentRegistry = map[ComponentKind]ComponentFactory{}

// RegisterComponent adds kind to the process-wide registry. Call from an
// init() function for every component type the application defines.
func RegisterComponent(kind ComponentKind, factory ComponentFactory) {
	componentRegistry[kind] = factory
}

// NewComponent instantiates a zero-value component for kind, if registered.
func NewComponent(kind ComponentKind) (Component, bool) {
	factory, ok := componentRegistry[kind]
	if !ok {
		return nil, false
	}
	return factory(), true
}
