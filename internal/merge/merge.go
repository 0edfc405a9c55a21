// Package merge defines the conflict-free merge contract the sync layer is
// built on, and ships the op-log engine used by the server and the agent.
//
// The sync layer never looks inside an update. It only relies on Apply being
// commutative, associative and idempotent, so any structure that honours the
// Doc contract (plain text, rich trees, key/value maps) can be carried by the
// same protocol, transport and fan-out code.
package merge

import "errors"

var (
	// ErrInvalidUpdate is returned by Apply when the update bytes cannot be
	// parsed. The sender is at fault; the document is unchanged.
	ErrInvalidUpdate = errors.New("merge: invalid update")

	// ErrCorruptState is returned when a document's in-memory state is found
	// to be inconsistent. The owning session must be discarded and reloaded.
	ErrCorruptState = errors.New("merge: corrupt state")
)

// Engine creates empty documents.
type Engine interface {
	New() Doc
}

// Doc is one replica of a mergeable document. Implementations are not safe
// for concurrent use; callers serialize access.
type Doc interface {
	// Apply merges update into the document. changed reports whether the
	// update contributed anything that was not already present.
	Apply(update []byte) (changed bool, err error)

	// Diff returns an update holding everything the document knows that is
	// not covered by vector. A nil vector yields the full state, encoded
	// deterministically.
	Diff(vector []byte) ([]byte, error)

	// Vector returns the encoded version vector of the document.
	Vector() []byte

	// Digest identifies the merged state. Two documents with equal digests
	// hold the same content.
	Digest() [32]byte
}
