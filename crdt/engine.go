package crdt

// Engine abstracts the conflict-free merge algorithm.
// Implementations must guarantee that applying updates is commutative and
// idempotent: any set of updates merged in any order, with any duplicates,
// converges to the same state.
type Engine interface {
	// NewState creates an empty document state.
	NewState() State
}

// State is one replica of a document. It is not safe for concurrent use;
// callers serialize access (one writer per document).
type State interface {
	// ApplyUpdate merges an engine-produced update into the state.
	// Re-applying an already-merged update is a no-op.
	ApplyUpdate(update []byte) error

	// EncodeStateAsUpdate produces the update a replica described by
	// stateVector is missing. A nil or empty vector yields the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// EncodeStateVector returns a compact summary of what this state
	// has seen, for use with EncodeStateAsUpdate on a peer.
	EncodeStateVector() []byte
}
