package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedUpdate is returned when update or state-vector bytes cannot
// be decoded. The caller drops the single update; nothing is merged.
var ErrMalformedUpdate = errors.New("malformed update")

// digestLen is the number of element-digest bytes carried per element in a
// state vector.
const digestLen = 8

type digest [digestLen]byte

// DeltaSetEngine is the built-in Engine: a grow-only set of opaque byte
// elements. An update is a sequence of length-framed elements; the state
// vector is the sorted list of element digests. Merging is set union, so
// application is commutative and idempotent.
type DeltaSetEngine struct{}

func (DeltaSetEngine) NewState() State {
	return &deltaSet{elems: make(map[digest][]byte)}
}

type deltaSet struct {
	elems map[digest][]byte
}

// EncodeUpdate frames raw element payloads into a single update blob.
// Tests and in-process producers use it where a real engine would emit
// updates itself.
func EncodeUpdate(elements ...[]byte) []byte {
	var buf bytes.Buffer
	var hdr [binary.MaxVarintLen64]byte
	for _, el := range elements {
		n := binary.PutUvarint(hdr[:], uint64(len(el)))
		buf.Write(hdr[:n])
		buf.Write(el)
	}
	return buf.Bytes()
}

// decodeFrames splits an update into its elements, rejecting the whole
// update on any framing error.
func decodeFrames(update []byte) ([][]byte, error) {
	var elements [][]byte
	for len(update) > 0 {
		size, n := binary.Uvarint(update)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad frame header", ErrMalformedUpdate)
		}
		update = update[n:]
		if size > uint64(len(update)) {
			return nil, fmt.Errorf("%w: frame length %d exceeds remaining %d", ErrMalformedUpdate, size, len(update))
		}
		elements = append(elements, update[:size])
		update = update[size:]
	}
	return elements, nil
}

func digestOf(element []byte) digest {
	sum := sha256.Sum256(element)
	var d digest
	copy(d[:], sum[:digestLen])
	return d
}

func (s *deltaSet) ApplyUpdate(update []byte) error {
	elements, err := decodeFrames(update)
	if err != nil {
		return err
	}
	for _, el := range elements {
		d := digestOf(el)
		if _, seen := s.elems[d]; seen {
			continue
		}
		cp := make([]byte, len(el))
		copy(cp, el)
		s.elems[d] = cp
	}
	return nil
}

func (s *deltaSet) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	if len(stateVector)%digestLen != 0 {
		return nil, fmt.Errorf("%w: state vector length %d", ErrMalformedUpdate, len(stateVector))
	}
	seen := make(map[digest]bool, len(stateVector)/digestLen)
	for i := 0; i < len(stateVector); i += digestLen {
		var d digest
		copy(d[:], stateVector[i:i+digestLen])
		seen[d] = true
	}

	// Encode in digest order so equal sets produce equal bytes regardless
	// of merge order.
	missing := make([]digest, 0, len(s.elems))
	for d := range s.elems {
		if !seen[d] {
			missing = append(missing, d)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return bytes.Compare(missing[i][:], missing[j][:]) < 0
	})

	elements := make([][]byte, len(missing))
	for i, d := range missing {
		elements[i] = s.elems[d]
	}
	return EncodeUpdate(elements...), nil
}

func (s *deltaSet) EncodeStateVector() []byte {
	digests := make([]digest, 0, len(s.elems))
	for d := range s.elems {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool {
		return bytes.Compare(digests[i][:], digests[j][:]) < 0
	})
	vector := make([]byte, 0, len(digests)*digestLen)
	for _, d := range digests {
		vector = append(vector, d[:]...)
	}
	return vector
}
