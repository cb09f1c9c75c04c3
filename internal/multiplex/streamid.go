package multiplex

import "github.com/cbeuw/remoting/internal/frame"

// streamIDs hands out stream ids of one parity. Clients use odd ids, servers even ones.
// Once the ceiling is passed allocation wraps to the lowest id of the parity and skips ids
// that are still in use.
type streamIDs struct {
	first uint32
	max   uint32
	next  uint32
}

func makeStreamIDs(client bool, max uint32) *streamIDs {
	if max == 0 || max > frame.MaxStreamID {
		max = frame.MaxStreamID
	}
	first := uint32(2)
	if client {
		first = 1
	}
	return &streamIDs{first: first, max: max, next: first}
}

// allocate returns the next id for which inUse is false. It must be called with the stream
// table locked.
func (ids *streamIDs) allocate(inUse func(uint32) bool) (uint32, error) {
	// one full lap over the parity
	candidates := (ids.max-ids.first)/2 + 1
	for i := uint32(0); i < candidates; i++ {
		id := ids.next
		if ids.max-id < 2 {
			ids.next = ids.first
		} else {
			ids.next = id + 2
		}
		if !inUse(id) {
			return id, nil
		}
	}
	return 0, ErrNoStreamID
}

// ours reports whether id has the parity this allocator hands out
func (ids *streamIDs) ours(id uint32) bool {
	return id%2 == ids.first%2
}
