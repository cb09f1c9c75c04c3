package multiplex

import "github.com/cbeuw/remoting/internal/frame"

const metadataLengthSize = 3

// fragment splits a REQUEST_* or PAYLOAD frame whose encoding exceeds size into a FOLLOWS chain.
// The first fragment keeps the original type and fixed fields; the rest are PAYLOAD frames.
// Metadata is sent before data. A PAYLOAD's completion flag moves to the last fragment.
func fragment(f *frame.Frame, size int) []*frame.Frame {
	if size <= 0 || !(f.Type.IsRequest() || f.Type == frame.TypePayload) || frame.EncodedLen(f) <= size {
		return []*frame.Frame{f}
	}

	md, data := f.Metadata, f.Data
	hasMetadata := f.HasMetadata()
	var ret []*frame.Frame
	for first := true; ; first = false {
		var cur *frame.Frame
		if first {
			c := *f
			c.Metadata, c.Data = nil, nil
			c.Flags &^= frame.FlagMetadata | frame.FlagFollows
			if f.Type == frame.TypePayload {
				c.Flags &^= frame.FlagComplete
				c.Flags |= frame.FlagNext
			}
			cur = &c
		} else {
			cur = &frame.Frame{StreamID: f.StreamID, Type: frame.TypePayload, Flags: frame.FlagNext}
		}

		budget := size - frame.EncodedLen(cur)
		if len(md) > 0 || (first && hasMetadata) {
			budget -= metadataLengthSize
			take := min(len(md), budget)
			cur.Flags |= frame.FlagMetadata
			cur.Metadata = md[:take:take]
			md = md[take:]
			budget -= take
		}
		if len(md) == 0 && budget > 0 && len(data) > 0 {
			take := min(len(data), budget)
			cur.Data = data[:take:take]
			data = data[take:]
		}

		last := len(md) == 0 && len(data) == 0
		if !last {
			cur.Flags |= frame.FlagFollows
		} else if f.Type == frame.TypePayload {
			cur.Flags |= f.Flags & frame.FlagComplete
		}
		ret = append(ret, cur)
		if last {
			return ret
		}
	}
}

// reassemble folds FOLLOWS chains into one frame per element. It returns the frame to process
// and true once a chain is complete, or false while fragments are still outstanding. It must be
// called with the stream table locked.
func (sesh *Session) reassemble(f *frame.Frame) (*frame.Frame, bool, error) {
	partial, ok := sesh.fragments[f.StreamID]
	if !ok {
		if f.Follows() && (f.Type.IsRequest() || f.Type == frame.TypePayload) {
			sesh.fragments[f.StreamID] = f
			return f, false, nil
		}
		return f, true, nil
	}
	switch f.Type {
	case frame.TypePayload:
	case frame.TypeRequestN:
		// demand for the opposite direction, the element being reassembled is kept
		return f, true, nil
	case frame.TypeCancel, frame.TypeError:
		// abandon the element being reassembled
		delete(sesh.fragments, f.StreamID)
		return f, true, nil
	default:
		delete(sesh.fragments, f.StreamID)
		return f, false, newError(frame.ErrorCodeInvalid, "%v interrupts a fragmented element", f.Type)
	}
	if len(partial.Metadata)+len(partial.Data)+len(f.Metadata)+len(f.Data) > maxReassembledLength {
		delete(sesh.fragments, f.StreamID)
		return f, false, newError(frame.ErrorCodeInvalid, "fragmented element exceeds %v bytes", maxReassembledLength)
	}
	if f.HasMetadata() {
		partial.Flags |= frame.FlagMetadata
		partial.Metadata = append(partial.Metadata, f.Metadata...)
	}
	partial.Data = append(partial.Data, f.Data...)
	if f.Follows() {
		return f, false, nil
	}
	delete(sesh.fragments, f.StreamID)
	partial.Flags &^= frame.FlagFollows
	if partial.Type == frame.TypePayload {
		partial.Flags |= f.Flags & frame.FlagComplete
	}
	if partial.HasMetadata() && partial.Metadata == nil {
		partial.Metadata = []byte{}
	}
	return partial, true, nil
}
