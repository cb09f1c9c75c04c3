package resume

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ErrOverflowed       = errors.New("resume buffer overflowed, unacknowledged frames were not retained")
	ErrPositionMismatch = errors.New("resume positions cannot be reconciled")
)

// Buffer tracks one session's resume positions. Positions count resumable frames starting at 1:
// the sent position is that of the last frame appended, the implied position is the number of
// resumable frames received.
//
// Frames are retained until acknowledged. If more than MaxBytes are outstanding the buffer
// stops being resumable, but it never drops a frame the peer has not acknowledged.
type Buffer struct {
	token    []byte
	store    FrameStore
	maxBytes int

	m              sync.Mutex
	sent           uint64
	firstAvailable uint64
	implied        uint64
	retained       int
	overflowed     bool
}

func NewBuffer(token []byte, store FrameStore, maxBytes int) *Buffer {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Buffer{
		token:          token,
		store:          store,
		maxBytes:       maxBytes,
		firstAvailable: 1,
	}
}

// Append retains an encoded frame and returns its position
func (b *Buffer) Append(data []byte) (uint64, error) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.overflowed {
		// positions still advance so that the peer's counters stay meaningful
		b.sent++
		return b.sent, nil
	}
	pos := b.sent + 1
	if err := b.store.Append(b.token, pos, data); err != nil {
		return 0, err
	}
	b.sent = pos
	b.retained += len(data)
	if b.maxBytes > 0 && b.retained > b.maxBytes {
		log.Warnf("session %v has %v unacknowledged bytes, exceeding %v; it can no longer be resumed",
			Fingerprint(b.token), b.retained, b.maxBytes)
		b.overflowed = true
	}
	return pos, nil
}

// Ack releases every frame at or below pos
func (b *Buffer) Ack(pos uint64) error {
	b.m.Lock()
	defer b.m.Unlock()
	if pos > b.sent {
		return fmt.Errorf("%w: peer acknowledged %v but only %v were sent", ErrPositionMismatch, pos, b.sent)
	}
	if pos < b.firstAvailable {
		return nil
	}
	freed, err := b.store.Trim(b.token, pos)
	if err != nil {
		return err
	}
	b.retained -= freed
	b.firstAvailable = pos + 1
	return nil
}

// CheckResume verifies that a peer which last received remotePos can be brought up to date
func (b *Buffer) CheckResume(remotePos uint64) error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.overflowed {
		return ErrOverflowed
	}
	if remotePos > b.sent {
		return fmt.Errorf("%w: peer received %v but only %v were sent", ErrPositionMismatch, remotePos, b.sent)
	}
	if remotePos+1 < b.firstAvailable {
		return fmt.Errorf("%w: peer needs frames after %v but %v is the first retained", ErrPositionMismatch, remotePos, b.firstAvailable)
	}
	return nil
}

// CheckRemoteAvailable verifies that the peer still retains every frame after our implied position
func (b *Buffer) CheckRemoteAvailable(remoteFirstAvailable uint64) error {
	b.m.Lock()
	defer b.m.Unlock()
	if remoteFirstAvailable > b.implied+1 {
		return fmt.Errorf("%w: received %v but peer's first retained frame is %v", ErrPositionMismatch, b.implied, remoteFirstAvailable)
	}
	return nil
}

// Replay calls fn with every retained frame after pos, in order
func (b *Buffer) Replay(pos uint64, fn func(pos uint64, data []byte) error) error {
	return b.store.Range(b.token, pos, fn)
}

// Received counts one inbound resumable frame and returns the new implied position
func (b *Buffer) Received() uint64 {
	b.m.Lock()
	defer b.m.Unlock()
	b.implied++
	return b.implied
}

func (b *Buffer) ImpliedPosition() uint64 {
	b.m.Lock()
	defer b.m.Unlock()
	return b.implied
}

func (b *Buffer) SentPosition() uint64 {
	b.m.Lock()
	defer b.m.Unlock()
	return b.sent
}

func (b *Buffer) FirstAvailable() uint64 {
	b.m.Lock()
	defer b.m.Unlock()
	return b.firstAvailable
}

func (b *Buffer) RetainedBytes() int {
	b.m.Lock()
	defer b.m.Unlock()
	return b.retained
}

func (b *Buffer) Overflowed() bool {
	b.m.Lock()
	defer b.m.Unlock()
	return b.overflowed
}

func (b *Buffer) Token() []byte { return b.token }

// Discard drops everything retained for the session
func (b *Buffer) Discard() error {
	return b.store.Delete(b.token)
}
