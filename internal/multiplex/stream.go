package multiplex

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cbeuw/remoting/internal/frame"

	log "github.com/sirupsen/logrus"
)

var (
	errSinkDone        = errors.New("stream already completed in this direction")
	errZeroRequestN    = errors.New("request n must be positive")
	errCreditExhausted = newError(frame.ErrorCodeInvalid, "payload exceeds requested credit")
)

type StreamState int32

const (
	StateNone StreamState = iota
	StateActive
	StateTerminated
)

func (s StreamState) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateTerminated:
		return "TERMINATED"
	}
	return "NONE"
}

// addCredit adds n to demand, saturating at MaxRequestN which means unbounded
func addCredit(credit, n uint32) uint32 {
	if uint64(credit)+uint64(n) >= frame.MaxRequestN {
		return frame.MaxRequestN
	}
	return credit + n
}

func takeCredit(credit uint32) uint32 {
	if credit == frame.MaxRequestN {
		return credit
	}
	return credit - 1
}

// stream is one interaction. It is ACTIVE while it is in the session's stream table and
// TERMINATED once removed; terminated streams are never reactivated.
type stream struct {
	id   uint32
	sesh *Session
	kind frame.Type

	m       sync.Mutex
	state   StreamState
	inDone  bool
	outDone bool

	// held across a whole fragment chain so that REQUEST_N on the stream cannot split it
	sendM sync.Mutex

	// inbound elements, for REQUEST_STREAM requesters and both sides of REQUEST_CHANNEL
	flow *Flow
	// outbound elements, for REQUEST_STREAM responders and both sides of REQUEST_CHANNEL
	sink *Sink
	// the single result of a REQUEST_RESPONSE requester. Invoked at most once.
	response func(Payload, error)
	// cancels the responder's handler context
	cancelHandler context.CancelFunc
}

func makeStream(sesh *Session, id uint32, kind frame.Type) *stream {
	return &stream{
		id:    id,
		sesh:  sesh,
		kind:  kind,
		state: StateActive,
	}
}

// sendElement sends a request or payload frame, fragmenting it if needed
func (st *stream) sendElement(f *frame.Frame) error {
	st.sendM.Lock()
	defer st.sendM.Unlock()
	return st.sesh.sendStreamFrame(f)
}

func (st *stream) sendRequestN(n uint32) error {
	st.sendM.Lock()
	defer st.sendM.Unlock()
	return st.sesh.send(frame.NewRequestN(st.id, n))
}

func (st *stream) State() StreamState {
	st.m.Lock()
	defer st.m.Unlock()
	return st.state
}

func (st *stream) active() bool { return st.State() == StateActive }

// handleFrame processes a frame received for this stream on the session's read goroutine
func (st *stream) handleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypePayload:
		st.handlePayload(f)
	case frame.TypeRequestN:
		if st.sink == nil {
			log.Debugf("REQUEST_N for stream %v which has nothing to send", st.id)
			return
		}
		st.sink.addCredit(f.RequestN)
	case frame.TypeCancel:
		log.Tracef("stream %v canceled by peer", st.id)
		st.terminate(ErrCanceled)
	case frame.TypeError:
		st.terminate(errorFromFrame(f))
	default:
		log.Debugf("unexpected %v on stream %v", f, st.id)
	}
}

func (st *stream) handlePayload(f *frame.Frame) {
	p := payloadOf(f)
	st.m.Lock()
	response := st.response
	if response != nil {
		st.response = nil
		st.m.Unlock()
		if !f.IsNext() {
			p = Payload{}
		}
		response(p, nil)
		st.terminate(nil)
		return
	}
	inDone := st.inDone
	st.m.Unlock()

	if st.flow == nil || inDone {
		log.Debugf("stream %v received %v after its inbound side finished", st.id, f)
		st.fail(newError(frame.ErrorCodeInvalid, "unexpected PAYLOAD"))
		return
	}
	if f.IsNext() {
		if err := st.flow.push(p); err != nil {
			log.Debugf("stream %v: %v", st.id, err)
			st.fail(err)
			return
		}
	}
	if f.IsComplete() {
		st.flow.finish(nil, false)
		st.finishInbound()
	}
}

// finishInbound marks the inbound direction done and terminates the stream if both are
func (st *stream) finishInbound() {
	st.m.Lock()
	st.inDone = true
	both := st.outDone
	st.m.Unlock()
	if both {
		st.terminate(nil)
	}
}

func (st *stream) finishOutbound() {
	st.m.Lock()
	st.outDone = true
	both := st.inDone
	st.m.Unlock()
	if both {
		st.terminate(nil)
	}
}

func (st *stream) inboundDone() bool {
	st.m.Lock()
	defer st.m.Unlock()
	return st.inDone
}

// fail reports err to the peer in an ERROR frame and terminates the stream
func (st *stream) fail(err error) {
	if !st.active() {
		return
	}
	if sendErr := st.sesh.send(errorFrame(st.id, err)); sendErr != nil {
		log.Debugf("failed to send error on stream %v: %v", st.id, sendErr)
	}
	st.terminate(err)
}

// cancel sends CANCEL and terminates the stream
func (st *stream) cancel() {
	if !st.active() {
		return
	}
	if err := st.sesh.send(frame.NewCancel(st.id)); err != nil {
		log.Debugf("failed to send cancel on stream %v: %v", st.id, err)
	}
	st.terminate(ErrCanceled)
}

// terminate removes the stream from the session and releases everything waiting on it.
// err is nil when both directions completed normally.
func (st *stream) terminate(err error) bool {
	st.m.Lock()
	if st.state == StateTerminated {
		st.m.Unlock()
		return false
	}
	st.state = StateTerminated
	response := st.response
	st.response = nil
	st.m.Unlock()

	st.sesh.removeStream(st)
	canceled := errors.Is(err, ErrCanceled)
	if st.flow != nil {
		st.flow.finish(err, canceled)
	}
	if st.sink != nil {
		st.sink.close(err)
	}
	if st.cancelHandler != nil {
		st.cancelHandler()
	}
	if response != nil {
		if err == nil {
			err = newError(frame.ErrorCodeInvalid, "stream completed without a response")
		}
		response(Payload{}, err)
	}
	log.Tracef("stream %v terminated: %v", st.id, err)
	return true
}

func payloadOf(f *frame.Frame) Payload {
	p := Payload{Data: f.Data}
	if f.HasMetadata() {
		p.Metadata = f.Metadata
		if p.Metadata == nil {
			p.Metadata = []byte{}
		}
	}
	return p
}

// Flow receives the elements of a stream. Elements are only sent by the peer as far as demand
// has been signalled with Request.
type Flow struct {
	st *stream

	m      sync.Mutex
	queue  []Payload
	credit uint32
	done   bool
	err    error
	wake   chan struct{}
}

func makeFlow(st *stream, credit uint32) *Flow {
	return &Flow{st: st, credit: credit, wake: make(chan struct{}, 1)}
}

func (fl *Flow) signal() {
	select {
	case fl.wake <- struct{}{}:
	default:
	}
}

// Request signals demand for n more elements
func (fl *Flow) Request(n uint32) error {
	if n == 0 {
		return errZeroRequestN
	}
	fl.m.Lock()
	if fl.done {
		fl.m.Unlock()
		return nil
	}
	fl.credit = addCredit(fl.credit, n)
	fl.m.Unlock()
	return fl.st.sendRequestN(n)
}

// Next blocks until the next element arrives. It returns io.EOF once the peer has completed
// and every element has been consumed.
func (fl *Flow) Next(ctx context.Context) (Payload, error) {
	for {
		fl.m.Lock()
		if len(fl.queue) > 0 {
			p := fl.queue[0]
			fl.queue[0] = Payload{}
			fl.queue = fl.queue[1:]
			fl.m.Unlock()
			return p, nil
		}
		if fl.done {
			err := fl.err
			fl.m.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Payload{}, err
		}
		fl.m.Unlock()

		select {
		case <-fl.wake:
		case <-ctx.Done():
			return Payload{}, ctx.Err()
		}
	}
}

// Cancel stops the stream. Elements already buffered are dropped.
func (fl *Flow) Cancel() {
	fl.st.cancel()
}

// Outstanding is the demand signalled but not yet fulfilled
func (fl *Flow) Outstanding() uint32 {
	fl.m.Lock()
	defer fl.m.Unlock()
	return fl.credit
}

func (fl *Flow) Buffered() int {
	fl.m.Lock()
	defer fl.m.Unlock()
	return len(fl.queue)
}

func (fl *Flow) push(p Payload) error {
	fl.m.Lock()
	defer fl.m.Unlock()
	if fl.done {
		return nil
	}
	if fl.credit == 0 {
		return errCreditExhausted
	}
	fl.credit = takeCredit(fl.credit)
	fl.queue = append(fl.queue, p)
	fl.signal()
	return nil
}

func (fl *Flow) finish(err error, drop bool) {
	fl.m.Lock()
	if !fl.done {
		fl.done = true
		fl.err = err
	}
	if drop {
		fl.queue = nil
	}
	fl.signal()
	fl.m.Unlock()
}

// Sink emits the elements of a stream within the demand granted by the peer.
// Send, Complete and Error must not be called concurrently.
type Sink struct {
	st *stream

	m      sync.Mutex
	credit uint32
	done   bool
	err    error
	wake   chan struct{}
}

func makeSink(st *stream, credit uint32) *Sink {
	return &Sink{st: st, credit: credit, wake: make(chan struct{}, 1)}
}

// Send blocks until the peer has granted demand, then sends p
func (sk *Sink) Send(ctx context.Context, p Payload) error {
	for {
		sk.m.Lock()
		if sk.done {
			err := sk.err
			sk.m.Unlock()
			if err == nil {
				err = errSinkDone
			}
			return err
		}
		if sk.credit > 0 {
			sk.credit = takeCredit(sk.credit)
			err := sk.st.sendElement(frame.NewPayload(sk.st.id, p.Metadata, p.Data, frame.FlagNext))
			sk.m.Unlock()
			return err
		}
		sk.m.Unlock()

		select {
		case <-sk.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Complete ends the outbound direction
func (sk *Sink) Complete() error {
	sk.m.Lock()
	if sk.done {
		sk.m.Unlock()
		return errSinkDone
	}
	sk.done = true
	err := sk.st.sesh.send(frame.NewPayload(sk.st.id, nil, nil, frame.FlagComplete))
	sk.m.Unlock()
	sk.st.finishOutbound()
	return err
}

// Error terminates the whole stream with err
func (sk *Sink) Error(err error) error {
	sk.m.Lock()
	if sk.done {
		sk.m.Unlock()
		return errSinkDone
	}
	sk.done = true
	sk.err = err
	sk.m.Unlock()
	sk.st.fail(err)
	return nil
}

// Credit is the demand the peer has granted and not yet consumed
func (sk *Sink) Credit() uint32 {
	sk.m.Lock()
	defer sk.m.Unlock()
	return sk.credit
}

// finish completes or errors the sink on behalf of a handler that returned, unless it already did
func (sk *Sink) finish(err error) {
	sk.m.Lock()
	done := sk.done
	sk.m.Unlock()
	if done {
		return
	}
	if err != nil {
		_ = sk.Error(err)
		return
	}
	_ = sk.Complete()
}

func (sk *Sink) addCredit(n uint32) {
	sk.m.Lock()
	sk.credit = addCredit(sk.credit, n)
	select {
	case sk.wake <- struct{}{}:
	default:
	}
	sk.m.Unlock()
}

func (sk *Sink) close(err error) {
	sk.m.Lock()
	if !sk.done {
		sk.done = true
		sk.err = err
	}
	select {
	case sk.wake <- struct{}{}:
	default:
	}
	sk.m.Unlock()
}

// Channel is the requester's end of a REQUEST_CHANNEL, with independent demand each way
type Channel struct {
	In  *Flow
	Out *Sink
}

func (c *Channel) Cancel() { c.In.Cancel() }
