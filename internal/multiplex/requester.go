package multiplex

import (
	"context"

	"github.com/cbeuw/remoting/internal/frame"
)

// acquireLease consumes one request from the lease granted by the peer, if lease was negotiated
func (sesh *Session) acquireLease(ctx context.Context) error {
	if sesh.leases == nil {
		return nil
	}
	if err := sesh.leases.Acquire(ctx); err != nil {
		return &Error{Code: frame.ErrorCodeRejected, Message: err.Error()}
	}
	return nil
}

func (sesh *Session) checkOpen() error {
	if sesh.IsClosed() {
		return sesh.TerminalErr()
	}
	return nil
}

// FireAndForget sends a request that gets no response. No stream is kept for it.
func (sesh *Session) FireAndForget(ctx context.Context, p Payload) error {
	if err := sesh.checkOpen(); err != nil {
		return err
	}
	if err := sesh.acquireLease(ctx); err != nil {
		return err
	}
	sesh.streamsM.Lock()
	id, err := sesh.ids.allocate(sesh.idInUse)
	sesh.streamsM.Unlock()
	if err != nil {
		sesh.fail(err)
		return err
	}
	return sesh.sendStreamFrame(frame.NewRequest(frame.TypeRequestFNF, id, p.Metadata, p.Data, 0))
}

// RequestResponse sends a request and waits for its single response. If ctx is done first the
// request is canceled.
func (sesh *Session) RequestResponse(ctx context.Context, p Payload) (Payload, error) {
	type result struct {
		p   Payload
		err error
	}
	ch := make(chan result, 1)
	cancel, err := sesh.RequestResponseAsync(ctx, p, func(p Payload, err error) {
		ch <- result{p, err}
	})
	if err != nil {
		return Payload{}, err
	}
	select {
	case r := <-ch:
		return r.p, r.err
	case <-ctx.Done():
		cancel()
		return Payload{}, ctx.Err()
	}
}

// RequestResponseAsync sends a request and invokes cb exactly once with the response or the
// error that ended the stream. Errors that prevent the request from being sent are returned
// instead and cb is never invoked. cb runs on the session's read goroutine and must not block.
// The returned func cancels the request.
func (sesh *Session) RequestResponseAsync(ctx context.Context, p Payload, cb func(Payload, error)) (func(), error) {
	if err := sesh.checkOpen(); err != nil {
		return nil, err
	}
	if err := sesh.acquireLease(ctx); err != nil {
		return nil, err
	}
	st, err := sesh.newLocalStream(frame.TypeRequestResp, func(st *stream) {
		st.outDone = true
		st.response = cb
	})
	if err != nil {
		return nil, err
	}
	if err := st.sendElement(frame.NewRequest(frame.TypeRequestResp, st.id, p.Metadata, p.Data, 0)); err != nil {
		st.m.Lock()
		st.response = nil
		st.m.Unlock()
		st.terminate(err)
		return nil, err
	}
	return st.cancel, nil
}

// RequestStream requests a stream of elements with an initial demand of initialN
func (sesh *Session) RequestStream(ctx context.Context, p Payload, initialN uint32) (*Flow, error) {
	if initialN == 0 {
		return nil, errZeroRequestN
	}
	if err := sesh.checkOpen(); err != nil {
		return nil, err
	}
	if err := sesh.acquireLease(ctx); err != nil {
		return nil, err
	}
	st, err := sesh.newLocalStream(frame.TypeRequestStream, func(st *stream) {
		st.outDone = true
		st.flow = makeFlow(st, initialN)
	})
	if err != nil {
		return nil, err
	}
	if err := st.sendElement(frame.NewRequest(frame.TypeRequestStream, st.id, p.Metadata, p.Data, initialN)); err != nil {
		st.terminate(err)
		return nil, err
	}
	return st.flow, nil
}

// RequestChannel opens a bidirectional stream. p is the first element sent to the responder,
// which must grant demand before Out can send more.
func (sesh *Session) RequestChannel(ctx context.Context, p Payload, initialN uint32) (*Channel, error) {
	if initialN == 0 {
		return nil, errZeroRequestN
	}
	if err := sesh.checkOpen(); err != nil {
		return nil, err
	}
	if err := sesh.acquireLease(ctx); err != nil {
		return nil, err
	}
	st, err := sesh.newLocalStream(frame.TypeRequestChannel, func(st *stream) {
		st.flow = makeFlow(st, initialN)
		st.sink = makeSink(st, 0)
	})
	if err != nil {
		return nil, err
	}
	if err := st.sendElement(frame.NewRequest(frame.TypeRequestChannel, st.id, p.Metadata, p.Data, initialN)); err != nil {
		st.terminate(err)
		return nil, err
	}
	return &Channel{In: st.flow, Out: st.sink}, nil
}

// MetadataPush sends connection-scoped metadata to the peer's handler
func (sesh *Session) MetadataPush(md []byte) error {
	if err := sesh.checkOpen(); err != nil {
		return err
	}
	if md == nil {
		md = []byte{}
	}
	return sesh.send(frame.NewMetadataPush(md))
}
