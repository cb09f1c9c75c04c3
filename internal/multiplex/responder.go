package multiplex

import (
	"context"

	"github.com/cbeuw/remoting/internal/frame"

	log "github.com/sirupsen/logrus"
)

// Handler serves requests opened by the peer. Each request runs on its own goroutine with a
// context that is canceled when the peer cancels the stream or the session terminates.
type Handler interface {
	FireAndForget(ctx context.Context, p Payload)
	RequestResponse(ctx context.Context, p Payload) (Payload, error)
	// RequestStream emits elements to out. The stream completes when it returns nil and errors
	// when it returns an error, unless it already did either through out.
	RequestStream(ctx context.Context, p Payload, out *Sink) error
	// RequestChannel receives the requester's first element as p and the rest through in
	RequestChannel(ctx context.Context, p Payload, in *Flow, out *Sink) error
	MetadataPush(ctx context.Context, metadata []byte)
}

var errNotImplemented = newError(frame.ErrorCodeRejected, "interaction not supported")

// HandlerFuncs implements Handler with optional funcs. Requests for a nil func are rejected.
type HandlerFuncs struct {
	FireAndForgetFunc   func(ctx context.Context, p Payload)
	RequestResponseFunc func(ctx context.Context, p Payload) (Payload, error)
	RequestStreamFunc   func(ctx context.Context, p Payload, out *Sink) error
	RequestChannelFunc  func(ctx context.Context, p Payload, in *Flow, out *Sink) error
	MetadataPushFunc    func(ctx context.Context, metadata []byte)
}

func (h HandlerFuncs) FireAndForget(ctx context.Context, p Payload) {
	if h.FireAndForgetFunc != nil {
		h.FireAndForgetFunc(ctx, p)
	}
}

func (h HandlerFuncs) RequestResponse(ctx context.Context, p Payload) (Payload, error) {
	if h.RequestResponseFunc == nil {
		return Payload{}, errNotImplemented
	}
	return h.RequestResponseFunc(ctx, p)
}

func (h HandlerFuncs) RequestStream(ctx context.Context, p Payload, out *Sink) error {
	if h.RequestStreamFunc == nil {
		return errNotImplemented
	}
	return h.RequestStreamFunc(ctx, p, out)
}

func (h HandlerFuncs) RequestChannel(ctx context.Context, p Payload, in *Flow, out *Sink) error {
	if h.RequestChannelFunc == nil {
		return errNotImplemented
	}
	return h.RequestChannelFunc(ctx, p, in, out)
}

func (h HandlerFuncs) MetadataPush(ctx context.Context, metadata []byte) {
	if h.MetadataPushFunc != nil {
		h.MetadataPushFunc(ctx, metadata)
	}
}

// accept opens the responder side of a request received on a new stream id
func (sesh *Session) accept(f *frame.Frame) {
	if sesh.issued != nil {
		if err := sesh.issued.TryUse(); err != nil {
			log.Debugf("session %v rejecting %v: %v", sesh.id, f, err)
			if f.Type != frame.TypeRequestFNF {
				_ = sesh.send(frame.NewError(f.StreamID, frame.ErrorCodeRejected, err.Error()))
			}
			return
		}
	}

	p := payloadOf(f)
	if f.Type == frame.TypeRequestFNF {
		go sesh.handler.FireAndForget(sesh.ctx, p)
		return
	}

	ctx, cancel := context.WithCancel(sesh.ctx)
	st := makeStream(sesh, f.StreamID, f.Type)
	st.cancelHandler = cancel
	switch f.Type {
	case frame.TypeRequestResp:
		st.inDone = true
	case frame.TypeRequestStream:
		st.inDone = true
		st.sink = makeSink(st, f.RequestN)
	case frame.TypeRequestChannel:
		st.flow = makeFlow(st, 0)
		st.sink = makeSink(st, f.RequestN)
		if f.IsComplete() {
			st.inDone = true
			st.flow.finish(nil, false)
		}
	}

	sesh.streamsM.Lock()
	if sesh.IsClosed() {
		sesh.streamsM.Unlock()
		cancel()
		return
	}
	sesh.streams[f.StreamID] = st
	sesh.streamsM.Unlock()
	log.Tracef("session %v accepted %v", sesh.id, f)

	switch f.Type {
	case frame.TypeRequestResp:
		go sesh.serveRequestResponse(ctx, st, p)
	case frame.TypeRequestStream:
		go func() {
			err := sesh.handler.RequestStream(ctx, p, st.sink)
			st.sink.finish(err)
		}()
	case frame.TypeRequestChannel:
		go func() {
			err := sesh.handler.RequestChannel(ctx, p, st.flow, st.sink)
			st.sink.finish(err)
			// nobody is left to consume what the requester still sends
			if st.active() && !st.inboundDone() {
				st.cancel()
			}
		}()
	}
}

func (sesh *Session) serveRequestResponse(ctx context.Context, st *stream, p Payload) {
	resp, err := sesh.handler.RequestResponse(ctx, p)
	if !st.active() {
		log.Tracef("dropping response for terminated stream %v", st.id)
		return
	}
	if err != nil {
		st.fail(err)
		return
	}
	// the id is released before the response goes out so that the peer may reuse it straight away
	st.terminate(nil)
	if err := st.sendElement(frame.NewPayload(st.id, resp.Metadata, resp.Data, frame.FlagNext|frame.FlagComplete)); err != nil {
		log.Debugf("failed to respond on stream %v: %v", st.id, err)
	}
}
