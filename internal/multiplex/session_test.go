package multiplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/cbeuw/remoting/internal/frame"
	"github.com/cbeuw/remoting/internal/lease"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func makeConnPair() (*transport.Conn, *transport.Conn) {
	c, s := connutil.AsyncPipe()
	return transport.NewStreamConn(c, nil), transport.NewStreamConn(s, nil)
}

// makeSessionPair connects a client session to a server session served by handler
func makeSessionPair(t *testing.T, ccfg ClientConfig, scfg ServerConfig, handler Handler) (*Session, *Session) {
	serverSeshes := make(chan *Session, 1)
	acceptor := NewAcceptor(scfg, func(_ SetupInfo, sesh *Session) (Handler, error) {
		serverSeshes <- sesh
		return handler, nil
	})
	c, s := makeConnPair()
	go acceptor.ServeConn(s)

	client, err := Connect(testCtx(t), c, ccfg)
	require.NoError(t, err)
	var server *Session
	select {
	case server = <-serverSeshes:
	case <-time.After(testTimeout):
		t.Fatal("server session not established")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// receiveType reads frames from a raw peer until one of type t arrives
func receiveType(t *testing.T, conn *transport.Conn, typ frame.Type) *frame.Frame {
	for {
		f, err := conn.Receive()
		require.NoError(t, err)
		if f.Type == typ {
			return f
		}
	}
}

func echoHandler() HandlerFuncs {
	return HandlerFuncs{
		RequestResponseFunc: func(_ context.Context, p Payload) (Payload, error) {
			if string(p.Data) == "ping" {
				return NewPayload([]byte("pong")), nil
			}
			return p, nil
		},
	}
}

func TestRequestResponse(t *testing.T) {
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, echoHandler())

	resp, err := client.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Data))
	assert.Nil(t, resp.Metadata)

	resp, err = client.RequestResponse(testCtx(t), NewPayload([]byte("data")).WithMetadata([]byte("md")))
	require.NoError(t, err)
	assert.Equal(t, "md", string(resp.Metadata))

	assert.Eventually(t, func() bool {
		return client.ActiveStreams() == 0 && server.ActiveStreams() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateNone, client.StreamState(1))
}

func TestRequestResponse_ServerToClient(t *testing.T) {
	ccfg := ClientConfig{Handler: echoHandler()}
	_, server := makeSessionPair(t, ccfg, ServerConfig{}, nil)

	resp, err := server.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Data))
}

func TestRequestResponse_ApplicationError(t *testing.T) {
	handler := HandlerFuncs{
		RequestResponseFunc: func(context.Context, Payload) (Payload, error) {
			return Payload{}, errors.New("boom")
		},
	}
	client, _ := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	_, err := client.RequestResponse(testCtx(t), NewPayload(nil))
	assert.True(t, errors.Is(err, ErrApplication))
	assert.Contains(t, err.Error(), "boom")

	// interactions without a handler func are rejected
	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)
	_, err = flow.Next(testCtx(t))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestRequestResponseAsync_CallbackOnce(t *testing.T) {
	release := make(chan struct{})
	handler := HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, p Payload) (Payload, error) {
			<-release
			return p, nil
		},
	}
	client, _ := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	var calls int32
	results := make(chan error, 2)
	cancel, err := client.RequestResponseAsync(testCtx(t), NewPayload(nil), func(_ Payload, err error) {
		atomic.AddInt32(&calls, 1)
		results <- err
	})
	require.NoError(t, err)
	cancel()
	cancel()
	close(release)

	select {
	case err := <-results:
		assert.True(t, errors.Is(err, ErrCanceled))
	case <-time.After(testTimeout):
		t.Fatal("callback not invoked")
	}
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFireAndForget(t *testing.T) {
	received := make(chan string, 1)
	handler := HandlerFuncs{
		FireAndForgetFunc: func(_ context.Context, p Payload) {
			received <- string(p.Data)
		},
	}
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	require.NoError(t, client.FireAndForget(testCtx(t), NewPayload([]byte("hello"))))
	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(testTimeout):
		t.Fatal("fire and forget not delivered")
	}
	assert.Equal(t, 0, client.ActiveStreams())
	assert.Equal(t, 0, server.ActiveStreams())
}

func TestMetadataPush(t *testing.T) {
	received := make(chan []byte, 1)
	handler := HandlerFuncs{
		MetadataPushFunc: func(_ context.Context, md []byte) { received <- md },
	}
	client, _ := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	require.NoError(t, client.MetadataPush([]byte("routing")))
	select {
	case got := <-received:
		assert.Equal(t, "routing", string(got))
	case <-time.After(testTimeout):
		t.Fatal("metadata push not delivered")
	}
}

func TestRequestStream(t *testing.T) {
	const total = 10
	handler := HandlerFuncs{
		RequestStreamFunc: func(ctx context.Context, p Payload, out *Sink) error {
			for i := 0; i < total; i++ {
				if err := out.Send(ctx, NewPayload([]byte{byte(i)})); err != nil {
					return err
				}
			}
			return nil
		},
	}
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 3)
	require.NoError(t, err)
	for i := 0; i < total; i++ {
		p, err := flow.Next(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, byte(i), p.Data[0])
		require.NoError(t, flow.Request(1))
	}
	_, err = flow.Next(testCtx(t))
	assert.Equal(t, io.EOF, err)

	assert.Eventually(t, func() bool {
		return client.ActiveStreams() == 0 && server.ActiveStreams() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRequestStream_RespectsDemand(t *testing.T) {
	sinks := make(chan *Sink, 1)
	handler := HandlerFuncs{
		RequestStreamFunc: func(ctx context.Context, p Payload, out *Sink) error {
			sinks <- out
			for {
				if err := out.Send(ctx, NewPayload(nil)); err != nil {
					return err
				}
			}
		},
	}
	client, _ := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 2)
	require.NoError(t, err)
	sink := <-sinks
	assert.Eventually(t, func() bool { return flow.Buffered() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, flow.Buffered())
	assert.EqualValues(t, 0, sink.Credit())
	assert.EqualValues(t, 0, flow.Outstanding())

	flow.Cancel()
	_, err = flow.Next(testCtx(t))
	assert.True(t, errors.Is(err, ErrCanceled))
}

func TestRequestStream_CancelReachesHandler(t *testing.T) {
	canceled := make(chan struct{})
	handler := HandlerFuncs{
		RequestStreamFunc: func(ctx context.Context, p Payload, out *Sink) error {
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	}
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return server.ActiveStreams() == 1 }, time.Second, time.Millisecond)
	flow.Cancel()

	select {
	case <-canceled:
	case <-time.After(testTimeout):
		t.Fatal("handler context not canceled")
	}
	assert.Eventually(t, func() bool { return server.ActiveStreams() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, client.ActiveStreams())
}

func TestRequestChannel(t *testing.T) {
	handler := HandlerFuncs{
		RequestChannelFunc: func(ctx context.Context, first Payload, in *Flow, out *Sink) error {
			if err := out.Send(ctx, first); err != nil {
				return err
			}
			if err := in.Request(frame.MaxRequestN); err != nil {
				return err
			}
			for {
				p, err := in.Next(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if err := out.Send(ctx, p); err != nil {
					return err
				}
			}
		},
	}
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	ch, err := client.RequestChannel(testCtx(t), NewPayload([]byte("0")), frame.MaxRequestN)
	require.NoError(t, err)
	for i := 1; i < 5; i++ {
		require.NoError(t, ch.Out.Send(testCtx(t), NewPayload([]byte(fmt.Sprint(i)))))
	}
	require.NoError(t, ch.Out.Complete())

	for i := 0; i < 5; i++ {
		p, err := ch.In.Next(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(p.Data))
	}
	_, err = ch.In.Next(testCtx(t))
	assert.Equal(t, io.EOF, err)

	assert.Eventually(t, func() bool {
		return client.ActiveStreams() == 0 && server.ActiveStreams() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFragmentedRequestResponse(t *testing.T) {
	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i)
	}
	ccfg := ClientConfig{SessionConfig: SessionConfig{FragmentSize: 256}}
	scfg := ServerConfig{SessionConfig: SessionConfig{FragmentSize: 512}}
	client, _ := makeSessionPair(t, ccfg, scfg, echoHandler())

	resp, err := client.RequestResponse(testCtx(t), NewPayload(big).WithMetadata(big[:1000]))
	require.NoError(t, err)
	assert.Equal(t, big, resp.Data)
	assert.Equal(t, big[:1000], resp.Metadata)
}

func TestRequestChannel_RequestNBetweenFragments(t *testing.T) {
	c, s := makeConnPair()
	got := make(chan string, 1)
	acceptor := NewAcceptor(ServerConfig{}, func(SetupInfo, *Session) (Handler, error) {
		return HandlerFuncs{
			RequestChannelFunc: func(ctx context.Context, _ Payload, in *Flow, _ *Sink) error {
				if err := in.Request(1); err != nil {
					return err
				}
				p, err := in.Next(ctx)
				if err != nil {
					return err
				}
				got <- string(p.Data)
				return nil
			},
		}, nil
	})
	defer acceptor.Close()
	go acceptor.ServeConn(s)
	defer c.Close()

	setup := setupFrame(SetupInfo{Version: frame.DefaultVersion, KeepaliveInterval: time.Minute, MaxLifetime: time.Minute})
	require.NoError(t, c.SendFrame(setup))
	require.NoError(t, c.SendFrame(frame.NewRequest(frame.TypeRequestChannel, 1, nil, []byte("first"), 1)))
	receiveType(t, c, frame.TypeRequestN)

	require.NoError(t, c.SendFrame(frame.NewPayload(1, nil, []byte("AAAA"), frame.FlagNext|frame.FlagFollows)))
	require.NoError(t, c.SendFrame(frame.NewRequestN(1, 3)))
	require.NoError(t, c.SendFrame(frame.NewPayload(1, nil, []byte("BBBB"), frame.FlagNext)))

	select {
	case data := <-got:
		assert.Equal(t, "AAAABBBB", data)
	case <-time.After(testTimeout):
		t.Fatal("element not delivered")
	}
}

func TestRequestChannel_FragmentsWithConcurrentDemand(t *testing.T) {
	const elements = 20
	handler := HandlerFuncs{
		RequestChannelFunc: func(ctx context.Context, _ Payload, in *Flow, out *Sink) error {
			if err := in.Request(frame.MaxRequestN); err != nil {
				return err
			}
			for {
				p, err := in.Next(ctx)
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				for _, b := range p.Data {
					if b != p.Data[0] {
						return fmt.Errorf("element %v corrupted", p.Data[0])
					}
				}
				if err := out.Send(ctx, NewPayload([]byte(fmt.Sprint(len(p.Data))))); err != nil {
					return err
				}
			}
		},
	}
	ccfg := ClientConfig{SessionConfig: SessionConfig{FragmentSize: 128}}
	client, _ := makeSessionPair(t, ccfg, ServerConfig{}, handler)

	ch, err := client.RequestChannel(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)

	ctx := testCtx(t)
	replies := make(chan error, 1)
	go func() {
		for i := 0; i < elements; i++ {
			p, err := ch.In.Next(ctx)
			if err != nil {
				replies <- err
				return
			}
			if string(p.Data) != "2000" {
				replies <- fmt.Errorf("reply %v was %q", i, p.Data)
				return
			}
			// demand goes out while the next element is being fragmented
			if err := ch.In.Request(1); err != nil {
				replies <- err
				return
			}
		}
		replies <- nil
	}()

	for i := 0; i < elements; i++ {
		data := make([]byte, 2000)
		for j := range data {
			data[j] = byte(i + 1)
		}
		require.NoError(t, ch.Out.Send(ctx, NewPayload(data)))
	}
	select {
	case err := <-replies:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("replies not received")
	}
	require.NoError(t, ch.Out.Complete())
}

func TestLease_ZeroAllowanceRejects(t *testing.T) {
	var served int32
	handler := HandlerFuncs{
		FireAndForgetFunc: func(context.Context, Payload) { atomic.AddInt32(&served, 1) },
	}
	ccfg := ClientConfig{Lease: true}
	scfg := ServerConfig{SessionConfig: SessionConfig{
		LeaseSender: lease.FixedSender{TTL: 5 * time.Second, Allowed: 0},
	}}
	client, _ := makeSessionPair(t, ccfg, scfg, handler)

	assert.Eventually(t, func() bool {
		_, valid := client.Lease()
		return valid
	}, time.Second, time.Millisecond)

	err := client.FireAndForget(testCtx(t), NewPayload(nil))
	assert.True(t, errors.Is(err, ErrRejected))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&served))
}

func TestLease_Exhaustion(t *testing.T) {
	ccfg := ClientConfig{Lease: true}
	scfg := ServerConfig{SessionConfig: SessionConfig{
		LeaseSender: lease.FixedSender{TTL: time.Minute, Allowed: 2},
	}}
	client, _ := makeSessionPair(t, ccfg, scfg, echoHandler())

	assert.Eventually(t, func() bool {
		n, _ := client.Lease()
		return n == 2
	}, time.Second, time.Millisecond)
	for i := 0; i < 2; i++ {
		_, err := client.RequestResponse(testCtx(t), NewPayload(nil))
		require.NoError(t, err)
	}
	_, err := client.RequestResponse(testCtx(t), NewPayload(nil))
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestLease_ResponderEnforces(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{}, func(SetupInfo, *Session) (Handler, error) {
		return echoHandler(), nil
	})
	go acceptor.ServeConn(s)
	defer acceptor.Close()
	defer c.Close()

	// a client that ignores lease: the server issued none, so the request is rejected
	setup := setupFrame(SetupInfo{Version: frame.DefaultVersion, KeepaliveInterval: time.Minute, MaxLifetime: time.Minute, Lease: true})
	require.NoError(t, c.SendFrame(setup))
	require.NoError(t, c.SendFrame(frame.NewRequest(frame.TypeRequestResp, 1, nil, []byte("ping"), 0)))
	f := receiveType(t, c, frame.TypeError)
	assert.EqualValues(t, 1, f.StreamID)
	assert.Equal(t, frame.ErrorCodeRejected, f.ErrorCode)
}

func TestCreditViolation(t *testing.T) {
	c, peer := makeConnPair()
	defer peer.Close()
	client, err := Connect(testCtx(t), c, ClientConfig{})
	require.NoError(t, err)
	defer client.Close()
	receiveType(t, peer, frame.TypeSetup)

	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)
	req := receiveType(t, peer, frame.TypeRequestStream)
	assert.EqualValues(t, 1, req.RequestN)

	require.NoError(t, peer.SendFrame(frame.NewPayload(req.StreamID, nil, []byte("1"), frame.FlagNext)))
	require.NoError(t, peer.SendFrame(frame.NewPayload(req.StreamID, nil, []byte("2"), frame.FlagNext)))

	errFrame := receiveType(t, peer, frame.TypeError)
	assert.Equal(t, req.StreamID, errFrame.StreamID)
	assert.Equal(t, frame.ErrorCodeInvalid, errFrame.ErrorCode)

	p, err := flow.Next(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "1", string(p.Data))
	_, err = flow.Next(testCtx(t))
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.False(t, client.IsClosed(), "a stream error must not close the session")
}

func TestDuplicateRequestIsConnectionError(t *testing.T) {
	c, s := makeConnPair()
	block := make(chan struct{})
	defer close(block)
	acceptor := NewAcceptor(ServerConfig{}, func(SetupInfo, *Session) (Handler, error) {
		return HandlerFuncs{
			RequestResponseFunc: func(context.Context, Payload) (Payload, error) {
				<-block
				return Payload{}, nil
			},
		}, nil
	})
	go acceptor.ServeConn(s)
	defer c.Close()

	setup := setupFrame(SetupInfo{Version: frame.DefaultVersion, KeepaliveInterval: time.Minute, MaxLifetime: time.Minute})
	require.NoError(t, c.SendFrame(setup))
	require.NoError(t, c.SendFrame(frame.NewRequest(frame.TypeRequestResp, 1, nil, nil, 0)))
	require.NoError(t, c.SendFrame(frame.NewRequest(frame.TypeRequestResp, 1, nil, nil, 0)))
	f := receiveType(t, c, frame.TypeError)
	assert.EqualValues(t, 0, f.StreamID)
	assert.Equal(t, frame.ErrorCodeConnectionError, f.ErrorCode)
}

func TestSetup_Rejected(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{}, func(SetupInfo, *Session) (Handler, error) {
		return nil, errors.New("go away")
	})
	go acceptor.ServeConn(s)

	client, err := Connect(testCtx(t), c, ClientConfig{})
	require.NoError(t, err)
	select {
	case <-client.Done():
	case <-time.After(testTimeout):
		t.Fatal("client session not terminated")
	}
	assert.True(t, errors.Is(client.TerminalErr(), ErrRejectedSetup))
	_, err = client.RequestResponse(testCtx(t), NewPayload(nil))
	assert.True(t, errors.Is(err, ErrRejectedSetup))
}

func TestSetup_UnsupportedVersion(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{}, nil)
	go acceptor.ServeConn(s)
	defer c.Close()

	setup := setupFrame(SetupInfo{Version: frame.Version{Major: 2}, KeepaliveInterval: time.Minute, MaxLifetime: time.Minute})
	require.NoError(t, c.SendFrame(setup))
	f := receiveType(t, c, frame.TypeError)
	assert.Equal(t, frame.ErrorCodeUnsupportedSetup, f.ErrorCode)
}

func TestSetup_FirstFrameMustBeSetup(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{}, nil)
	go acceptor.ServeConn(s)
	defer c.Close()

	require.NoError(t, c.SendFrame(frame.NewRequest(frame.TypeRequestResp, 1, nil, nil, 0)))
	f := receiveType(t, c, frame.TypeError)
	assert.Equal(t, frame.ErrorCodeInvalidSetup, f.ErrorCode)
}

func TestClose_FailsPending(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, p Payload) (Payload, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return p, nil
		},
	}
	client, server := makeSessionPair(t, ClientConfig{}, ServerConfig{}, handler)

	errs := make(chan error, 1)
	go func() {
		_, err := client.RequestResponse(context.Background(), NewPayload(nil))
		errs <- err
	}()
	assert.Eventually(t, func() bool { return server.ActiveStreams() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case err := <-errs:
		assert.Equal(t, ErrSessionClosed, err)
	case <-time.After(testTimeout):
		t.Fatal("pending request not failed")
	}
	select {
	case <-server.Done():
	case <-time.After(testTimeout):
		t.Fatal("server session not terminated")
	}
	assert.True(t, errors.Is(server.TerminalErr(), ErrConnectionClose))
	assert.Equal(t, 0, server.ActiveStreams())

	_, err := client.RequestResponse(testCtx(t), NewPayload(nil))
	assert.Equal(t, ErrSessionClosed, err)
}

func TestStreamIDExhaustionFailsSession(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	handler := HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, p Payload) (Payload, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return p, nil
		},
	}
	ccfg := ClientConfig{SessionConfig: SessionConfig{MaxStreamID: 3}}
	client, _ := makeSessionPair(t, ccfg, ServerConfig{}, handler)

	for i := 0; i < 2; i++ {
		_, err := client.RequestResponseAsync(testCtx(t), NewPayload(nil), func(Payload, error) {})
		require.NoError(t, err)
	}
	_, err := client.RequestResponseAsync(testCtx(t), NewPayload(nil), func(Payload, error) {})
	assert.Equal(t, ErrNoStreamID, err)
	assert.True(t, client.IsClosed())
}

func TestStreamIDWraparound(t *testing.T) {
	release := make(chan struct{})
	var n int32
	handler := HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, p Payload) (Payload, error) {
			// only the first request is held open
			if atomic.AddInt32(&n, 1) == 1 {
				<-release
			}
			return p, nil
		},
	}
	ccfg := ClientConfig{SessionConfig: SessionConfig{MaxStreamID: 5}}
	client, _ := makeSessionPair(t, ccfg, ServerConfig{}, handler)

	held := make(chan error, 1)
	_, err := client.RequestResponseAsync(testCtx(t), NewPayload(nil), func(_ Payload, err error) { held <- err })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return client.StreamState(1) == StateActive }, time.Second, time.Millisecond)

	// ids 3 and 5, then wrap past the active id 1 to 3 again
	for i := 0; i < 3; i++ {
		_, err := client.RequestResponse(testCtx(t), NewPayload(nil))
		require.NoError(t, err)
	}
	assert.Equal(t, StateActive, client.StreamState(1))
	close(release)
	require.NoError(t, <-held)
}

func TestMalformedFrameTearsDownConnection(t *testing.T) {
	rawClient, s := connutil.AsyncPipe()
	acceptor := NewAcceptor(ServerConfig{}, nil)
	go acceptor.ServeConn(transport.NewStreamConn(s, nil))
	c := transport.NewStreamConn(rawClient, nil)
	defer c.Close()

	setup := setupFrame(SetupInfo{Version: frame.DefaultVersion, KeepaliveInterval: time.Minute, MaxLifetime: time.Minute})
	require.NoError(t, c.SendFrame(setup))
	assert.Eventually(t, func() bool { return len(acceptor.Sessions()) == 1 }, time.Second, time.Millisecond)
	server := acceptor.Sessions()[0]

	// an unknown frame type
	_, err := rawClient.Write([]byte{0, 0, 6, 0, 0, 0, 1, 0x20 << 2, 0})
	require.NoError(t, err)
	select {
	case <-server.Done():
	case <-time.After(testTimeout):
		t.Fatal("server session survived a malformed frame")
	}
	assert.True(t, errors.Is(server.TerminalErr(), ErrConnection))
}

// pipeDialer dials in-memory connections to an acceptor and remembers the raw client ends
type pipeDialer struct {
	acceptor *Acceptor
	m        sync.Mutex
	raw      []net.Conn
}

func (d *pipeDialer) dial(ctx context.Context) (*transport.Conn, error) {
	c, s := connutil.AsyncPipe()
	d.m.Lock()
	d.raw = append(d.raw, c)
	d.m.Unlock()
	go d.acceptor.ServeConn(transport.NewStreamConn(s, nil))
	return transport.NewStreamConn(c, nil), nil
}

func (d *pipeDialer) dropLatest() {
	d.m.Lock()
	defer d.m.Unlock()
	_ = d.raw[len(d.raw)-1].Close()
}

func (d *pipeDialer) dials() int {
	d.m.Lock()
	defer d.m.Unlock()
	return len(d.raw)
}

func TestResume_StreamSurvivesConnectionLoss(t *testing.T) {
	const total = 20
	gate := make(chan struct{})
	handler := HandlerFuncs{
		RequestStreamFunc: func(ctx context.Context, p Payload, out *Sink) error {
			for i := 0; i < total; i++ {
				if i == total/2 {
					<-gate
				}
				if err := out.Send(ctx, NewPayload([]byte{byte(i)})); err != nil {
					return err
				}
			}
			return nil
		},
	}
	scfg := ServerConfig{Resume: true, SessionConfig: SessionConfig{SessionDuration: 10 * time.Second}}
	acceptor := NewAcceptor(scfg, func(SetupInfo, *Session) (Handler, error) { return handler, nil })
	defer acceptor.Close()
	dialer := &pipeDialer{acceptor: acceptor}

	ccfg := ClientConfig{
		SessionConfig: SessionConfig{
			KeepaliveInterval: 50 * time.Millisecond,
			KeepaliveTimeout:  time.Second,
			SessionDuration:   10 * time.Second,
		},
		Resume: true,
		Dialer: dialer.dial,
	}
	client, err := Dial(testCtx(t), ccfg)
	require.NoError(t, err)
	defer client.Close()

	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), frame.MaxRequestN)
	require.NoError(t, err)
	for i := 0; i < total/2; i++ {
		p, err := flow.Next(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, byte(i), p.Data[0])
	}
	require.Len(t, acceptor.Sessions(), 1)
	server := acceptor.Sessions()[0]

	dialer.dropLatest()
	close(gate)

	for i := total / 2; i < total; i++ {
		p, err := flow.Next(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, byte(i), p.Data[0], "elements must arrive exactly once and in order")
	}
	_, err = flow.Next(testCtx(t))
	assert.Equal(t, io.EOF, err)

	assert.Greater(t, dialer.dials(), 1)
	assert.True(t, client.Connected())
	assert.False(t, client.IsClosed())
	// the same server session carried on
	require.Len(t, acceptor.Sessions(), 1)
	assert.Equal(t, server.ID(), acceptor.Sessions()[0].ID())

	resp, err := client.RequestResponse(testCtx(t), NewPayload([]byte("after")))
	assert.True(t, errors.Is(err, ErrRejected), "handler has no request-response: %v", err)
	assert.Empty(t, resp.Data)
}

func TestResume_UnknownTokenRejected(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{Resume: true}, nil)
	go acceptor.ServeConn(s)
	defer c.Close()

	require.NoError(t, c.SendFrame(frame.NewResume(make([]byte, 16), 0, 1)))
	f := receiveType(t, c, frame.TypeError)
	assert.Equal(t, frame.ErrorCodeRejectedResume, f.ErrorCode)
}

func TestResume_NotOfferedRejectsSetup(t *testing.T) {
	c, s := makeConnPair()
	acceptor := NewAcceptor(ServerConfig{}, nil)
	go acceptor.ServeConn(s)
	defer c.Close()

	setup := setupFrame(SetupInfo{
		Version:           frame.DefaultVersion,
		KeepaliveInterval: time.Minute,
		MaxLifetime:       time.Minute,
		Resume:            true,
		Token:             make([]byte, 16),
	})
	require.NoError(t, c.SendFrame(setup))
	f := receiveType(t, c, frame.TypeError)
	assert.Equal(t, frame.ErrorCodeUnsupportedSetup, f.ErrorCode)
}

var fastBackoff = resume.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}

// offlineDialer fails every dial while offline is set
type offlineDialer struct {
	*pipeDialer
	offline int32
}

func (d *offlineDialer) dial(ctx context.Context) (*transport.Conn, error) {
	if atomic.LoadInt32(&d.offline) == 1 {
		return nil, errors.New("network unreachable")
	}
	return d.pipeDialer.dial(ctx)
}

func TestResume_GivesUpAfterSessionDuration(t *testing.T) {
	handler := HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, _ Payload) (Payload, error) {
			<-ctx.Done()
			return Payload{}, ctx.Err()
		},
		RequestStreamFunc: func(ctx context.Context, _ Payload, _ *Sink) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	scfg := ServerConfig{Resume: true, SessionConfig: SessionConfig{SessionDuration: 10 * time.Second}}
	acceptor := NewAcceptor(scfg, func(SetupInfo, *Session) (Handler, error) { return handler, nil })
	defer acceptor.Close()
	dialer := &offlineDialer{pipeDialer: &pipeDialer{acceptor: acceptor}}

	ccfg := ClientConfig{
		SessionConfig: SessionConfig{SessionDuration: 300 * time.Millisecond},
		Resume:        true,
		Dialer:        dialer.dial,
		Backoff:       fastBackoff,
	}
	client, err := Dial(testCtx(t), ccfg)
	require.NoError(t, err)
	defer client.Close()

	responses := make(chan error, 1)
	_, err = client.RequestResponseAsync(testCtx(t), NewPayload(nil), func(_ Payload, err error) {
		responses <- err
	})
	require.NoError(t, err)
	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)

	atomic.StoreInt32(&dialer.offline, 1)
	dialer.dropLatest()

	select {
	case err := <-responses:
		assert.True(t, errors.Is(err, ErrRejectedResume), "%v", err)
	case <-time.After(testTimeout):
		t.Fatal("pending request not failed")
	}
	_, err = flow.Next(testCtx(t))
	assert.True(t, errors.Is(err, ErrRejectedResume), "%v", err)
	assert.True(t, client.IsClosed())
	assert.True(t, errors.Is(client.TerminalErr(), ErrRejectedResume))
	assert.Equal(t, 1, dialer.dials())
}

func TestResume_LateResumeRejected(t *testing.T) {
	handler := HandlerFuncs{
		RequestStreamFunc: func(ctx context.Context, _ Payload, _ *Sink) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	scfg := ServerConfig{Resume: true, SessionConfig: SessionConfig{SessionDuration: 200 * time.Millisecond}}
	acceptor := NewAcceptor(scfg, func(SetupInfo, *Session) (Handler, error) { return handler, nil })
	defer acceptor.Close()
	dialer := &offlineDialer{pipeDialer: &pipeDialer{acceptor: acceptor}}

	ccfg := ClientConfig{
		SessionConfig: SessionConfig{SessionDuration: 10 * time.Second},
		Resume:        true,
		Dialer:        dialer.dial,
		Backoff:       fastBackoff,
	}
	client, err := Dial(testCtx(t), ccfg)
	require.NoError(t, err)
	defer client.Close()
	flow, err := client.RequestStream(testCtx(t), NewPayload(nil), 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(acceptor.Sessions()) == 1 }, time.Second, time.Millisecond)
	server := acceptor.Sessions()[0]

	atomic.StoreInt32(&dialer.offline, 1)
	dialer.dropLatest()

	// the server gives up on the detached session while the client cannot reach it
	require.Eventually(t, server.IsClosed, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(server.TerminalErr(), ErrConnection))
	assert.False(t, client.IsClosed())

	atomic.StoreInt32(&dialer.offline, 0)
	_, err = flow.Next(testCtx(t))
	assert.True(t, errors.Is(err, ErrRejectedResume), "%v", err)
	assert.True(t, client.IsClosed())
	assert.Equal(t, 2, dialer.dials())
}

// stallingDialer relays every connection through a pair of pipes that can be turned into a
// black hole without closing either end
type stallingDialer struct {
	acceptor *Acceptor
	m        sync.Mutex
	stalls   []chan struct{}
}

func relay(dst, src net.Conn, stall chan struct{}) {
	defer dst.Close()
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		select {
		case <-stall:
			continue
		default:
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (d *stallingDialer) dial(ctx context.Context) (*transport.Conn, error) {
	c, clientRelay := connutil.AsyncPipe()
	serverRelay, s := connutil.AsyncPipe()
	stall := make(chan struct{})
	d.m.Lock()
	d.stalls = append(d.stalls, stall)
	d.m.Unlock()
	go relay(serverRelay, clientRelay, stall)
	go relay(clientRelay, serverRelay, stall)
	go d.acceptor.ServeConn(transport.NewStreamConn(s, nil))
	return transport.NewStreamConn(c, nil), nil
}

func (d *stallingDialer) stallLatest() {
	d.m.Lock()
	defer d.m.Unlock()
	close(d.stalls[len(d.stalls)-1])
}

func (d *stallingDialer) dials() int {
	d.m.Lock()
	defer d.m.Unlock()
	return len(d.stalls)
}

func TestResume_KeepaliveTimeoutReconnects(t *testing.T) {
	scfg := ServerConfig{Resume: true, SessionConfig: SessionConfig{SessionDuration: 10 * time.Second}}
	acceptor := NewAcceptor(scfg, func(SetupInfo, *Session) (Handler, error) { return echoHandler(), nil })
	defer acceptor.Close()
	dialer := &stallingDialer{acceptor: acceptor}

	ccfg := ClientConfig{
		SessionConfig: SessionConfig{
			KeepaliveInterval: 50 * time.Millisecond,
			KeepaliveTimeout:  300 * time.Millisecond,
			SessionDuration:   10 * time.Second,
		},
		Resume:  true,
		Dialer:  dialer.dial,
		Backoff: fastBackoff,
	}
	client, err := Dial(testCtx(t), ccfg)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Data))
	require.Len(t, acceptor.Sessions(), 1)
	server := acceptor.Sessions()[0]

	dialer.stallLatest()
	// lost in the stalled connection, then replayed after the resumption
	resp, err = client.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, "pong", string(resp.Data))

	assert.GreaterOrEqual(t, dialer.dials(), 2)
	assert.False(t, client.IsClosed())
	assert.True(t, client.Connected())
	require.Len(t, acceptor.Sessions(), 1)
	assert.Equal(t, server.ID(), acceptor.Sessions()[0].ID())
}

func TestResume_TokenIssuer(t *testing.T) {
	issuer, err := resume.NewTokenIssuer([]byte("shared resume key"))
	require.NoError(t, err)
	scfg := ServerConfig{Resume: true, SessionConfig: SessionConfig{TokenIssuer: issuer}}
	acceptor := NewAcceptor(scfg, func(SetupInfo, *Session) (Handler, error) { return echoHandler(), nil })
	defer acceptor.Close()

	t.Run("setup without a MAC is rejected", func(t *testing.T) {
		c, s := makeConnPair()
		go acceptor.ServeConn(s)
		defer c.Close()
		setup := setupFrame(SetupInfo{
			Version:           frame.DefaultVersion,
			KeepaliveInterval: time.Minute,
			MaxLifetime:       time.Minute,
			Resume:            true,
			Token:             resume.NewToken(),
		})
		require.NoError(t, c.SendFrame(setup))
		f := receiveType(t, c, frame.TypeError)
		assert.Equal(t, frame.ErrorCodeInvalidSetup, f.ErrorCode)
	})

	t.Run("forged resume is rejected", func(t *testing.T) {
		c, s := makeConnPair()
		go acceptor.ServeConn(s)
		defer c.Close()
		require.NoError(t, c.SendFrame(frame.NewResume(make([]byte, resume.TokenLength+resume.MACLength), 0, 1)))
		f := receiveType(t, c, frame.TypeError)
		assert.Equal(t, frame.ErrorCodeRejectedResume, f.ErrorCode)
	})

	t.Run("issued token resumes", func(t *testing.T) {
		dialer := &pipeDialer{acceptor: acceptor}
		ccfg := ClientConfig{
			SessionConfig: SessionConfig{TokenIssuer: issuer},
			Resume:        true,
			Dialer:        dialer.dial,
			Backoff:       fastBackoff,
		}
		client, err := Dial(testCtx(t), ccfg)
		require.NoError(t, err)
		defer client.Close()
		assert.NoError(t, issuer.Verify(client.Setup().Token))

		_, err = client.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
		require.NoError(t, err)
		dialer.dropLatest()
		resp, err := client.RequestResponse(testCtx(t), NewPayload([]byte("ping")))
		require.NoError(t, err)
		assert.Equal(t, "pong", string(resp.Data))
		assert.Equal(t, 2, dialer.dials())
	})
}
