package multiplex

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cbeuw/remoting/internal/frame"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/transport"

	log "github.com/sirupsen/logrus"
)

const (
	resumeHandshakeTimeout = 10 * time.Second
	// how long resumption waits for the reader of the previous connection to stop
	supersedeTimeout = time.Second
)

// reconnect dials replacement connections with backoff until one resumes the session or the
// resume window closes
func (sesh *Session) reconnect() {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	deadline := sesh.World.Now().Add(sesh.SessionDuration)
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(resume.NextBackoffDelay(sesh.backoff, attempt, rng)):
		case <-sesh.die:
			return
		}
		if sesh.World.Now().After(deadline) {
			sesh.terminate(newError(frame.ErrorCodeRejectedResume, "could not resume within %v", sesh.SessionDuration))
			return
		}

		ctx, cancel := context.WithTimeout(sesh.ctx, resumeHandshakeTimeout)
		conn, err := sesh.dialer(ctx)
		if err != nil {
			cancel()
			log.Debugf("session %v reconnect attempt %v failed: %v", sesh.id, attempt, err)
			continue
		}
		err = sesh.resumeOn(conn)
		cancel()
		if err == nil {
			log.Infof("session %v resumed after %v attempts", sesh.id, attempt)
			return
		}
		_ = conn.Close()
		if errors.Is(err, ErrRejectedResume) {
			log.Warnf("session %v could not be resumed: %v", sesh.id, err)
			sesh.terminate(err)
			return
		}
		log.Debugf("session %v resume attempt %v failed: %v", sesh.id, attempt, err)
	}
}

// resumeOn performs the client side of the RESUME handshake on a fresh connection
func (sesh *Session) resumeOn(conn transport.DuplexConn) error {
	// the lost connection's reader may still count a frame it had already received
	sesh.awaitReader()
	token := sesh.setup.Token
	err := conn.SendFrame(frame.NewResume(token, sesh.resume.ImpliedPosition(), sesh.resume.FirstAvailable()))
	if err != nil {
		return err
	}
	f, err := receiveWithin(conn, resumeHandshakeTimeout)
	if err != nil {
		return err
	}
	switch f.Type {
	case frame.TypeResumeOK:
	case frame.TypeError:
		return errorFromFrame(f)
	default:
		return newError(frame.ErrorCodeConnectionError, "unexpected %v in reply to RESUME", f.Type)
	}

	sesh.sendM.Lock()
	defer sesh.sendM.Unlock()
	if err := sesh.resume.CheckResume(f.LastReceivedPosition); err != nil {
		rerr := newError(frame.ErrorCodeRejectedResume, "%v", err)
		_ = conn.SendFrame(errorFrame(0, rerr))
		return rerr
	}
	return sesh.replayAndAttach(conn, f.LastReceivedPosition)
}

// acceptResume performs the server side of the RESUME handshake
func (sesh *Session) acceptResume(conn transport.DuplexConn, f *frame.Frame) {
	if sesh.IsClosed() {
		rejectConn(conn, newError(frame.ErrorCodeRejectedResume, "session already terminated"))
		return
	}
	sesh.supersede()

	sesh.sendM.Lock()
	err := sesh.resume.CheckRemoteAvailable(f.FirstAvailablePosition)
	if err == nil {
		err = sesh.resume.CheckResume(f.LastReceivedPosition)
	}
	if err != nil {
		sesh.sendM.Unlock()
		rerr := newError(frame.ErrorCodeRejectedResume, "%v", err)
		rejectConn(conn, rerr)
		sesh.terminate(rerr)
		return
	}
	if err := conn.SendFrame(frame.NewResumeOK(sesh.resume.ImpliedPosition())); err != nil {
		sesh.sendM.Unlock()
		log.Debugf("session %v failed to acknowledge resume: %v", sesh.id, err)
		return
	}
	err = sesh.replayAndAttach(conn, f.LastReceivedPosition)
	sesh.sendM.Unlock()
	if err != nil {
		log.Debugf("session %v failed to replay: %v", sesh.id, err)
		return
	}
	if sesh.registry != nil {
		sesh.registry.Attach(sesh.setup.Token)
	}
	log.Infof("session %v resumed from %v", sesh.id, conn.RemoteAddr())
}

// supersede drops the current connection, if any, ahead of a resumption and waits for its reader
// to stop so that the implied position no longer moves
func (sesh *Session) supersede() {
	sesh.connM.Lock()
	old := sesh.conn
	ka := sesh.keepalive
	sesh.keepalive = nil
	sesh.connected = false
	timer := sesh.detachTimer
	sesh.detachTimer = nil
	sesh.connM.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if ka != nil {
		ka.Stop()
	}
	if old != nil {
		_ = old.Close()
	}
	sesh.awaitReader()
}

// awaitReader waits for the reader of the last attached connection to stop so that the implied
// position no longer moves. The connection must already be closed.
func (sesh *Session) awaitReader() {
	sesh.connM.Lock()
	done := sesh.readDone
	sesh.connM.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(supersedeTimeout):
		log.Warnf("session %v: superseded connection did not stop reading", sesh.id)
	}
}

// replayAndAttach acknowledges everything the peer received, resends the rest in order and
// attaches conn. sendM must be held so that no new frame overtakes the replay.
func (sesh *Session) replayAndAttach(conn transport.DuplexConn, remotePos uint64) error {
	if err := sesh.resume.Ack(remotePos); err != nil {
		return err
	}
	replayed := 0
	err := sesh.resume.Replay(remotePos, func(pos uint64, data []byte) error {
		replayed++
		return conn.SendEncoded(data, false)
	})
	if err != nil {
		return err
	}
	log.Debugf("session %v replayed %v frames after position %v", sesh.id, replayed, remotePos)
	sesh.attach(conn)
	return nil
}

// detach starts the resume window of a server-side session that lost its connection
func (sesh *Session) detach() {
	if sesh.registry != nil {
		sesh.registry.Detach(sesh.setup.Token)
	}
	timer := time.AfterFunc(sesh.SessionDuration, func() {
		if !sesh.Connected() {
			sesh.terminate(newError(frame.ErrorCodeConnectionError, "not resumed within %v", sesh.SessionDuration))
		}
	})
	sesh.connM.Lock()
	sesh.detachTimer = timer
	sesh.connM.Unlock()
}
