package server

import (
	"time"

	"github.com/cbeuw/remoting/internal/common"
)

// BuiltinService is the name under which every server describes itself
const BuiltinService = "Remoting"

// PingArgs carries a token that is returned as is. Structs without exported fields cannot be gob encoded.
type PingArgs struct {
	Token string
}

type PingReply struct {
	Token    string
	Uptime   time.Duration
	Sessions int
}

type ServicesReply struct {
	Names []string
}

type builtin struct {
	s       *Server
	world   common.WorldState
	started time.Time
}

func (b *builtin) Ping(args *PingArgs, reply *PingReply) error {
	reply.Token = args.Token
	reply.Uptime = b.world.Since(b.started)
	reply.Sessions = len(b.s.acceptor.Sessions())
	return nil
}

func (b *builtin) Services(args *PingArgs, reply *ServicesReply) error {
	reply.Names = b.s.rpc.Services()
	return nil
}
