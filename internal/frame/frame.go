package frame

import "fmt"

// Type is the 6-bit frame type carried in the frame header
type Type uint8

const (
	TypeReserved       Type = 0x00
	TypeSetup          Type = 0x01
	TypeLease          Type = 0x02
	TypeKeepalive      Type = 0x03
	TypeRequestResp    Type = 0x04
	TypeRequestFNF     Type = 0x05
	TypeRequestStream  Type = 0x06
	TypeRequestChannel Type = 0x07
	TypeRequestN       Type = 0x08
	TypeCancel         Type = 0x09
	TypePayload        Type = 0x0A
	TypeError          Type = 0x0B
	TypeMetadataPush   Type = 0x0C
	TypeResume         Type = 0x0D
	TypeResumeOK       Type = 0x0E
	TypeExt            Type = 0x3F
)

var typeNames = map[Type]string{
	TypeSetup:          "SETUP",
	TypeLease:          "LEASE",
	TypeKeepalive:      "KEEPALIVE",
	TypeRequestResp:    "REQUEST_RESPONSE",
	TypeRequestFNF:     "REQUEST_FNF",
	TypeRequestStream:  "REQUEST_STREAM",
	TypeRequestChannel: "REQUEST_CHANNEL",
	TypeRequestN:       "REQUEST_N",
	TypeCancel:         "CANCEL",
	TypePayload:        "PAYLOAD",
	TypeError:          "ERROR",
	TypeMetadataPush:   "METADATA_PUSH",
	TypeResume:         "RESUME",
	TypeResumeOK:       "RESUME_OK",
	TypeExt:            "EXT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

func (t Type) known() bool {
	_, ok := typeNames[t]
	return ok
}

// IsRequest reports whether frames of this type open a new stream
func (t Type) IsRequest() bool {
	switch t {
	case TypeRequestResp, TypeRequestFNF, TypeRequestStream, TypeRequestChannel:
		return true
	}
	return false
}

// connectionLevel types must travel on stream 0
func (t Type) connectionLevel() bool {
	switch t {
	case TypeSetup, TypeLease, TypeKeepalive, TypeMetadataPush, TypeResume, TypeResumeOK:
		return true
	}
	return false
}

// streamLevel types must never travel on stream 0
func (t Type) streamLevel() bool {
	switch t {
	case TypeRequestResp, TypeRequestFNF, TypeRequestStream, TypeRequestChannel,
		TypeRequestN, TypeCancel, TypePayload:
		return true
	}
	return false
}

// carriesMetadata reports whether a length-prefixed metadata section may follow the fixed fields
func (t Type) carriesMetadata() bool {
	switch t {
	case TypeSetup, TypeLease, TypeRequestResp, TypeRequestFNF, TypeRequestStream,
		TypeRequestChannel, TypePayload, TypeExt:
		return true
	}
	return false
}

// carriesData reports whether trailing bytes after the fixed fields are data
func (t Type) carriesData() bool {
	switch t {
	case TypeSetup, TypeKeepalive, TypeRequestResp, TypeRequestFNF, TypeRequestStream,
		TypeRequestChannel, TypePayload, TypeError, TypeExt:
		return true
	}
	return false
}

// Flags is the 10-bit flag field. Some bits are reused with a type-specific meaning.
type Flags uint16

const (
	FlagIgnore   Flags = 0x200
	FlagMetadata Flags = 0x100
	FlagFollows  Flags = 0x80
	FlagComplete Flags = 0x40
	FlagNext     Flags = 0x20

	// SETUP only
	FlagResumeEnable Flags = 0x80
	FlagLease        Flags = 0x40
	// KEEPALIVE only
	FlagRespond Flags = 0x80

	flagMask Flags = 0x3FF
)

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

// Version is the protocol version negotiated by SETUP and RESUME
type Version struct {
	Major uint16
	Minor uint16
}

var DefaultVersion = Version{Major: 1, Minor: 0}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

const (
	// MaxFrameLength is the largest encoded frame, bounded by the 3-byte length prefix
	MaxFrameLength = 1<<24 - 1
	// MaxStreamID is the largest 31-bit stream id
	MaxStreamID = 1<<31 - 1
	// MaxRequestN is the largest demand a single REQUEST_N can carry, also meaning "unbounded"
	MaxRequestN = 1<<31 - 1

	headerLength         = 6
	metadataLengthLength = 3
	maxMetadataLength    = 1<<24 - 1
)

// Frame is one protocol message. A decoded Frame owns its Metadata, Data and Token slices.
// Only the fixed fields relevant to Type are encoded; the rest are ignored.
type Frame struct {
	StreamID uint32
	Type     Type
	Flags    Flags

	// SETUP, RESUME
	Version Version
	Token   []byte

	// SETUP
	KeepaliveInterval uint32 // milliseconds
	MaxLifetime       uint32 // milliseconds
	MetadataMIME      string
	DataMIME          string

	// REQUEST_STREAM, REQUEST_CHANNEL: initial demand. REQUEST_N: additional demand.
	RequestN uint32

	// LEASE
	TTL         uint32 // milliseconds
	NumRequests uint32

	// ERROR
	ErrorCode ErrorCode

	// KEEPALIVE and RESUME_OK: last received position of the sender.
	// RESUME: last received server position.
	LastReceivedPosition uint64
	// RESUME
	FirstAvailablePosition uint64

	// EXT
	ExtendedType uint32

	Metadata []byte
	Data     []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v{stream=%d flags=0x%03x md=%d data=%d}", f.Type, f.StreamID, uint16(f.Flags), len(f.Metadata), len(f.Data))
}

func (f *Frame) HasMetadata() bool { return f.Flags.Has(FlagMetadata) }
func (f *Frame) Follows() bool     { return f.Flags.Has(FlagFollows) }

// IsNext reports whether a PAYLOAD frame carries an element
func (f *Frame) IsNext() bool { return f.Flags.Has(FlagNext) }

// IsComplete reports whether a PAYLOAD frame terminates its direction of the stream
func (f *Frame) IsComplete() bool { return f.Flags.Has(FlagComplete) }

// Resumable reports whether the frame is retained for replay by a resumable session.
// Connection-level frames are never replayed.
func (f *Frame) Resumable() bool {
	switch f.Type {
	case TypeRequestResp, TypeRequestFNF, TypeRequestStream, TypeRequestChannel,
		TypeRequestN, TypeCancel, TypePayload, TypeMetadataPush:
		return true
	case TypeError:
		return f.StreamID != 0
	}
	return false
}

// PayloadKind is the synthetic interpretation of a PAYLOAD frame's N and C flags
type PayloadKind uint8

const (
	KindInvalid PayloadKind = iota
	KindNext
	KindComplete
	KindNextComplete
)

func (f *Frame) PayloadKind() PayloadKind {
	switch {
	case f.IsNext() && f.IsComplete():
		return KindNextComplete
	case f.IsNext():
		return KindNext
	case f.IsComplete():
		return KindComplete
	}
	return KindInvalid
}

func NewPayload(streamID uint32, metadata, data []byte, flags Flags) *Frame {
	return withMetadata(&Frame{StreamID: streamID, Type: TypePayload, Flags: flags, Data: data}, metadata)
}

func NewRequest(t Type, streamID uint32, metadata, data []byte, initialN uint32) *Frame {
	f := &Frame{StreamID: streamID, Type: t, Data: data}
	if t == TypeRequestStream || t == TypeRequestChannel {
		f.RequestN = initialN
	}
	return withMetadata(f, metadata)
}

func NewRequestN(streamID uint32, n uint32) *Frame {
	return &Frame{StreamID: streamID, Type: TypeRequestN, RequestN: n}
}

func NewCancel(streamID uint32) *Frame {
	return &Frame{StreamID: streamID, Type: TypeCancel}
}

func NewError(streamID uint32, code ErrorCode, msg string) *Frame {
	var data []byte
	if msg != "" {
		data = []byte(msg)
	}
	return &Frame{StreamID: streamID, Type: TypeError, ErrorCode: code, Data: data}
}

func NewKeepalive(respond bool, position uint64, data []byte) *Frame {
	f := &Frame{Type: TypeKeepalive, LastReceivedPosition: position, Data: data}
	if respond {
		f.Flags |= FlagRespond
	}
	return f
}

func NewLease(ttlMillis, numRequests uint32, metadata []byte) *Frame {
	return withMetadata(&Frame{Type: TypeLease, TTL: ttlMillis, NumRequests: numRequests}, metadata)
}

func NewMetadataPush(metadata []byte) *Frame {
	return &Frame{Type: TypeMetadataPush, Flags: FlagMetadata, Metadata: metadata}
}

func NewResume(token []byte, lastReceivedServer, firstAvailableClient uint64) *Frame {
	return &Frame{
		Type:                   TypeResume,
		Version:                DefaultVersion,
		Token:                  token,
		LastReceivedPosition:   lastReceivedServer,
		FirstAvailablePosition: firstAvailableClient,
	}
}

func NewResumeOK(lastReceivedClient uint64) *Frame {
	return &Frame{Type: TypeResumeOK, LastReceivedPosition: lastReceivedClient}
}

func withMetadata(f *Frame, metadata []byte) *Frame {
	if metadata != nil {
		f.Flags |= FlagMetadata
		f.Metadata = metadata
	}
	return f
}
