package frame

import (
	"encoding/binary"
	"fmt"
)

var u16 = binary.BigEndian.Uint16
var u32 = binary.BigEndian.Uint32
var u64 = binary.BigEndian.Uint64

// Header: [StreamID 4 bytes][Type 6 bits | Flags 10 bits]
// followed by the type-specific fixed fields, then [metadata length 3 bytes][metadata] if the
// METADATA flag is set, and the remainder is data.

// Encode serialises f into a freshly allocated buffer owned by the caller.
// The metadata section is written if and only if FlagMetadata is set.
func Encode(f *Frame) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(f)), f)
}

// EncodedLen returns the exact number of bytes Encode produces for f
func EncodedLen(f *Frame) int {
	n := headerLength + fixedLen(f)
	if f.Type == TypeMetadataPush {
		return n + len(f.Metadata)
	}
	if f.HasMetadata() && f.Type.carriesMetadata() {
		n += metadataLengthLength + len(f.Metadata)
	}
	if f.Type.carriesData() {
		n += len(f.Data)
	}
	return n
}

func fixedLen(f *Frame) int {
	switch f.Type {
	case TypeSetup:
		n := 12 + 1 + len(f.MetadataMIME) + 1 + len(f.DataMIME)
		if f.Flags.Has(FlagResumeEnable) {
			n += 2 + len(f.Token)
		}
		return n
	case TypeLease:
		return 8
	case TypeKeepalive:
		return 8
	case TypeRequestStream, TypeRequestChannel, TypeRequestN:
		return 4
	case TypeError:
		return 4
	case TypeResume:
		return 4 + 2 + len(f.Token) + 16
	case TypeResumeOK:
		return 8
	case TypeExt:
		return 4
	}
	return 0
}

// AppendEncode appends the encoding of f to dst
func AppendEncode(dst []byte, f *Frame) ([]byte, error) {
	if !f.Type.known() {
		return nil, fmt.Errorf("encoding %v: unknown frame type", f.Type)
	}
	if f.StreamID > MaxStreamID {
		return nil, fmt.Errorf("encoding %v: stream id %d exceeds 31 bits", f.Type, f.StreamID)
	}
	if f.Flags&^flagMask != 0 {
		return nil, fmt.Errorf("encoding %v: flags 0x%x exceed 10 bits", f.Type, uint16(f.Flags))
	}
	if f.HasMetadata() && len(f.Metadata) > maxMetadataLength {
		return nil, fmt.Errorf("encoding %v: %w", f.Type, ErrFrameTooLarge)
	}
	if EncodedLen(f) > MaxFrameLength {
		return nil, fmt.Errorf("encoding %v: %w", f.Type, ErrFrameTooLarge)
	}

	dst = binary.BigEndian.AppendUint32(dst, f.StreamID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(f.Type)<<10|uint16(f.Flags))

	switch f.Type {
	case TypeSetup:
		if len(f.MetadataMIME) > 0xFF || len(f.DataMIME) > 0xFF {
			return nil, fmt.Errorf("encoding SETUP: mime type longer than 255 bytes")
		}
		dst = appendVersion(dst, f.Version)
		dst = binary.BigEndian.AppendUint32(dst, f.KeepaliveInterval)
		dst = binary.BigEndian.AppendUint32(dst, f.MaxLifetime)
		if f.Flags.Has(FlagResumeEnable) {
			if len(f.Token) > 0xFFFF {
				return nil, fmt.Errorf("encoding SETUP: resume token longer than 65535 bytes")
			}
			dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Token)))
			dst = append(dst, f.Token...)
		}
		dst = append(dst, byte(len(f.MetadataMIME)))
		dst = append(dst, f.MetadataMIME...)
		dst = append(dst, byte(len(f.DataMIME)))
		dst = append(dst, f.DataMIME...)
	case TypeLease:
		dst = binary.BigEndian.AppendUint32(dst, f.TTL)
		dst = binary.BigEndian.AppendUint32(dst, f.NumRequests)
	case TypeKeepalive, TypeResumeOK:
		dst = binary.BigEndian.AppendUint64(dst, f.LastReceivedPosition)
	case TypeRequestStream, TypeRequestChannel, TypeRequestN:
		dst = binary.BigEndian.AppendUint32(dst, f.RequestN)
	case TypeError:
		dst = binary.BigEndian.AppendUint32(dst, uint32(f.ErrorCode))
	case TypeResume:
		if len(f.Token) > 0xFFFF {
			return nil, fmt.Errorf("encoding RESUME: resume token longer than 65535 bytes")
		}
		dst = appendVersion(dst, f.Version)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Token)))
		dst = append(dst, f.Token...)
		dst = binary.BigEndian.AppendUint64(dst, f.LastReceivedPosition)
		dst = binary.BigEndian.AppendUint64(dst, f.FirstAvailablePosition)
	case TypeExt:
		dst = binary.BigEndian.AppendUint32(dst, f.ExtendedType)
	case TypeMetadataPush:
		return append(dst, f.Metadata...), nil
	}

	if f.HasMetadata() && f.Type.carriesMetadata() {
		l := len(f.Metadata)
		dst = append(dst, byte(l>>16), byte(l>>8), byte(l))
		dst = append(dst, f.Metadata...)
	}
	if f.Type.carriesData() {
		dst = append(dst, f.Data...)
	}
	return dst, nil
}

func appendVersion(dst []byte, v Version) []byte {
	dst = binary.BigEndian.AppendUint16(dst, v.Major)
	return binary.BigEndian.AppendUint16(dst, v.Minor)
}

// reader consumes a frame buffer front to back, recording the first truncation
type reader struct {
	buf []byte
	off int
	t   Type
	err error
}

func (r *reader) need(n int, what string) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = parseErr("%v truncated reading %s: need %d bytes, have %d", r.t, what, n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u8(what string) uint8 {
	if !r.need(1, what) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16(what string) uint16 {
	if !r.need(2, what) {
		return 0
	}
	v := u16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32(what string) uint32 {
	if !r.need(4, what) {
		return 0
	}
	v := u32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64(what string) uint64 {
	if !r.need(8, what) {
		return 0
	}
	v := u64(r.buf[r.off:])
	r.off += 8
	return v
}

// bytes returns an owned copy of the next n bytes
func (r *reader) bytes(n int, what string) []byte {
	if !r.need(n, what) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

func (r *reader) rest() []byte {
	if r.err != nil || r.off == len(r.buf) {
		return nil
	}
	return r.bytes(len(r.buf)-r.off, "data")
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// Decode parses one complete frame from buf. The returned Frame owns copies of every variable
// length field, so buf may be reused as soon as Decode returns.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < headerLength {
		return nil, parseErr("frame of %d bytes is shorter than the %d byte header", len(buf), headerLength)
	}
	if len(buf) > MaxFrameLength {
		return nil, parseErr("frame of %d bytes exceeds maximum frame length", len(buf))
	}
	rawID := u32(buf[0:4])
	if rawID&0x80000000 != 0 {
		return nil, parseErr("reserved stream id bit set")
	}
	typeAndFlags := u16(buf[4:6])
	f := &Frame{
		StreamID: rawID,
		Type:     Type(typeAndFlags >> 10),
		Flags:    Flags(typeAndFlags) & flagMask,
	}
	if !f.Type.known() || f.Type == TypeReserved {
		return nil, parseErr("unknown frame type 0x%02x", uint8(f.Type))
	}
	if f.Type.connectionLevel() && f.StreamID != 0 {
		return nil, parseErr("%v must be sent on stream 0, got stream %d", f.Type, f.StreamID)
	}
	if f.Type.streamLevel() && f.StreamID == 0 {
		return nil, parseErr("%v must not be sent on stream 0", f.Type)
	}

	r := &reader{buf: buf, off: headerLength, t: f.Type}
	switch f.Type {
	case TypeSetup:
		f.Version = Version{Major: r.u16("major version"), Minor: r.u16("minor version")}
		f.KeepaliveInterval = r.u32("keepalive interval")
		f.MaxLifetime = r.u32("max lifetime")
		if f.Flags.Has(FlagResumeEnable) {
			tokenLen := r.u16("resume token length")
			f.Token = r.bytes(int(tokenLen), "resume token")
		}
		f.MetadataMIME = string(r.bytes(int(r.u8("metadata mime length")), "metadata mime"))
		f.DataMIME = string(r.bytes(int(r.u8("data mime length")), "data mime"))
	case TypeLease:
		f.TTL = r.u32("ttl")
		f.NumRequests = r.u32("number of requests")
	case TypeKeepalive, TypeResumeOK:
		f.LastReceivedPosition = r.u64("last received position")
	case TypeRequestStream, TypeRequestChannel, TypeRequestN:
		f.RequestN = r.u32("request n")
		if r.err == nil && f.RequestN == 0 {
			return nil, parseErr("%v on stream %d requests zero elements", f.Type, f.StreamID)
		}
	case TypeError:
		f.ErrorCode = ErrorCode(r.u32("error code"))
	case TypeResume:
		f.Version = Version{Major: r.u16("major version"), Minor: r.u16("minor version")}
		tokenLen := r.u16("resume token length")
		f.Token = r.bytes(int(tokenLen), "resume token")
		f.LastReceivedPosition = r.u64("last received server position")
		f.FirstAvailablePosition = r.u64("first available client position")
	case TypeExt:
		f.ExtendedType = r.u32("extended type")
	case TypeMetadataPush:
		if !f.HasMetadata() {
			return nil, parseErr("METADATA_PUSH without METADATA flag")
		}
		f.Metadata = r.bytes(r.remaining(), "metadata")
		return f, nil
	}
	if r.err != nil {
		return nil, r.err
	}

	if f.HasMetadata() && f.Type.carriesMetadata() {
		if !r.need(metadataLengthLength, "metadata length") {
			return nil, r.err
		}
		mdLen := int(r.buf[r.off])<<16 | int(r.buf[r.off+1])<<8 | int(r.buf[r.off+2])
		r.off += metadataLengthLength
		f.Metadata = r.bytes(mdLen, "metadata")
		if r.err != nil {
			return nil, r.err
		}
	}

	if f.Type.carriesData() {
		f.Data = r.rest()
	} else if r.remaining() != 0 {
		return nil, parseErr("%v has %d unexpected trailing bytes", f.Type, r.remaining())
	}

	if f.Type == TypePayload && f.PayloadKind() == KindInvalid {
		return nil, parseErr("PAYLOAD on stream %d has neither NEXT nor COMPLETE", f.StreamID)
	}
	return f, nil
}
