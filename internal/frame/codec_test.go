package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTripFrames() map[string]*Frame {
	token := make([]byte, 32)
	rand.Read(token)
	return map[string]*Frame{
		"setup": {
			Type:              TypeSetup,
			Flags:             FlagMetadata | FlagResumeEnable | FlagLease,
			Version:           DefaultVersion,
			KeepaliveInterval: 20000,
			MaxLifetime:       90000,
			Token:             token,
			MetadataMIME:      "application/octet-stream",
			DataMIME:          "application/json",
			Metadata:          []byte("setup-md"),
			Data:              []byte("setup-data"),
		},
		"setup without resume": {
			Type:              TypeSetup,
			Version:           DefaultVersion,
			KeepaliveInterval: 1000,
			MaxLifetime:       3000,
			MetadataMIME:      "a",
			DataMIME:          "b",
		},
		"lease":            NewLease(5000, 10, []byte{1, 2, 3}),
		"keepalive":        NewKeepalive(true, 1<<40, []byte("ka")),
		"request response": NewRequest(TypeRequestResp, 1, []byte("md"), []byte("ping"), 0),
		"fnf no metadata":  NewRequest(TypeRequestFNF, 3, nil, []byte("fire"), 0),
		"request stream":   NewRequest(TypeRequestStream, 5, nil, []byte("s"), 16),
		"request channel":  NewRequest(TypeRequestChannel, 7, []byte{}, nil, MaxRequestN),
		"request n":        NewRequestN(7, 42),
		"cancel":           NewCancel(9),
		"payload next":     NewPayload(2, nil, []byte("pong"), FlagNext),
		"payload complete": NewPayload(2, nil, nil, FlagComplete),
		"payload follows":  NewPayload(2, []byte("m"), []byte("part"), FlagNext|FlagFollows),
		"stream error":     NewError(11, ErrorCodeApplicationError, "boom"),
		"connection error": NewError(0, ErrorCodeConnectionClose, ""),
		"metadata push":    NewMetadataPush([]byte("routing")),
		"resume":           NewResume(token, 17, 3),
		"resume ok":        NewResumeOK(99),
		"ext": {
			StreamID:     13,
			Type:         TypeExt,
			Flags:        FlagIgnore | FlagMetadata,
			ExtendedType: 0xCAFE,
			Metadata:     []byte("x"),
			Data:         []byte("y"),
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for name, f := range roundTripFrames() {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(f)
			require.NoError(t, err)
			assert.Equal(t, EncodedLen(f), len(encoded))

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, f, decoded)
		})
	}
}

func TestDecodeCopiesBuffer(t *testing.T) {
	encoded, _ := Encode(NewPayload(1, []byte("meta"), []byte("data"), FlagNext))
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	for i := range encoded {
		encoded[i] = 0
	}
	assert.Equal(t, []byte("meta"), decoded.Metadata)
	assert.Equal(t, []byte("data"), decoded.Data)
}

func TestDecodePayloadWithoutNextOrComplete(t *testing.T) {
	f := NewPayload(1, nil, []byte("x"), 0)
	encoded, err := Encode(f)
	require.NoError(t, err)
	_, err = Decode(encoded)
	assert.True(t, IsProtocolParsingError(err), "got %v", err)
}

func TestDecodeMalformed(t *testing.T) {
	valid, _ := Encode(NewRequest(TypeRequestStream, 1, []byte("metadata"), []byte("data"), 8))

	cases := map[string][]byte{
		"short header":       {0, 0, 0},
		"unknown type":       {0, 0, 0, 1, 0x10 << 2, 0},
		"reserved type":      {0, 0, 0, 1, 0, 0},
		"reserved id bit":    append([]byte{0x80}, valid[1:]...),
		"truncated fields":   valid[:8],
		"truncated metadata": valid[:len(valid)-8],
		"setup on stream 1":  mustEncode(t, &Frame{StreamID: 1, Type: TypeSetup}),
		"payload on stream 0": func() []byte {
			b := mustEncode(t, NewPayload(1, nil, nil, FlagComplete))
			b[3] = 0
			return b
		}(),
		"cancel with trailing bytes": append(mustEncode(t, NewCancel(1)), 0xFF),
		"request n of zero":          mustEncode(t, NewRequestN(3, 0)),
		"metadata push without flag": mustEncode(t, &Frame{Type: TypeMetadataPush}),
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			if !IsProtocolParsingError(err) {
				t.Errorf("expecting a protocol parsing error, got %v", err)
			}
		})
	}
}

func mustEncode(t *testing.T, f *Frame) []byte {
	b, err := Encode(f)
	require.NoError(t, err)
	return b
}

func TestEncodeTooLarge(t *testing.T) {
	f := NewPayload(1, nil, make([]byte, MaxFrameLength), FlagNext)
	_, err := Encode(f)
	assert.True(t, errors.Is(err, ErrFrameTooLarge))

	f = NewPayload(1, nil, make([]byte, MaxFrameLength-headerLength), FlagNext)
	b, err := Encode(f)
	require.NoError(t, err)
	assert.Len(t, b, MaxFrameLength)
}

func TestEncodeHeaderLayout(t *testing.T) {
	b := mustEncode(t, NewPayload(0x01020304, []byte{0xAA}, []byte{0xBB}, FlagNext|FlagComplete))
	expected := []byte{
		0x01, 0x02, 0x03, 0x04, // stream id
		byte(TypePayload<<2) | 0x01, 0x60, // type | M, C, N flags
		0x00, 0x00, 0x01, 0xAA, // metadata length + metadata
		0xBB,
	}
	if !bytes.Equal(expected, b) {
		t.Errorf("expecting %x, got %x", expected, b)
	}
}

func TestPayloadKind(t *testing.T) {
	assert.Equal(t, KindNext, NewPayload(1, nil, nil, FlagNext).PayloadKind())
	assert.Equal(t, KindComplete, NewPayload(1, nil, nil, FlagComplete).PayloadKind())
	assert.Equal(t, KindNextComplete, NewPayload(1, nil, nil, FlagNext|FlagComplete).PayloadKind())
	assert.Equal(t, KindInvalid, NewPayload(1, nil, nil, FlagFollows).PayloadKind())
}

func BenchmarkDecode(b *testing.B) {
	data := make([]byte, 1024)
	rand.Read(data)
	encoded, _ := Encode(NewPayload(1, []byte("metadata"), data, FlagNext))
	b.SetBytes(int64(len(encoded)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(encoded)
	}
}
