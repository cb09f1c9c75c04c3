package rpc

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

const (
	MIMEJSON = "application/json"
	MIMEGob  = "application/x-gob"
	// MIMEEnvelope is the metadata MIME type of sessions carrying calls
	MIMEEnvelope = "application/x.remoting.envelope.v1"
)

// Serializer encodes call arguments and replies. Its MIME type is declared in SETUP so that the
// server decodes with the same one.
type Serializer interface {
	MIME() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// SerializationError is an argument or reply that could not be encoded or decoded
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("failed to %v: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

type JSONSerializer struct{}

func (JSONSerializer) MIME() string                       { return MIMEJSON }
func (JSONSerializer) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONSerializer) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobSerializer encodes every value as a self-describing gob stream
type GobSerializer struct{}

func (GobSerializer) MIME() string { return MIMEGob }

func (GobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// SerializerFor returns the serializer for a MIME type. An empty type means JSON.
func SerializerFor(mime string) (Serializer, error) {
	switch mime {
	case MIMEJSON, "":
		return JSONSerializer{}, nil
	case MIMEGob:
		return GobSerializer{}, nil
	}
	return nil, fmt.Errorf("unsupported data MIME type %q", mime)
}
