package multiplex

// Payload is one application message. Metadata is nil when absent, which is distinct from
// present but empty.
type Payload struct {
	Metadata []byte
	Data     []byte
}

func NewPayload(data []byte) Payload { return Payload{Data: data} }

func (p Payload) WithMetadata(md []byte) Payload {
	p.Metadata = md
	return p
}

func (p Payload) Len() int { return len(p.Metadata) + len(p.Data) }
