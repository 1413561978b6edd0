package os

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Payload is an immutable JSON document carried by events and commands.
type Payload []byte

// EmptyPayload is the JSON null document.
var EmptyPayload = Payload("null")

// NewPayload converts v to a Payload. Payload, json.RawMessage and []byte
// values must already hold valid JSON; anything else is marshaled.
func NewPayload(v any) (Payload, error) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return EmptyPayload, nil
	case Payload:
		raw = val
	case json.RawMessage:
		raw = val
	case []byte:
		raw = val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return Payload(data), nil
	}

	if len(raw) == 0 {
		return EmptyPayload, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, NewOSError(ErrCodeInvalidArgument, "payload is not valid JSON")
	}
	out := make(Payload, len(raw))
	copy(out, raw)
	return out, nil
}

// MustPayload is NewPayload for values known to marshal.
func MustPayload(v any) Payload {
	p, err := NewPayload(v)
	if err != nil {
		panic(err)
	}
	return p
}

// Get queries the payload with a gjson path such as "status" or "items.0.id".
func (p Payload) Get(path string) gjson.Result {
	return gjson.GetBytes(p, path)
}

// Decode decodes the payload into v.
func (p Payload) Decode(v any) error {
	if len(p) == 0 {
		return json.Unmarshal(EmptyPayload, v)
	}
	return json.Unmarshal(p, v)
}

// String returns the JSON text.
func (p Payload) String() string {
	if len(p) == 0 {
		return string(EmptyPayload)
	}
	return string(p)
}

// MarshalJSON embeds the payload verbatim.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return EmptyPayload, nil
	}
	return p, nil
}

// UnmarshalJSON stores a copy of data.
func (p *Payload) UnmarshalJSON(data []byte) error {
	*p = append((*p)[:0], data...)
	return nil
}
