package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Envelope is the message delivered to the upstream process.
type Envelope struct {
	Target string
	Action string
	// Data is the raw JSON value supplied by the caller. It is serialized
	// to a string before transmission.
	Data json.RawMessage
	Tags map[string]string
}

// wireEnvelope is the JSON body the relay endpoint accepts.
type wireEnvelope struct {
	Target string            `json:"Target"`
	Action string            `json:"Action"`
	Data   string            `json:"Data,omitempty"`
	Tags   map[string]string `json:"Tags,omitempty"`
}

// Encode renders the envelope as the relay request body.
func (e Envelope) Encode() ([]byte, error) {
	data, err := SerializeData(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Target: e.Target,
		Action: e.Action,
		Data:   data,
		Tags:   e.Tags,
	})
}

// SerializeData turns a JSON value into the string form the upstream process
// expects. Strings pass through unquoted; every other value is emitted as
// canonical JSON (RFC 8785) so identical payloads produce identical messages.
func SerializeData(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decode data string: %w", err)
		}
		return s, nil
	}
	canon, err := jcs.Transform(trimmed)
	if err != nil {
		return "", fmt.Errorf("canonicalize data: %w", err)
	}
	return string(canon), nil
}
