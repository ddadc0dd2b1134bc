package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/snappy"
	"nhooyr.io/websocket"
)

// Codec frames messages for one session. The zero value is the text
// framing every session starts with; HELLO may switch it once.
type Codec struct {
	Binary      bool
	Compression bool
}

// Encode serializes v as a text frame, or as a binary frame when Binary is
// set. Binary frames are snappy-compressed when Compression is set.
func (c Codec) Encode(v any) (websocket.MessageType, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, nil, fmt.Errorf("encode frame: %w", err)
	}
	if !c.Binary {
		return websocket.MessageText, b, nil
	}
	if c.Compression {
		b = snappy.Encode(nil, b)
	}
	return websocket.MessageBinary, b, nil
}

// Decode returns the JSON payload of an inbound frame.
func (c Codec) Decode(typ websocket.MessageType, data []byte) []byte {
	if typ != websocket.MessageBinary || !c.Compression {
		return data
	}
	if out, err := snappy.Decode(nil, data); err == nil {
		return out
	}
	return data
}

var (
	pongText  = []byte(PongToken)
	quotePong = []byte(`"` + PongToken + `"`)
)

// IsPong reports whether payload is the literal keepalive reply.
func IsPong(payload []byte) bool {
	p := bytes.TrimSpace(payload)
	return bytes.Equal(p, pongText) || bytes.Equal(p, quotePong)
}
