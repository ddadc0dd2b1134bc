package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"

	"transactor-client/internal/domain"
)

// Param is one named call parameter. Order is significant: the WebSocket
// transport sends values positionally, HTTP sends them as query pairs.
type Param struct {
	Name  string
	Value any
}

// P is shorthand for Param{name, value}.
func P(name string, value any) Param { return Param{Name: name, Value: value} }

// Values marshals the param values in order.
func Values(params []Param) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// ObjectValues returns the field values of a JSON object in document order.
func ObjectValues(body []byte) ([]json.RawMessage, error) {
	_, typ, _, err := jsonparser.Get(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if typ != jsonparser.Object {
		return nil, fmt.Errorf("%w: expected a JSON object, got %s", domain.ErrInvalidInput, typ)
	}

	out := []json.RawMessage{}
	err = jsonparser.ObjectEach(body, func(_ []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		out = append(out, rawValue(value, dataType))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return out, nil
}

// rawValue restores the quotes jsonparser strips from string values.
func rawValue(value []byte, dataType jsonparser.ValueType) json.RawMessage {
	if dataType != jsonparser.String {
		return append(json.RawMessage(nil), value...)
	}
	b := make([]byte, 0, len(value)+2)
	b = append(b, '"')
	b = append(b, value...)
	return append(b, '"')
}
