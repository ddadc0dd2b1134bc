package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func TestMethods_SpellingsAreCompleteAndUnique(t *testing.T) {
	paths := map[string]Method{}
	verbs := map[string]Method{}
	for _, m := range Methods() {
		assert.NotEmpty(t, m.Path(), "method %d path", m)
		assert.NotEmpty(t, m.Verb(), "method %d verb", m)

		if prev, dup := paths[m.Path()]; dup {
			t.Errorf("path %q used by %d and %d", m.Path(), prev, m)
		}
		if prev, dup := verbs[m.Verb()]; dup {
			t.Errorf("verb %q used by %d and %d", m.Verb(), prev, m)
		}
		paths[m.Path()] = m
		verbs[m.Verb()] = m
	}
	assert.Len(t, Methods(), int(methodCount))
}

func TestMethods_Spellings(t *testing.T) {
	tests := []struct {
		m    Method
		path string
		verb string
	}{
		{MethodAccount, "account", "account"},
		{MethodFindAll, "find-all", "findAll"},
		{MethodEnsurePerson, "ensure-person", "ensurePerson"},
		{MethodTx, "tx", "tx"},
		{MethodDomainRequest, "request", "domainRequest"},
		{MethodEvent, "event", "event"},
		{MethodPing, "ping", "ping"},
		{MethodHello, "hello", "hello"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.path, tt.m.Path())
		assert.Equal(t, tt.verb, tt.m.Verb())
	}
}

func TestMethod_UnknownPanics(t *testing.T) {
	assert.Panics(t, func() { _ = Method(99).Verb() })
	assert.Panics(t, func() { _ = Method(-1).Path() })
}

func TestCodec_TextAndBinary(t *testing.T) {
	req := NewRequest(MethodPing.Verb(), nil)

	typ, b, err := Codec{}.Encode(req)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"method":"ping","params":[]}`, string(b))

	typ, b, err = Codec{Binary: true}.Encode(req)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.JSONEq(t, `{"method":"ping","params":[]}`, string(b))
}

func TestCodec_CompressionRoundTrip(t *testing.T) {
	c := Codec{Binary: true, Compression: true}
	typ, b, err := c.Encode(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageBinary, typ)
	assert.False(t, json.Valid(b))

	assert.JSONEq(t, `{"a":1}`, string(c.Decode(typ, b)))
	// uncompressed binary frames from the server still decode
	assert.JSONEq(t, `{"a":2}`, string(c.Decode(websocket.MessageBinary, []byte(`{"a":2}`))))
}

func TestIsPong(t *testing.T) {
	assert.True(t, IsPong([]byte("pong!")))
	assert.True(t, IsPong([]byte(`"pong!"`)))
	assert.False(t, IsPong([]byte(`{"result":"pong!"}`)))
	assert.False(t, IsPong([]byte("ping")))
}
