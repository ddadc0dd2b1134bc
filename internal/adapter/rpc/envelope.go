package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"transactor-client/internal/domain"
)

type idKind uint8

const (
	idNum idKind = iota + 1
	idStr
)

// ReqID correlates a request with its response. It is either a string or an
// integer; StrID("1") and NumID(1) are different ids.
type ReqID struct {
	kind idKind
	num  int32
	str  string
}

// NumID returns an integer request id.
func NumID(n int32) ReqID { return ReqID{kind: idNum, num: n} }

// StrID returns a string request id.
func StrID(s string) ReqID { return ReqID{kind: idStr, str: s} }

// HelloID is the sentinel id reserved for the HELLO exchange and keepalive.
var HelloID = NumID(-1)

// Num returns the integer value when id is numeric.
func (id ReqID) Num() (int32, bool) { return id.num, id.kind == idNum }

// Str returns the string value when id is a string.
func (id ReqID) Str() (string, bool) { return id.str, id.kind == idStr }

func (id ReqID) String() string {
	switch id.kind {
	case idNum:
		return strconv.FormatInt(int64(id.num), 10)
	case idStr:
		return strconv.Quote(id.str)
	default:
		return "<none>"
	}
}

func (id ReqID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNum:
		return strconv.AppendInt(nil, int64(id.num), 10), nil
	case idStr:
		return json.Marshal(id.str)
	default:
		return []byte("null"), nil
	}
}

func (id *ReqID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StrID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 32)
	if err != nil {
		return fmt.Errorf("request id %s: %w", data, err)
	}
	*id = NumID(int32(n))
	return nil
}

// RateLimitInfo is the server's view of the caller's request budget.
type RateLimitInfo struct {
	Remaining  uint32  `json:"remaining"`
	Limit      uint32  `json:"limit"`
	Current    uint32  `json:"current"`
	Reset      float64 `json:"reset"`
	RetryAfter *uint32 `json:"retryAfter,omitempty"`
}

// Chunk marks a response that is part of a chunked result.
type Chunk struct {
	Index uint32 `json:"index"`
	Final bool   `json:"final"`
}

// Request is an outbound RPC call.
type Request struct {
	ID     *ReqID            `json:"id,omitempty"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	Time   *float64          `json:"time,omitempty"`
}

// NewRequest builds a request without an id; the session assigns one.
func NewRequest(method string, params []json.RawMessage) Request {
	if params == nil {
		params = []json.RawMessage{}
	}
	return Request{Method: method, Params: params}
}

// Response is an inbound RPC reply or server push.
type Response struct {
	Result    json.RawMessage `json:"result,omitempty"`
	ID        *ReqID          `json:"id,omitempty"`
	Error     *domain.Status  `json:"error,omitempty"`
	Terminate *bool           `json:"terminate,omitempty"`
	RateLimit *RateLimitInfo  `json:"rateLimit,omitempty"`
	Chunk     *Chunk          `json:"chunk,omitempty"`
	Time      *float64        `json:"time,omitempty"`
	Bfst      *float64        `json:"bfst,omitempty"`
	Queue     *uint32         `json:"queue,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Into unwraps the response. A response carrying an error becomes a
// *domain.ServiceError; one with neither result nor error yields JSON null.
func (r *Response) Into() (json.RawMessage, error) {
	if !r.HasResult() {
		if r.Error != nil {
			return nil, &domain.ServiceError{Status: *r.Error}
		}
		return jsonNull, nil
	}
	return r.Result, nil
}

// HasResult reports whether a non-null result is present.
func (r *Response) HasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(r.Result, jsonNull)
}

// ResultIs reports whether the result is the JSON string s.
func (r *Response) ResultIs(s string) bool {
	if len(r.Result) == 0 || r.Result[0] != '"' {
		return false
	}
	var v string
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return false
	}
	return v == s
}

// HelloRequest opens a session and states the client's framing preferences.
type HelloRequest struct {
	Request
	Binary      *bool `json:"binary,omitempty"`
	Compression *bool `json:"compression,omitempty"`
}

// NewHelloRequest builds the HELLO request with the sentinel id.
func NewHelloRequest(binary, compression bool) HelloRequest {
	id := HelloID
	req := NewRequest(MethodHello.Verb(), nil)
	req.ID = &id
	return HelloRequest{Request: req, Binary: &binary, Compression: &compression}
}

// HelloResponse is the server's answer to HELLO. Binary and UseCompression
// fix the framing for the rest of the session.
type HelloResponse struct {
	Response
	Binary         bool           `json:"binary"`
	Reconnect      *bool          `json:"reconnect,omitempty"`
	ServerVersion  string         `json:"serverVersion"`
	LastTx         *string        `json:"lastTx,omitempty"`
	LastHash       *string        `json:"lastHash,omitempty"`
	Account        domain.Account `json:"account"`
	UseCompression *bool          `json:"useCompression,omitempty"`
}

// Compression reports whether the server enabled compression.
func (h HelloResponse) Compression() bool {
	return h.UseCompression != nil && *h.UseCompression
}
