package rpc

import "fmt"

// Method is a remote operation known to the transactor.
type Method int

const (
	MethodAccount Method = iota
	MethodFindAll
	MethodEnsurePerson
	MethodTx
	MethodDomainRequest
	MethodEvent
	MethodPing
	MethodHello

	methodCount
)

type methodName struct {
	path string // HTTP path segment
	verb string // WebSocket method name
}

var methodTable = [...]methodName{
	MethodAccount:       {"account", "account"},
	MethodFindAll:       {"find-all", "findAll"},
	MethodEnsurePerson:  {"ensure-person", "ensurePerson"},
	MethodTx:            {"tx", "tx"},
	MethodDomainRequest: {"request", "domainRequest"},
	MethodEvent:         {"event", "event"},
	MethodPing:          {"ping", "ping"},
	MethodHello:         {"hello", "hello"},
}

// Fails to compile when a Method constant has no table entry.
var _ [methodCount]methodName = methodTable

// Wire tokens that bypass envelope parsing.
const (
	PingToken   = "ping"
	PongToken   = "pong!"
	HelloResult = "hello"
)

// Path is the HTTP path segment spelling.
func (m Method) Path() string { return m.name().path }

// Verb is the WebSocket method spelling.
func (m Method) Verb() string { return m.name().verb }

func (m Method) String() string { return m.Verb() }

func (m Method) name() methodName {
	if m < 0 || m >= methodCount {
		panic(fmt.Sprintf("rpc: unknown method %d", int(m)))
	}
	return methodTable[m]
}

// Methods lists every known method.
func Methods() []Method {
	out := make([]Method, 0, methodCount)
	for m := Method(0); m < methodCount; m++ {
		out = append(out, m)
	}
	return out
}
