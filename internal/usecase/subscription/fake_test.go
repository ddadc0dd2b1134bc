package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"transactor-client/internal/adapter/backend"
	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

const issueClass = "tracker:class:Issue"

var _ Streamer = (*backend.WSBackend)(nil)

type issue struct {
	ID    string `json:"_id"`
	Class string `json:"_class"`
	Space string `json:"space"`
	Title string `json:"title"`
}

type findReply struct {
	body string
	err  error
}

// fakeStreamer answers find-all from a scripted list of replies (the last
// one repeats) and pushes transactions through a real hub.
type fakeStreamer struct {
	hub   *backend.Hub
	gate  chan struct{}
	finds atomic.Int32

	mu      sync.Mutex
	replies []findReply
}

func newFakeStreamer(capacity int, replies ...findReply) *fakeStreamer {
	return &fakeStreamer{hub: backend.NewHub(capacity), replies: replies}
}

func (f *fakeStreamer) Get(ctx context.Context, method rpc.Method, _ []rpc.Param) (json.RawMessage, error) {
	if method != rpc.MethodFindAll {
		return nil, fmt.Errorf("unexpected method %s", method)
	}
	n := int(f.finds.Add(1))
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.replies[min(n, len(f.replies))-1]
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.body), nil
}

func (f *fakeStreamer) Post(context.Context, rpc.Method, any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (f *fakeStreamer) TxRaw(context.Context, any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (f *fakeStreamer) DomainRequest(context.Context, string, string, any) (domain.DomainResult[json.RawMessage], error) {
	return domain.DomainResult[json.RawMessage]{}, errors.New("not supported")
}

func (f *fakeStreamer) Base() *url.URL { return &url.URL{Scheme: "ws", Host: "fake"} }
func (f *fakeStreamer) Workspace() domain.WorkspaceUUID { return uuid.Nil }
func (f *fakeStreamer) Token() string { return "" }
func (f *fakeStreamer) Subscribe() *backend.Receiver { return f.hub.Subscribe() }

func (f *fakeStreamer) push(raw string) { f.hub.Publish(json.RawMessage(raw)) }

func findBody(ids ...string) string {
	docs := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, map[string]string{"_id": id, "space": "proj", "title": "issue " + id})
	}
	b, _ := json.Marshal(map[string]any{"total": len(ids), "value": docs})
	return string(b)
}

func createTx(class, id, title string) string {
	return fmt.Sprintf(`{"_class":"core:class:TxCreateDoc","_id":"tx-%[2]s","space":"core:space:Tx",
		"objectSpace":"proj","objectId":%[2]q,"objectClass":%[1]q,
		"modifiedOn":1700000000000,"modifiedBy":"1","attributes":{"title":%[3]q}}`, class, id, title)
}

func updateTx(class, id string) string {
	return fmt.Sprintf(`{"_class":"core:class:TxUpdateDoc","_id":"tx-u-%[2]s","space":"core:space:Tx",
		"objectSpace":"proj","objectId":%[2]q,"objectClass":%[1]q,
		"operations":{"title":"renamed"},"retrieve":true}`, class, id)
}

func removeTx(class, id string) string {
	return fmt.Sprintf(`{"_class":"core:class:TxRemoveDoc","_id":"tx-r-%[2]s","space":"core:space:Tx",
		"objectSpace":"proj","objectId":%[2]q,"objectClass":%[1]q}`, class, id)
}
