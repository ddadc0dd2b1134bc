package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactor-client/internal/adapter/backend"
	"transactor-client/internal/adapter/journal"
	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
	"transactor-client/internal/usecase/transactor"
)

const issueClass = "tracker:class:Issue"

var testWorkspace = uuid.MustParse("0f2f7c4e-8f0a-4a53-9d55-3d8a1d1f6a10")

// streamer serves a fixed find-all result and pushes through a real hub.
type streamer struct {
	hub   *backend.Hub
	body  string
	finds atomic.Int32
}

func (s *streamer) Get(_ context.Context, _ rpc.Method, _ []rpc.Param) (json.RawMessage, error) {
	s.finds.Add(1)
	return json.RawMessage(s.body), nil
}

func (s *streamer) Post(context.Context, rpc.Method, any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (s *streamer) TxRaw(context.Context, any) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

func (s *streamer) DomainRequest(context.Context, string, string, any) (domain.DomainResult[json.RawMessage], error) {
	return domain.DomainResult[json.RawMessage]{}, errors.New("not supported")
}

func (s *streamer) Base() *url.URL { return &url.URL{Scheme: "ws", Host: "fake"} }
func (s *streamer) Workspace() domain.WorkspaceUUID { return testWorkspace }
func (s *streamer) Token() string { return "" }
func (s *streamer) Subscribe() *backend.Receiver { return s.hub.Subscribe() }

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
	pruned  atomic.Int32
}

func (m *memJournal) Append(_ context.Context, e journal.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return int64(len(m.entries)), nil
}

func (m *memJournal) Prune(context.Context, time.Time) (int64, error) {
	m.pruned.Add(1)
	return 0, nil
}

func (m *memJournal) snapshot() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...)
}

func tx(kind, id string) json.RawMessage {
	switch kind {
	case "create":
		return json.RawMessage(fmt.Sprintf(`{"_class":"core:class:TxCreateDoc","_id":"t1","space":"core:space:Tx","objectSpace":"proj","objectId":%q,"objectClass":%q,"attributes":{"title":"hi"}}`, id, issueClass))
	case "update":
		return json.RawMessage(fmt.Sprintf(`{"_class":"core:class:TxUpdateDoc","_id":"t2","space":"core:space:Tx","objectSpace":"proj","objectId":%q,"objectClass":%q,"operations":{"title":"renamed"}}`, id, issueClass))
	default:
		return json.RawMessage(fmt.Sprintf(`{"_class":"core:class:TxRemoveDoc","_id":"t3","space":"core:space:Tx","objectSpace":"proj","objectId":%q,"objectClass":%q}`, id, issueClass))
	}
}

type run struct {
	events chan Event
	done   chan error
	cancel context.CancelFunc

	// gate, when set, holds the handler on every polled event and parked
	// reports that it is held.
	gate   chan struct{}
	parked chan struct{}
}

func start(t *testing.T, s *streamer, j Journal, cfg Config, gate chan struct{}) *run {
	t.Helper()
	r := &run{events: make(chan Event, 64), done: make(chan error, 1), gate: gate, parked: make(chan struct{}, 1)}
	handler := func(_ context.Context, ev Event) {
		if r.gate != nil && ev.Kind == domain.LivePolled {
			select {
			case r.parked <- struct{}{}:
			default:
			}
			<-r.gate
		}
		r.events <- ev
	}
	w, err := New(transactor.New(s, nil), j, handler, cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	t.Cleanup(cancel)
	go func() { r.done <- w.Run(ctx) }()
	return r
}

func (r *run) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func (r *run) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
		return nil
	}
}

func TestWatcher_JournalsPolledEvents(t *testing.T) {
	s := &streamer{hub: backend.NewHub(16), body: `{"total":2,"value":[{"_id":"a"},{"_id":"b"}]}`}
	j := &memJournal{}
	r := start(t, s, j, Config{Class: issueClass}, nil)

	ev := r.next(t)
	require.Equal(t, domain.LiveInitial, ev.Kind)
	assert.Len(t, ev.Snapshot, 2)

	s.hub.Publish(tx("create", "c"))
	s.hub.Publish(tx("update", "a"))
	s.hub.Publish(tx("remove", "b"))
	for range 3 {
		assert.Equal(t, domain.LivePolled, r.next(t).Kind)
	}

	r.cancel()
	assert.NoError(t, r.wait(t), "cancel is a clean stop")

	entries := j.snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"created", "updated", "deleted"}, []string{entries[0].Kind, entries[1].Kind, entries[2].Kind})
	assert.Equal(t, testWorkspace.String(), entries[0].Workspace)
	assert.Equal(t, "c", entries[0].ObjectID)
	assert.JSONEq(t, `{"_id":"c","_class":"tracker:class:Issue","space":"proj","title":"hi"}`, string(entries[0].Payload))
	assert.JSONEq(t, `{"title":"renamed"}`, string(entries[1].Payload))
	assert.Nil(t, entries[2].Payload)
}

func TestWatcher_LagResyncs(t *testing.T) {
	s := &streamer{hub: backend.NewHub(1), body: `{"total":0,"value":[]}`}
	gate := make(chan struct{})
	r := start(t, s, nil, Config{Class: issueClass}, gate)

	require.Equal(t, domain.LiveInitial, r.next(t).Kind)

	// The first event parks the handler, so the rest overflow the buffer.
	s.hub.Publish(tx("create", "x"))
	select {
	case <-r.parked:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	for range 3 {
		s.hub.Publish(tx("create", "y"))
	}
	close(gate)

	assert.Equal(t, domain.LivePolled, r.next(t).Kind)
	ev := r.next(t)
	assert.Equal(t, domain.LiveInitial, ev.Kind, "a lag restarts with a fresh snapshot")
	assert.Equal(t, int32(2), s.finds.Load())
}

func TestWatcher_SessionEnd(t *testing.T) {
	s := &streamer{hub: backend.NewHub(4), body: `{"total":0,"value":[]}`}
	r := start(t, s, nil, Config{Class: issueClass}, nil)

	require.Equal(t, domain.LiveInitial, r.next(t).Kind)
	s.hub.Close()
	assert.ErrorIs(t, r.wait(t), domain.ErrSubscriptionClosed)
}

func TestWatcher_SchedulesPrune(t *testing.T) {
	s := &streamer{hub: backend.NewHub(4), body: `{"total":0,"value":[]}`}
	j := &memJournal{}
	start(t, s, j, Config{Class: issueClass, Retention: time.Hour, PruneSchedule: "20ms"}, nil)

	assert.Eventually(t, func() bool { return j.pruned.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_WithSQLiteJournal(t *testing.T) {
	store, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := &streamer{hub: backend.NewHub(4), body: `{"total":0,"value":[]}`}
	r := start(t, s, store, Config{Class: issueClass, Retention: 24 * time.Hour, PruneSchedule: "@hourly"}, nil)

	require.Equal(t, domain.LiveInitial, r.next(t).Kind)
	s.hub.Publish(tx("create", "n1"))
	r.next(t)

	got, err := store.List(context.Background(), issueClass, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].ObjectID)
}

func TestNew_Validation(t *testing.T) {
	s := &streamer{hub: backend.NewHub(1)}
	_, err := New(transactor.New(s, nil), nil, nil, Config{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(transactor.New(s, nil), &memJournal{}, nil, Config{Class: issueClass, Retention: time.Hour, PruneSchedule: "bogus"}, nil)
	assert.Error(t, err)
}
