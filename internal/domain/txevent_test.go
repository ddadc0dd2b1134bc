package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type issue struct {
	Doc
	Title    string `json:"title"`
	Priority int    `json:"priority"`
}

const issueClass = "tracker:class:Issue"

const createIssueTx = `{
	"_id": "tx1",
	"_class": "core:class:TxCreateDoc",
	"space": "core:space:Tx",
	"modifiedOn": 1700000000000,
	"modifiedBy": "person-1",
	"objectSpace": "project-1",
	"objectId": "issue-1",
	"objectClass": "tracker:class:Issue",
	"attributes": {"title": "Fix it", "priority": 2}
}`

func TestMatchEvent(t *testing.T) {
	raw := []byte(createIssueTx)
	assert.True(t, MatchEvent(raw, ClassTxCreateDoc, issueClass))
	assert.False(t, MatchEvent(raw, ClassTxRemoveDoc, issueClass))
	assert.False(t, MatchEvent(raw, ClassTxCreateDoc, "tracker:class:Project"))
	assert.False(t, MatchEvent([]byte(`{"_class":"core:class:TxCreateDoc"}`), ClassTxCreateDoc, issueClass))
	assert.False(t, MatchEvent([]byte(`not json`), ClassTxCreateDoc, issueClass))
}

func TestDecodeTxEvent_Created(t *testing.T) {
	ev, ok, err := DecodeTxEvent[issue]([]byte(createIssueTx), issueClass)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, TxCreated, ev.Kind)
	assert.Equal(t, "issue-1", ev.ObjectID())
	assert.Equal(t, "Fix it", ev.Doc.Title)
	assert.Equal(t, 2, ev.Doc.Priority)
	assert.Equal(t, "issue-1", ev.Doc.ID)
	assert.Equal(t, issueClass, ev.Doc.Class)
	assert.Equal(t, "project-1", ev.Doc.Space)
	require.NotNil(t, ev.Doc.CreatedOn)
	assert.Equal(t, Timestamp(1700000000000), *ev.Doc.CreatedOn)
	assert.Equal(t, "person-1", ev.Doc.CreatedBy)
}

func TestDecodeTxEvent_Updated(t *testing.T) {
	raw := `{"_id":"tx2","_class":"core:class:TxUpdateDoc","space":"core:space:Tx","objectSpace":"p","objectId":"issue-1","objectClass":"tracker:class:Issue","operations":{"title":"New"},"retrieve":true}`
	ev, ok, err := DecodeTxEvent[issue]([]byte(raw), issueClass)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxUpdated, ev.Kind)
	assert.Equal(t, `"New"`, string(ev.Operations["title"]))
	assert.True(t, ev.Retrieve)
}

func TestDecodeTxEvent_Deleted(t *testing.T) {
	raw := `{"_id":"tx3","_class":"core:class:TxRemoveDoc","space":"core:space:Tx","objectSpace":"p","objectId":"issue-9","objectClass":"tracker:class:Issue"}`
	ev, ok, err := DecodeTxEvent[issue]([]byte(raw), issueClass)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxDeleted, ev.Kind)
	assert.Equal(t, "issue-9", ev.ObjectID())
}

func TestDecodeTxEvent_OtherClassSkipped(t *testing.T) {
	raw := `{"_class":"core:class:TxCreateDoc","objectClass":"chunter:class:Message","objectId":"m1","attributes":{}}`
	_, ok, err := DecodeTxEvent[issue]([]byte(raw), issueClass)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = DecodeTxEvent[issue]([]byte(`{"_class":"core:class:TxDomainEvent","objectClass":"tracker:class:Issue"}`), issueClass)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeTxEvent_MalformedMatchingItem(t *testing.T) {
	raw := `{"_class":"core:class:TxCreateDoc","objectClass":"tracker:class:Issue","objectId":"i","attributes":{"priority":"high"}}`
	_, ok, err := DecodeTxEvent[issue]([]byte(raw), issueClass)
	assert.True(t, ok)
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestTxEventKind_String(t *testing.T) {
	assert.Equal(t, "created", TxCreated.String())
	assert.Equal(t, "updated", TxUpdated.String())
	assert.Equal(t, "deleted", TxDeleted.String())
	assert.Equal(t, "TxEventKind(9)", TxEventKind(9).String())
}

func TestFindOptions(t *testing.T) {
	base := FindOptions{Total: true}
	limited := base.WithLimit(1).Project("title")
	assert.Nil(t, base.Limit)
	require.NotNil(t, limited.Limit)
	assert.Equal(t, 1, *limited.Limit)
	assert.Equal(t, map[string]int{"title": 1}, limited.Projection)
	assert.Nil(t, base.Projection)
}

func TestGenerateID_Unique(t *testing.T) {
	seen := map[Ref]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateID()
		assert.Len(t, id, 26)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
