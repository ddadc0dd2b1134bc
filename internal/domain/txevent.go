package domain

import (
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"
)

// TxEventKind tells which document operation a TxEvent carries.
type TxEventKind int

const (
	TxCreated TxEventKind = iota + 1
	TxUpdated
	TxDeleted
)

func (k TxEventKind) String() string {
	switch k {
	case TxCreated:
		return "created"
	case TxUpdated:
		return "updated"
	case TxDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("TxEventKind(%d)", int(k))
	}
}

// TxEvent is a create, update or remove of a document of class C.
type TxEvent[C any] struct {
	Kind   TxEventKind
	Header TxCUD

	// Doc is set for TxCreated.
	Doc C
	// Operations and Retrieve are set for TxUpdated.
	Operations map[string]json.RawMessage
	Retrieve   bool
}

// ObjectID is the id of the document the event touches.
func (e TxEvent[C]) ObjectID() Ref { return e.Header.ObjectID }

// LiveQueryEventKind distinguishes the snapshot from incremental events.
type LiveQueryEventKind int

const (
	LiveInitial LiveQueryEventKind = iota + 1
	LivePolled
)

// LiveQueryEvent is either the Initial snapshot or a Polled TxEvent.
type LiveQueryEvent[C any] struct {
	Kind     LiveQueryEventKind
	Snapshot []C
	Event    TxEvent[C]
}

// MatchEvent reports whether raw is a transaction of txClass targeting objectClass.
func MatchEvent(raw []byte, txClass, objectClass Ref) bool {
	c, err := jsonparser.GetString(raw, "_class")
	if err != nil || c != txClass {
		return false
	}
	oc, err := jsonparser.GetString(raw, "objectClass")
	return err == nil && oc == objectClass
}

// ClassifyTx returns the event kind of raw when it targets class.
func ClassifyTx(raw []byte, class Ref) (TxEventKind, bool) {
	switch {
	case MatchEvent(raw, ClassTxCreateDoc, class):
		return TxCreated, true
	case MatchEvent(raw, ClassTxUpdateDoc, class):
		return TxUpdated, true
	case MatchEvent(raw, ClassTxRemoveDoc, class):
		return TxDeleted, true
	}
	return 0, false
}

// DecodeTxEvent decodes raw into a TxEvent for class. ok is false when raw
// does not target class; err is a *DecodeError when it does but is malformed.
func DecodeTxEvent[C any](raw []byte, class Ref) (ev TxEvent[C], ok bool, err error) {
	kind, ok := ClassifyTx(raw, class)
	if !ok {
		return ev, false, nil
	}
	ev.Kind = kind

	switch kind {
	case TxCreated:
		var tx TxCreateDoc
		if err := json.Unmarshal(raw, &tx); err != nil {
			return ev, true, NewDecodeError(raw, err)
		}
		ev.Header = tx.TxCUD
		doc, err := CreateDocToDoc[C](tx)
		if err != nil {
			return ev, true, NewDecodeError(raw, err)
		}
		ev.Doc = doc
	case TxUpdated:
		var tx TxUpdateDoc
		if err := json.Unmarshal(raw, &tx); err != nil {
			return ev, true, NewDecodeError(raw, err)
		}
		ev.Header = tx.TxCUD
		ev.Operations = tx.Operations
		ev.Retrieve = tx.Retrieve
	case TxDeleted:
		var tx TxRemoveDoc
		if err := json.Unmarshal(raw, &tx); err != nil {
			return ev, true, NewDecodeError(raw, err)
		}
		ev.Header = tx.TxCUD
	}
	return ev, true, nil
}

// CreateDocToDoc materializes the document a TxCreateDoc creates.
func CreateDocToDoc[C any](tx TxCreateDoc) (C, error) {
	var doc C

	attrs := map[string]json.RawMessage{}
	if len(tx.Attributes) > 0 && string(tx.Attributes) != "null" {
		if err := json.Unmarshal(tx.Attributes, &attrs); err != nil {
			return doc, fmt.Errorf("attributes: %w", err)
		}
	}

	set := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		attrs[key] = b
		return nil
	}

	createdOn, createdBy := tx.CreatedOn, tx.CreatedBy
	if createdOn == nil {
		createdOn = tx.ModifiedOn
	}
	if createdBy == "" {
		createdBy = tx.ModifiedBy
	}

	fields := []struct {
		key   string
		value any
		skip  bool
	}{
		{"_id", tx.ObjectID, false},
		{"_class", tx.ObjectClass, false},
		{"space", tx.ObjectSpace, false},
		{"modifiedOn", tx.ModifiedOn, tx.ModifiedOn == nil},
		{"modifiedBy", tx.ModifiedBy, tx.ModifiedBy == ""},
		{"createdOn", createdOn, createdOn == nil},
		{"createdBy", createdBy, createdBy == ""},
		{"attachedTo", tx.AttachedTo, tx.AttachedTo == ""},
		{"attachedToClass", tx.AttachedToClass, tx.AttachedToClass == ""},
		{"collection", tx.Collection, tx.Collection == ""},
	}
	for _, f := range fields {
		if f.skip {
			continue
		}
		if err := set(f.key, f.value); err != nil {
			return doc, err
		}
	}

	b, err := json.Marshal(attrs)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, err
	}
	return doc, nil
}
