package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Ref is a document or class reference.
type Ref = string

// PersonID is a social id string.
type PersonID = string

// WorkspaceUUID identifies a workspace.
type WorkspaceUUID = uuid.UUID

// Transaction classes and spaces understood by the transactor.
const (
	ClassTxCreateDoc      Ref = "core:class:TxCreateDoc"
	ClassTxUpdateDoc      Ref = "core:class:TxUpdateDoc"
	ClassTxRemoveDoc      Ref = "core:class:TxRemoveDoc"
	ClassTxDomainEvent    Ref = "core:class:TxDomainEvent"
	ClassTxWorkspaceEvent Ref = "core:class:TxWorkspaceEvent"
	ClassSpace            Ref = "core:class:Space"

	SpaceTx Ref = "core:space:Tx"
)

// Timestamp is milliseconds since the Unix epoch.
type Timestamp int64

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp { return Timestamp(t.UnixMilli()) }

// Time converts ts back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time { return time.UnixMilli(int64(ts)).UTC() }

// Doc is the common header of every stored document.
type Doc struct {
	Class      Ref        `json:"_class"`
	ID         Ref        `json:"_id"`
	Space      Ref        `json:"space"`
	ModifiedOn *Timestamp `json:"modifiedOn,omitempty"`
	ModifiedBy PersonID   `json:"modifiedBy,omitempty"`
	CreatedBy  PersonID   `json:"createdBy,omitempty"`
	CreatedOn  *Timestamp `json:"createdOn,omitempty"`
}

// Tx is a transaction document.
type Tx struct {
	Doc
	ObjectSpace Ref `json:"objectSpace"`
}

// TxCUD is the header shared by create, update and remove transactions.
type TxCUD struct {
	Tx
	ObjectID        Ref    `json:"objectId"`
	ObjectClass     Ref    `json:"objectClass"`
	AttachedTo      Ref    `json:"attachedTo,omitempty"`
	AttachedToClass Ref    `json:"attachedToClass,omitempty"`
	Collection      string `json:"collection,omitempty"`
}

// TxCreateDoc creates ObjectID with Attributes.
type TxCreateDoc struct {
	TxCUD
	Attributes json.RawMessage `json:"attributes"`
}

// TxUpdateDoc applies Operations to ObjectID.
type TxUpdateDoc struct {
	TxCUD
	Operations map[string]json.RawMessage `json:"operations"`
	Retrieve   bool                       `json:"retrieve,omitempty"`
}

// TxRemoveDoc removes ObjectID.
type TxRemoveDoc struct {
	TxCUD
}

// TxDomainEvent carries an opaque event for a named operation domain.
type TxDomainEvent struct {
	Tx
	Domain string          `json:"domain"`
	Event  json.RawMessage `json:"event"`
}

// FindOptions mirrors the server-side find options.
type FindOptions struct {
	Limit        *int           `json:"limit,omitempty"`
	Sort         map[string]int `json:"sort,omitempty"`
	Projection   map[string]int `json:"projection,omitempty"`
	Total        bool           `json:"total"`
	ShowArchived bool           `json:"showArchived"`
}

// WithLimit returns a copy of o limited to n documents.
func (o FindOptions) WithLimit(n int) FindOptions {
	o.Limit = &n
	return o
}

// Project adds field to the projection.
func (o FindOptions) Project(field string) FindOptions {
	p := make(map[string]int, len(o.Projection)+1)
	for k, v := range o.Projection {
		p[k] = v
	}
	p[field] = 1
	o.Projection = p
	return o
}

// FindResult is the answer to a find-all call.
type FindResult[T any] struct {
	DataType  string                     `json:"dataType,omitempty"`
	Total     int64                      `json:"total"`
	Value     []T                        `json:"value"`
	LookupMap map[string]json.RawMessage `json:"lookupMap,omitempty"`
}

// DomainResult is the answer to a domain request.
type DomainResult[T any] struct {
	Domain string `json:"domain"`
	Value  T      `json:"value"`
}

// GenerateID returns a fresh, lexically sortable document id.
func GenerateID() Ref {
	return strings.ToLower(ulid.Make().String())
}
