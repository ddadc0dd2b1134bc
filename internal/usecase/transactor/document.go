package transactor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buger/jsonparser"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

// now is replaced in tests.
var now = time.Now

// CreateDocument describes a document to create. An empty ObjectID gets a
// freshly generated id.
type CreateDocument struct {
	ObjectID        domain.Ref
	ObjectClass     domain.Ref
	ObjectSpace     domain.Ref
	ModifiedBy      domain.PersonID
	CreatedBy       domain.PersonID
	CreatedOn       *domain.Timestamp
	AttachedTo      domain.Ref
	AttachedToClass domain.Ref
	Collection      string
	Attributes      any
}

// UpdateDocument describes operations applied to an existing document.
type UpdateDocument struct {
	ObjectID    domain.Ref
	ObjectClass domain.Ref
	ObjectSpace domain.Ref
	ModifiedBy  domain.PersonID
	Operations  map[string]any
	Retrieve    bool
}

// RemoveDocument identifies a document to remove.
type RemoveDocument struct {
	ObjectID    domain.Ref
	ObjectClass domain.Ref
	ObjectSpace domain.Ref
	ModifiedBy  domain.PersonID
}

type txCreate struct {
	domain.TxCUD
	Attributes any `json:"attributes"`
}

type txUpdate struct {
	domain.TxCUD
	Operations map[string]any `json:"operations"`
	Retrieve   bool           `json:"retrieve,omitempty"`
}

func header(txClass, objectID, objectClass, objectSpace domain.Ref, modifiedBy domain.PersonID) (domain.TxCUD, error) {
	if objectID == "" || objectClass == "" || objectSpace == "" {
		return domain.TxCUD{}, fmt.Errorf("%s: object id, class and space are required: %w", txClass, domain.ErrInvalidInput)
	}
	ts := domain.TimestampOf(now())
	return domain.TxCUD{
		Tx: domain.Tx{
			Doc: domain.Doc{
				Class:      txClass,
				ID:         domain.GenerateID(),
				Space:      domain.SpaceTx,
				ModifiedOn: &ts,
				ModifiedBy: modifiedBy,
			},
			ObjectSpace: objectSpace,
		},
		ObjectID:    objectID,
		ObjectClass: objectClass,
	}, nil
}

// Transaction builds the TxCreateDoc for d.
func (d CreateDocument) Transaction() (any, error) {
	if d.ObjectID == "" {
		d.ObjectID = domain.GenerateID()
	}
	h, err := header(domain.ClassTxCreateDoc, d.ObjectID, d.ObjectClass, d.ObjectSpace, d.ModifiedBy)
	if err != nil {
		return nil, err
	}
	h.CreatedBy = d.CreatedBy
	h.CreatedOn = d.CreatedOn
	h.AttachedTo = d.AttachedTo
	h.AttachedToClass = d.AttachedToClass
	h.Collection = d.Collection

	attrs := d.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return txCreate{TxCUD: h, Attributes: attrs}, nil
}

// Transaction builds the TxUpdateDoc for d.
func (d UpdateDocument) Transaction() (any, error) {
	h, err := header(domain.ClassTxUpdateDoc, d.ObjectID, d.ObjectClass, d.ObjectSpace, d.ModifiedBy)
	if err != nil {
		return nil, err
	}
	if len(d.Operations) == 0 {
		return nil, fmt.Errorf("%s: no operations: %w", domain.ClassTxUpdateDoc, domain.ErrInvalidInput)
	}
	return txUpdate{TxCUD: h, Operations: d.Operations, Retrieve: d.Retrieve}, nil
}

// Transaction builds the TxRemoveDoc for d.
func (d RemoveDocument) Transaction() (any, error) {
	h, err := header(domain.ClassTxRemoveDoc, d.ObjectID, d.ObjectClass, d.ObjectSpace, d.ModifiedBy)
	if err != nil {
		return nil, err
	}
	return domain.TxRemoveDoc{TxCUD: h}, nil
}

// CreateDoc creates d and returns the id of the new document.
func CreateDoc[B Backend](ctx context.Context, c *Client[B], d CreateDocument) (domain.Ref, error) {
	if d.ObjectID == "" {
		d.ObjectID = domain.GenerateID()
	}
	if _, err := Tx[json.RawMessage](ctx, c, d); err != nil {
		return "", domain.WrapOp("CreateDoc", err)
	}
	c.logger.Debug("transactor: document created", "class", d.ObjectClass, "id", d.ObjectID)
	return d.ObjectID, nil
}

// UpdateDoc applies d and returns the raw transaction result.
func UpdateDoc[B Backend](ctx context.Context, c *Client[B], d UpdateDocument) (json.RawMessage, error) {
	res, err := Tx[json.RawMessage](ctx, c, d)
	if err != nil {
		return nil, domain.WrapOp("UpdateDoc", err)
	}
	c.logger.Debug("transactor: document updated", "class", d.ObjectClass, "id", d.ObjectID)
	return res, nil
}

// RemoveDoc removes the document d names.
func RemoveDoc[B Backend](ctx context.Context, c *Client[B], d RemoveDocument) error {
	if _, err := Tx[json.RawMessage](ctx, c, d); err != nil {
		return domain.WrapOp("RemoveDoc", err)
	}
	c.logger.Debug("transactor: document removed", "class", d.ObjectClass, "id", d.ObjectID)
	return nil
}

// FindAll returns the documents of class matching query. query must
// marshal to a JSON object. Each result gets class as its _class when it
// has none, and every scalar query field it lacks.
func FindAll[T any, B Backend](ctx context.Context, c *Client[B], class domain.Ref, query any, opts domain.FindOptions) (domain.FindResult[T], error) {
	var out domain.FindResult[T]

	q, err := json.Marshal(query)
	if err != nil {
		return out, domain.NewDomainError("FindAll", domain.ErrInvalidInput, err.Error())
	}
	if _, typ, _, err := jsonparser.Get(q); err != nil || typ != jsonparser.Object {
		return out, domain.NewDomainError("FindAll", domain.ErrInvalidInput, "query is not an object")
	}

	raw, err := c.Get(ctx, rpc.MethodFindAll,
		rpc.P("class", class),
		rpc.P("query", json.RawMessage(q)),
		rpc.P("options", opts),
	)
	if err != nil {
		return out, domain.WrapOp("FindAll", err)
	}

	var res domain.FindResult[map[string]json.RawMessage]
	if err := json.Unmarshal(raw, &res); err != nil {
		return out, domain.WrapOp("FindAll", domain.NewDecodeError(raw, err))
	}

	fill, err := scalarFields(q)
	if err != nil {
		return out, domain.WrapOp("FindAll", err)
	}
	classJSON, _ := json.Marshal(class)

	out.DataType = res.DataType
	out.Total = res.Total
	out.LookupMap = res.LookupMap
	out.Value = make([]T, 0, len(res.Value))
	for _, doc := range res.Value {
		if doc == nil {
			doc = map[string]json.RawMessage{}
		}
		if _, ok := doc["_class"]; !ok {
			doc["_class"] = classJSON
		}
		for k, v := range fill {
			if _, ok := doc[k]; !ok {
				doc[k] = v
			}
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return out, domain.WrapOp("FindAll", err)
		}
		v, err := decodeAs[T](c.logger, rpc.MethodFindAll.Verb(), b)
		if err != nil {
			return out, domain.WrapOp("FindAll", err)
		}
		out.Value = append(out.Value, v)
	}
	return out, nil
}

// FindOne returns the first document matching query. ok is false when
// nothing matched.
func FindOne[T any, B Backend](ctx context.Context, c *Client[B], class domain.Ref, query any, opts domain.FindOptions) (doc T, ok bool, err error) {
	res, err := FindAll[T](ctx, c, class, query, opts.WithLimit(1))
	if err != nil || len(res.Value) == 0 {
		return doc, false, err
	}
	return res.Value[0], true, nil
}

// scalarFields returns the string, number and boolean members of a JSON object.
func scalarFields(obj []byte) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	err := jsonparser.ObjectEach(obj, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		k, err := jsonparser.ParseString(key)
		if err != nil {
			return err
		}
		switch typ {
		case jsonparser.String:
			out[k] = append(append(json.RawMessage{'"'}, value...), '"')
		case jsonparser.Number, jsonparser.Boolean:
			out[k] = append(json.RawMessage(nil), value...)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewDecodeError(obj, err)
	}
	return out, nil
}
