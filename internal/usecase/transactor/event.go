package transactor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/buger/jsonparser"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
)

// MessageRequestType names a communication event.
type MessageRequestType string

const (
	CreateMessage             MessageRequestType = "createMessage"
	RemoveMessages            MessageRequestType = "removeMessages"
	CreatePatch               MessageRequestType = "createPatch"
	CreateReaction            MessageRequestType = "createReaction"
	RemoveReaction            MessageRequestType = "removeReaction"
	CreateFile                MessageRequestType = "createFile"
	RemoveFile                MessageRequestType = "removeFile"
	CreateThread              MessageRequestType = "createThread"
	UpdateThread              MessageRequestType = "updateThread"
	CreateMessagesGroup       MessageRequestType = "createMessagesGroup"
	RemoveMessagesGroup       MessageRequestType = "removeMessagesGroup"
	CreateLabel               MessageRequestType = "createLabel"
	RemoveLabel               MessageRequestType = "removeLabel"
	AddCollaborators          MessageRequestType = "addCollaborators"
	RemoveCollaborators       MessageRequestType = "removeCollaborators"
	CreateNotification        MessageRequestType = "createNotification"
	RemoveNotifications       MessageRequestType = "removeNotifications"
	CreateNotificationContext MessageRequestType = "createNotificationContext"
	RemoveNotificationContext MessageRequestType = "removeNotificationContext"
	UpdateNotificationContext MessageRequestType = "updateNotificationContext"
)

// Envelope wraps an event request. On the wire the request's fields sit
// next to "type" in a single object.
type Envelope struct {
	Type    MessageRequestType
	Request any
}

// MarshalJSON flattens Request into the envelope object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("event envelope: empty type: %w", domain.ErrInvalidInput)
	}
	typ, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}

	body := []byte("{}")
	if e.Request != nil {
		if body, err = json.Marshal(e.Request); err != nil {
			return nil, fmt.Errorf("event envelope: %w", err)
		}
		if string(body) == "null" {
			body = []byte("{}")
		}
	}
	if _, vt, _, err := jsonparser.Get(body); err != nil || vt != jsonparser.Object {
		return nil, fmt.Errorf("event envelope: request is not an object: %w", domain.ErrInvalidInput)
	}
	return jsonparser.Set(body, typ, "type")
}

// SendEvent posts e and discards the result.
func SendEvent[B Backend](ctx context.Context, c *Client[B], e Envelope) error {
	if _, err := c.Post(ctx, rpc.MethodEvent, e); err != nil {
		return domain.WrapOp("SendEvent", err)
	}
	c.logger.Debug("transactor: event sent", "type", e.Type)
	return nil
}

// RequestEvent posts e and decodes the result into R.
func RequestEvent[R any, B Backend](ctx context.Context, c *Client[B], e Envelope) (R, error) {
	r, err := Post[R](ctx, c, rpc.MethodEvent, e)
	return r, domain.WrapOp("RequestEvent", err)
}
