// Package gateway terminates persistent client connections and multiplexes
// query and notification traffic per session.
package gateway

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	TypeQuery                 MessageType = "QUERY"
	TypeQueryResponse         MessageType = "QUERY_RESPONSE"
	TypeSubscribe             MessageType = "SUBSCRIBE"
	TypeSubscribeResponse     MessageType = "SUBSCRIBE_RESPONSE"
	TypeUnsubscribe           MessageType = "UNSUBSCRIBE"
	TypeUnsubscribeResponse   MessageType = "UNSUBSCRIBE_RESPONSE"
	TypeNotification          MessageType = "NOTIFICATION"
	TypeConnectionEstablished MessageType = "CONNECTION_ESTABLISHED"
)

type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Statement is the structured query form. Every statement names its sync
// group up front so the touched group is resolvable before any row is read.
type Statement struct {
	Action    Action          `json:"action"`
	SyncGroup string          `json:"syncGroup"`
	EntityID  string          `json:"entityId,omitempty"`
	Name      string          `json:"name,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

func (s Statement) Validate() error {
	switch s.Action {
	case ActionSelect, ActionInsert, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.SyncGroup == "" {
		return fmt.Errorf("statement requires a sync group")
	}
	switch s.Action {
	case ActionUpdate, ActionDelete:
		if s.EntityID == "" {
			return fmt.Errorf("%s requires an entity id", s.Action)
		}
	case ActionInsert:
		if s.Name == "" {
			return fmt.Errorf("insert requires an entity name")
		}
	}
	return nil
}

// Client-to-server variants. DecodeClientMessage returns exactly one of
// these; handlers switch exhaustively on the concrete type.

type Query struct {
	RequestID string
	Statement Statement
}

type Subscribe struct {
	RequestID string
	Channel   string
}

type Unsubscribe struct {
	RequestID string
	Channel   string
}

type clientEnvelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Statement *Statement  `json:"statement,omitempty"`
	Channel   string      `json:"channel,omitempty"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope clientEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if envelope.RequestID == "" {
		return nil, fmt.Errorf("message requires a requestId")
	}

	switch envelope.Type {
	case TypeQuery:
		if envelope.Statement == nil {
			return nil, fmt.Errorf("query requires a statement")
		}
		return Query{RequestID: envelope.RequestID, Statement: *envelope.Statement}, nil
	case TypeSubscribe:
		if envelope.Channel == "" {
			return nil, fmt.Errorf("subscribe requires a channel")
		}
		return Subscribe{RequestID: envelope.RequestID, Channel: envelope.Channel}, nil
	case TypeUnsubscribe:
		if envelope.Channel == "" {
			return nil, fmt.Errorf("unsubscribe requires a channel")
		}
		return Unsubscribe{RequestID: envelope.RequestID, Channel: envelope.Channel}, nil
	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
}

// Server-to-client variants.

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type QueryResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Results   any         `json:"results,omitempty"`
	Error     *WireError  `json:"error,omitempty"`
}

type SubscribeResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Channel   string      `json:"channel"`
	Success   bool        `json:"success"`
	Error     *WireError  `json:"error,omitempty"`
}

type Notification struct {
	Type    MessageType     `json:"type"`
	Channel string          `json:"channel"`
	EventID int64           `json:"eventId"`
	Payload json.RawMessage `json:"payload"`
}

type ConnectionEstablished struct {
	Type      MessageType `json:"type"`
	AgentID   string      `json:"agentId"`
	SessionID string      `json:"sessionId"`
}

func newQueryResponse(requestID string, results any) QueryResponse {
	return QueryResponse{Type: TypeQueryResponse, RequestID: requestID, Results: results}
}

func newQueryError(requestID, code, message string) QueryResponse {
	return QueryResponse{Type: TypeQueryResponse, RequestID: requestID, Error: &WireError{Code: code, Message: message}}
}

func newSubscribeResponse(kind MessageType, requestID, channel string, success bool, wireErr *WireError) SubscribeResponse {
	return SubscribeResponse{Type: kind, RequestID: requestID, Channel: channel, Success: success, Error: wireErr}
}
