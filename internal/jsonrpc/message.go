// Package jsonrpc implements the JSON-RPC 2.0 dialect spoken with child tool
// servers over the line-framed stdio transport: message parsing and
// validation, request/response correlation, per-call deadlines, and the
// initialize / tools/list / tools/call conventions.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical JSON-RPC 2.0 error codes. Application-defined codes live in the
// reserved range -32000..-32099.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerErrorMin and CodeServerErrorMax bound the reserved
	// application range (inclusive, numerically descending).
	CodeServerErrorMax = -32000
	CodeServerErrorMin = -32099
)

// Version is the only accepted value of the jsonrpc field.
const Version = "2.0"

// Error is the JSON-RPC error object carried in error responses.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so protocol errors can flow through
// normal Go error returns while retaining their code.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a validated message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Message is the wire shape shared by requests, responses and notifications.
// Which fields are meaningful depends on Classify.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries an id field at all. A literal
// null id is present but uncorrelatable.
func (m *Message) HasID() bool {
	return len(m.ID) > 0
}

// IDIsNull reports whether the id field is the JSON literal null.
func (m *Message) IDIsNull() bool {
	return bytes.Equal(bytes.TrimSpace(m.ID), []byte("null"))
}

// Classify validates m against the JSON-RPC 2.0 rules and reports its kind.
// The returned *Error is non-nil exactly when the kind is KindInvalid and
// carries the canonical code for the violation.
func (m *Message) Classify() (Kind, *Error) {
	if m.JSONRPC != Version {
		return KindInvalid, &Error{Code: CodeInvalidRequest, Message: `jsonrpc field must be "2.0"`}
	}

	switch {
	case m.Method != "":
		// Request or notification.
		if !validParams(m.Params) {
			return KindInvalid, &Error{Code: CodeInvalidRequest, Message: "params must be an object or array"}
		}
		if !m.HasID() {
			return KindNotification, nil
		}
		if !validID(m.ID) {
			return KindInvalid, &Error{Code: CodeInvalidRequest, Message: "id must be a string, number, or null"}
		}
		return KindRequest, nil

	case m.Result != nil || m.Error != nil:
		if m.Result != nil && m.Error != nil {
			return KindInvalid, &Error{Code: CodeInvalidRequest, Message: "response carries both result and error"}
		}
		if !m.HasID() || !validID(m.ID) {
			return KindInvalid, &Error{Code: CodeInvalidRequest, Message: "response id must be a string, number, or null"}
		}
		return KindResponse, nil

	default:
		return KindInvalid, &Error{Code: CodeInvalidRequest, Message: "message has neither method nor result/error"}
	}
}

// validID accepts string, number, or null per the 2.0 spec. Objects and
// arrays are rejected.
func validID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[':
		return false
	case 't', 'f':
		return false // booleans are not valid ids
	}
	return json.Valid(trimmed)
}

// validParams accepts an absent params field, an object, or an array.
func validParams(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	if !json.Valid(trimmed) {
		return false
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// Decode parses one wire line into either a single message or a batch.
// Malformed JSON yields a ParseError; an empty batch yields an
// InvalidRequest, both per the 2.0 spec. Elements of a batch are returned
// raw — each is classified independently by the caller so one bad element
// does not poison its siblings.
func Decode(line []byte) ([]json.RawMessage, *Error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, &Error{Code: CodeParseError, Message: "empty message"}
	}

	if trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, &Error{Code: CodeParseError, Message: "malformed batch: " + err.Error()}
		}
		if len(batch) == 0 {
			return nil, &Error{Code: CodeInvalidRequest, Message: "empty batch"}
		}
		return batch, nil
	}

	if !json.Valid(trimmed) {
		return nil, &Error{Code: CodeParseError, Message: "malformed message"}
	}
	return []json.RawMessage{trimmed}, nil
}

// newRequest builds an outbound request with a numeric id. Ids are assigned
// by the client; null ids are never sent because they cannot be correlated.
func newRequest(id int64, method string, params any) (*Message, error) {
	m := &Message{
		JSONRPC: Version,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal params for %s: %w", method, err)
		}
		m.Params = raw
	}
	return m, nil
}

// newNotification builds an outbound notification (no id, no reply).
func newNotification(method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal params for %s: %w", method, err)
		}
		m.Params = raw
	}
	return m, nil
}

// newErrorResponse builds the reply sent for unserviceable server→client
// requests (we register no method handlers, so this is always MethodNotFound).
func newErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
