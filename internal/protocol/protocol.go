// Package protocol defines the JSON messages exchanged between collaborating
// clients and a document session.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Dancode-188/pdfsync/server/internal/annotation"
)

// Message types
const (
	TypeSyncAnnotations  = "sync-annotations"
	TypeSyncDeletedPages = "sync-deleted-pages"
	TypeCursorMove       = "cursor-move"
	TypeAISummarize      = "ai-summarize"
	TypeAIStatus         = "ai-status"
	TypeAIResult         = "ai-result"
	TypeError            = "error"
)

// Status values carried by ai-status.
type Status string

const (
	StatusThinking Status = "thinking"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	CodeReadOnly       = "READ_ONLY"
)

// ErrMalformed is wrapped by every decoding failure.
var ErrMalformed = errors.New("malformed message")

// clientTypes lists the types a client may send.
var clientTypes = map[string]bool{
	TypeSyncAnnotations:  true,
	TypeSyncDeletedPages: true,
	TypeCursorMove:       true,
	TypeAISummarize:      true,
}

// IsClientType reports whether clients are allowed to send t.
func IsClientType(t string) bool {
	return clientTypes[t]
}

// IsWrite reports whether t changes shared document state.
func IsWrite(t string) bool {
	return t == TypeSyncAnnotations || t == TypeSyncDeletedPages
}

// ExcludesSender reports whether a rebroadcast of t skips the client that
// sent it. Sync and cursor messages are echo-suppressed; AI results are not.
func ExcludesSender(t string) bool {
	switch t {
	case TypeSyncAnnotations, TypeSyncDeletedPages, TypeCursorMove:
		return true
	}
	return false
}

// Message is an inbound frame. Raw holds the exact bytes received so the
// message can be rebroadcast verbatim.
type Message struct {
	Type   string
	Raw    []byte
	fields map[string]json.RawMessage
}

// Cursor is the payload of cursor-move.
type Cursor struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Page     int     `json:"page"`
	ClientID string  `json:"clientId"`
}

// Decode parses a client frame and checks its type.
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msgType string
	if err := json.Unmarshal(fields["type"], &msgType); err != nil || msgType == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformed)
	}
	if !IsClientType(msgType) {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, msgType)
	}

	return &Message{Type: msgType, Raw: data, fields: fields}, nil
}

// Annotations decodes the annotations of a sync-annotations message. The raw
// list is returned alongside so it can be replayed to late joiners.
func (m *Message) Annotations() ([]annotation.Annotation, json.RawMessage, error) {
	raw, ok := m.fields["annotations"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing annotations", ErrMalformed)
	}
	list, err := annotation.DecodeList(raw)
	if err != nil {
		return nil, nil, err
	}
	return list, raw, nil
}

// DeletedPages decodes the 0-based page indices of a sync-deleted-pages
// message.
func (m *Message) DeletedPages() ([]int, error) {
	raw, ok := m.fields["deletedPages"]
	if !ok {
		return nil, fmt.Errorf("%w: missing deletedPages", ErrMalformed)
	}
	var pages []int
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, fmt.Errorf("%w: deletedPages: %v", ErrMalformed, err)
	}
	if pages == nil {
		pages = []int{}
	}
	return pages, nil
}

// Cursor decodes a cursor-move payload.
func (m *Message) Cursor() (Cursor, error) {
	var c Cursor
	if err := json.Unmarshal(m.Raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: cursor: %v", ErrMalformed, err)
	}
	return c, nil
}

type syncAnnotations struct {
	Type        string          `json:"type"`
	Annotations json.RawMessage `json:"annotations"`
}

type syncDeletedPages struct {
	Type         string `json:"type"`
	DeletedPages []int  `json:"deletedPages"`
}

type aiStatus struct {
	Type   string `json:"type"`
	Status Status `json:"status"`
}

type aiResult struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type cursorMove struct {
	Type string `json:"type"`
	Cursor
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

// EncodeSyncAnnotations builds a sync-annotations frame around an already
// encoded annotation list. A nil list is sent as [].
func EncodeSyncAnnotations(list json.RawMessage) ([]byte, error) {
	if len(list) == 0 {
		list = json.RawMessage("[]")
	}
	return encode(syncAnnotations{Type: TypeSyncAnnotations, Annotations: list})
}

// EncodeSyncDeletedPages builds a sync-deleted-pages frame.
func EncodeSyncDeletedPages(pages []int) ([]byte, error) {
	if pages == nil {
		pages = []int{}
	}
	return encode(syncDeletedPages{Type: TypeSyncDeletedPages, DeletedPages: pages})
}

// EncodeCursorMove builds a cursor-move frame.
func EncodeCursorMove(c Cursor) ([]byte, error) {
	return encode(cursorMove{Type: TypeCursorMove, Cursor: c})
}

// EncodeAIStatus builds an ai-status frame.
func EncodeAIStatus(s Status) ([]byte, error) {
	return encode(aiStatus{Type: TypeAIStatus, Status: s})
}

// EncodeAIResult builds an ai-result frame.
func EncodeAIResult(text string) ([]byte, error) {
	return encode(aiResult{Type: TypeAIResult, Text: text})
}

// EncodeError builds an error frame.
func EncodeError(msg, code string) ([]byte, error) {
	return encode(errorFrame{Type: TypeError, Error: msg, Code: code})
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}
