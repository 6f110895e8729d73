// Package jsonrpc frames and inspects the newline-delimited JSON-RPC 2.0
// messages exchanged between the agent, the proxy and the target.
//
// Messages are kept as raw bytes alongside the decoded envelope so that
// allowed traffic can be relayed byte for byte.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const Version = "2.0"

const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

var (
	ErrInvalidJSON    = errors.New("jsonrpc: invalid JSON")
	ErrInvalidVersion = errors.New("jsonrpc: version must be 2.0")
	ErrMissingMethod  = errors.New("jsonrpc: missing method field")
	ErrBatch          = errors.New("jsonrpc: batch messages are not supported")
	ErrDuplicateKey   = errors.New("jsonrpc: duplicate object key")
)

// Message is one JSON-RPC 2.0 frame: a request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// Raw is the line the message was parsed from, without the newline.
	Raw []byte `json:"-"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type MessageType int

const (
	TypeUnknown MessageType = iota
	TypeRequest
	TypeNotification
	TypeResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeNotification:
		return "notification"
	case TypeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Type classifies the message by which members are present.
func (m *Message) Type() MessageType {
	hasID := len(m.ID) > 0 && string(m.ID) != "null"
	switch {
	case len(m.Result) > 0 || m.Error != nil:
		return TypeResponse
	case m.Method != "" && hasID:
		return TypeRequest
	case m.Method != "":
		return TypeNotification
	default:
		return TypeUnknown
	}
}

// Key returns the correlation key for the message id. Numeric and string
// ids never collide because string keys keep their quotes.
func (m *Message) Key() string {
	return IDKey(m.ID)
}

// IDKey normalizes a raw id for use as a map key.
func IDKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// Parse decodes one frame. data must be a single JSON object.
func Parse(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrBatch
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if msg.JSONRPC != Version {
		return nil, ErrInvalidVersion
	}
	if msg.Type() == TypeUnknown {
		return nil, ErrMissingMethod
	}
	// Peers disagree on which copy of a repeated key wins, so a request
	// carrying one could be judged on different fields than the ones the
	// target acts on.
	if msg.Method != "" {
		if key, dup := duplicateKey(trimmed); dup {
			return nil, fmt.Errorf("%w %q", ErrDuplicateKey, key)
		}
	}

	msg.Raw = append([]byte(nil), trimmed...)
	return &msg, nil
}

// Encode serializes msg as a single line terminated by '\n'.
func Encode(msg *Message) ([]byte, error) {
	msg.JSONRPC = Version
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// NewResponse builds a success response for id.
func NewResponse(id json.RawMessage, result interface{}) (*Message, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: r}, nil
}

// NewErrorResponse builds an error response. A nil id is encoded as null,
// which is what parse errors carry.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	msg := &Message{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
	if data != nil {
		if d, err := json.Marshal(data); err == nil {
			msg.Error.Data = d
		}
	}
	return msg
}

// ToolCall is the decoded params of a tools/call request.
type ToolCall struct {
	Name string
	// Arguments is the raw arguments object, "{}" when absent.
	Arguments json.RawMessage
}

// Args decodes the arguments into a generic map. Non-object arguments
// yield an empty map.
func (c ToolCall) Args() map[string]any {
	out := map[string]any{}
	if gjson.ValidBytes(c.Arguments) && gjson.ParseBytes(c.Arguments).IsObject() {
		_ = json.Unmarshal(c.Arguments, &out)
	}
	return out
}

// ToolCall extracts the tool name and arguments of a tools/call request.
// Keys match exactly, as they do for the target.
func (m *Message) ToolCall() (ToolCall, bool) {
	if m.Method != MethodToolsCall || len(m.Params) == 0 {
		return ToolCall{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Params, &fields); err != nil {
		return ToolCall{}, false
	}
	var name string
	if err := json.Unmarshal(fields["name"], &name); err != nil || name == "" {
		return ToolCall{}, false
	}
	call := ToolCall{Name: name, Arguments: json.RawMessage("{}")}
	if args, ok := fields["arguments"]; ok {
		call.Arguments = args
	}
	return call, true
}

// duplicateKey reports the first key that appears twice in one object,
// at any depth of data. Keys are compared after unescaping.
func duplicateKey(data []byte) (string, bool) {
	type level struct {
		keys      map[string]struct{}
		expectKey bool
	}
	var stack []*level
	valueSeen := func() {
		if n := len(stack); n > 0 && stack[n-1].keys != nil {
			stack[n-1].expectKey = true
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", false
		}
		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{':
				valueSeen()
				stack = append(stack, &level{keys: map[string]struct{}{}, expectKey: true})
			case '[':
				valueSeen()
				stack = append(stack, &level{})
			default:
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			}
		case string:
			if n := len(stack); n > 0 && stack[n-1].keys != nil && stack[n-1].expectKey {
				top := stack[n-1]
				if _, ok := top.keys[v]; ok {
					return v, true
				}
				top.keys[v] = struct{}{}
				top.expectKey = false
				continue
			}
			valueSeen()
		default:
			valueSeen()
		}
	}
}

// AppendTools returns a copy of a tools/list response line with extra
// tool definitions appended to result.tools. Everything else in the line
// is preserved as is.
func AppendTools(raw []byte, tools []json.RawMessage) ([]byte, error) {
	out := raw
	if !gjson.GetBytes(raw, "result.tools").IsArray() {
		var err error
		out, err = sjson.SetRawBytes(out, "result.tools", []byte("[]"))
		if err != nil {
			return nil, err
		}
	}
	for _, t := range tools {
		var err error
		out, err = sjson.SetRawBytes(out, "result.tools.-1", t)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ToolContent is one entry of a tool result's content array.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the result payload returned for tools/call.
type ToolResult struct {
	Content           []ToolContent `json:"content"`
	StructuredContent interface{}   `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

// TextResult wraps a JSON-encodable value as a text tool result that also
// carries it as structured content.
func TextResult(v interface{}) (ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{
		Content:           []ToolContent{{Type: "text", Text: string(data)}},
		StructuredContent: v,
	}, nil
}
