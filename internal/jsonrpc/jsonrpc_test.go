package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MessageType
		wantErr error
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, TypeRequest, nil},
		{"string id", `{"jsonrpc":"2.0","id":"a","method":"ping"}`, TypeRequest, nil},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, TypeNotification, nil},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, TypeResponse, nil},
		{"error response", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"x"}}`, TypeResponse, nil},
		{"not json", `{"jsonrpc":`, TypeUnknown, ErrInvalidJSON},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, TypeUnknown, ErrInvalidVersion},
		{"no method", `{"jsonrpc":"2.0","id":1}`, TypeUnknown, ErrMissingMethod},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"x"}]`, TypeUnknown, ErrBatch},
		{"duplicate tool name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_tables","arguments":{"command":"DROP TABLE users"},"name":"execute"}}`, TypeUnknown, ErrDuplicateKey},
		{"duplicate arguments", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"q","arguments":{"sql":"SELECT 1"},"arguments":{"sql":"DROP TABLE t"}}}`, TypeUnknown, ErrDuplicateKey},
		{"duplicate nested arg", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"q","arguments":{"sql":"SELECT 1","sql":"DROP TABLE t"}}}`, TypeUnknown, ErrDuplicateKey},
		{"escaped duplicate", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"q","\u006eame":"execute"}}`, TypeUnknown, ErrDuplicateKey},
		{"duplicate method", `{"jsonrpc":"2.0","id":1,"method":"tools/call","method":"tools/list"}`, TypeUnknown, ErrDuplicateKey},
		{"same key in sibling objects", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"q","arguments":{"rows":[{"id":1},{"id":2}],"id":3}}}`, TypeRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.input))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type())
			assert.Equal(t, tt.input, string(msg.Raw))
		})
	}
}

func TestKey(t *testing.T) {
	num, err := Parse([]byte(`{"jsonrpc":"2.0","id":7,"method":"x"}`))
	require.NoError(t, err)
	str, err := Parse([]byte(`{"jsonrpc":"2.0","id":"7","method":"x"}`))
	require.NoError(t, err)

	assert.Equal(t, "7", num.Key())
	assert.Equal(t, `"7"`, str.Key())
	assert.NotEqual(t, num.Key(), str.Key())
}

func TestToolCall(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"execute_sql","arguments":{"sql":"DROP TABLE users"}}}`))
	require.NoError(t, err)

	call, ok := msg.ToolCall()
	require.True(t, ok)
	assert.Equal(t, "execute_sql", call.Name)
	assert.JSONEq(t, `{"sql":"DROP TABLE users"}`, string(call.Arguments))
	assert.Equal(t, "DROP TABLE users", call.Args()["sql"])

	msg, err = Parse([]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"list_tables"}}`))
	require.NoError(t, err)
	call, ok = msg.ToolCall()
	require.True(t, ok)
	assert.Equal(t, "{}", string(call.Arguments))
	assert.Empty(t, call.Args())

	msg, err = Parse([]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`))
	require.NoError(t, err)
	_, ok = msg.ToolCall()
	assert.False(t, ok)
}

func TestToolCallKeysAreCaseSensitive(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"list_tables","Name":"execute","Arguments":{"sql":"DROP TABLE t"}}}`))
	require.NoError(t, err)

	call, ok := msg.ToolCall()
	require.True(t, ok)
	assert.Equal(t, "list_tables", call.Name)
	assert.Equal(t, "{}", string(call.Arguments))
}

func TestDuplicateKey(t *testing.T) {
	key, dup := duplicateKey([]byte(`{"a":{"b":1,"c":[{"b":2}],"b":3}}`))
	assert.True(t, dup)
	assert.Equal(t, "b", key)

	_, dup = duplicateKey([]byte(`{"a":{"b":1},"c":{"b":1},"d":[1,"b",{"b":null}]}`))
	assert.False(t, dup)
}

func TestNewErrorResponse(t *testing.T) {
	msg := NewErrorResponse(nil, -32700, "parse error", map[string]string{"detail": "x"})
	line, err := Encode(msg)
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Equal(t, gjson.Null, gjson.GetBytes(line, "id").Type)
	assert.Equal(t, int64(-32700), gjson.GetBytes(line, "error.code").Int())
	assert.Equal(t, "x", gjson.GetBytes(line, "error.data.detail").String())

	msg = NewErrorResponse(json.RawMessage(`"abc"`), -32001, "blocked", nil)
	line, err = Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, "abc", gjson.GetBytes(line, "id").String())
	assert.False(t, gjson.GetBytes(line, "error.data").Exists())
}

func TestAppendTools(t *testing.T) {
	extra := []json.RawMessage{
		json.RawMessage(`{"name":"session_start"}`),
		json.RawMessage(`{"name":"cast_table"}`),
	}

	raw := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"query"}],"nextCursor":"c"}}`)
	out, err := AppendTools(raw, extra)
	require.NoError(t, err)

	names := gjson.GetBytes(out, "result.tools.#.name").Array()
	require.Len(t, names, 3)
	assert.Equal(t, "query", names[0].String())
	assert.Equal(t, "cast_table", names[2].String())
	assert.Equal(t, "c", gjson.GetBytes(out, "result.nextCursor").String())

	out, err = AppendTools([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), extra)
	require.NoError(t, err)
	assert.Len(t, gjson.GetBytes(out, "result.tools").Array(), 2)
}

func TestTextResult(t *testing.T) {
	res, err := TextResult(map[string]string{"session_id": "s1"})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "text", res.Content[0].Type)
	assert.JSONEq(t, `{"session_id":"s1"}`, res.Content[0].Text)
}
