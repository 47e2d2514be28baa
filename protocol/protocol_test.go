package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, a := range Actions() {
		name := a.String()
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true

		parsed, err := ParseAction(name)
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	assert.Len(t, seen, 12)

	_, err := ParseAction("join")
	var unknown *UnknownActionError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "join", unknown.Name)
	assert.True(t, errors.Is(err, ErrBadRequest))

	assert.False(t, Action(0).Valid())
	assert.Equal(t, "action(99)", Action(99).String())
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status Status
		name   string
	}{
		{StatusOK, "ok"},
		{StatusBadRequest, "bad_request"},
		{StatusUnauthorized, "unauthorized"},
		{StatusForbidden, "forbidden"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.name, tc.status.String())
		assert.True(t, tc.status.Valid())
	}
	assert.False(t, Status(404).Valid())
}

func TestDecode(t *testing.T) {
	req, err := Decode([]byte(`{"action":"msg","time":"2024-05-01T10:00:00Z","token":"t","data":{"to":"bob","text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, ActionMsg, req.Action)
	assert.Equal(t, "t", req.Token)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), req.Time)

	var m SendMessage
	require.NoError(t, req.DecodeData(&m))
	assert.Equal(t, SendMessage{To: "bob", Text: "hi"}, m)
}

func TestDecode_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing action", `{"time":"2024-05-01T10:00:00Z"}`},
		{"unknown action", `{"action":"join"}`},
		{"action wrong type", `{"action":5}`},
		{"bad time", `{"action":"probe","time":"yesterday"}`},
		{"truncated", `{"action":"probe"`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadRequest), "got %v", err)
		})
	}
}

func TestPeekID(t *testing.T) {
	frame := []byte(`{"id":7,"action":"join"}`)
	_, err := Decode(frame)
	require.Error(t, err)
	assert.Equal(t, uint64(7), PeekID(frame))

	assert.Equal(t, uint64(9), PeekID([]byte(`{"id":9}`)))
	assert.Zero(t, PeekID([]byte(`{"id":"seven","action":"probe"}`)))
	assert.Zero(t, PeekID([]byte(`{"id":7,`)))
	assert.Zero(t, PeekID([]byte(`hello`)))
}

func TestRequest_DecodeData(t *testing.T) {
	req := &Request{Action: ActionAddChat}
	assert.False(t, req.HasData())
	assert.True(t, errors.Is(req.DecodeData(&ChatTarget{}), ErrBadRequest))

	req.Data = json.RawMessage(`"just a string"`)
	assert.True(t, req.HasData())
	assert.True(t, errors.Is(req.DecodeData(&ChatTarget{}), ErrBadRequest))
}

func TestEncode_Response(t *testing.T) {
	frame, err := Encode(&Response{
		Action: ActionAuth,
		Time:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Status: StatusUnauthorized,
		Error:  "wrong login and/or password",
	})
	require.NoError(t, err)
	require.True(t, bytes.HasSuffix(frame, []byte("\n")))
	assert.Equal(t, 1, bytes.Count(frame, []byte("\n")))

	var reply Reply
	require.NoError(t, json.Unmarshal(frame, &reply))
	assert.Equal(t, ActionAuth, reply.Action)
	assert.Equal(t, StatusUnauthorized, reply.Status)
	assert.Contains(t, string(frame), `"status":401`)
	assert.Contains(t, string(frame), `"action":"auth"`)
}

func TestEncode_ResponseWithoutAction(t *testing.T) {
	frame, err := Encode(&Response{Status: StatusBadRequest, Error: "malformed"})
	require.NoError(t, err)
	assert.NotContains(t, string(frame), `"action"`)
}

func TestEncode_EscapesNewlines(t *testing.T) {
	frame, err := Encode(&Response{Action: ActionMsg, Status: StatusOK, Data: Message{Text: "line1\nline2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(frame, []byte("\n")))
}

func TestReader_ReadFrame(t *testing.T) {
	r := NewReader(strings.NewReader("{\"a\":1}\r\n\n{\"b\":2}\n"), 64)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(f))

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, f)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(f))

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReader_PartialFrameAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader(`{"a":1}`), 64)
	_, err := r.ReadFrame()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestReader_TooLarge(t *testing.T) {
	long := strings.Repeat("x", 5000) + "\n"
	r := NewReader(strings.NewReader(long), 1024)
	_, err := r.ReadFrame()
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestReader_LargeButAllowed(t *testing.T) {
	payload := strings.Repeat("y", 10000)
	r := NewReader(strings.NewReader(payload+"\n"), 16*1024)
	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, f, 10000)
}
