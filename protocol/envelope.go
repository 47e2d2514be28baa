package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxTextLength caps message text, counted in runes.
const MaxTextLength = 1200

// Request is a client envelope. Data holds the action payload; when
// Encrypted is set it is a JSON string produced by cryptox.Seal. ID is
// chosen by the client and echoed in the response.
type Request struct {
	ID        uint64          `json:"id,omitempty"`
	Action    Action          `json:"action"`
	Time      time.Time       `json:"time"`
	Token     string          `json:"token,omitempty"`
	User      *Credentials    `json:"user,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// Response is a server envelope: a reply to a request or an unsolicited
// push (relayed message, contact notice, shutdown notice). Pushes carry no
// ID.
type Response struct {
	ID        uint64    `json:"id,omitempty"`
	Action    Action    `json:"action,omitempty"`
	Time      time.Time `json:"time"`
	Status    Status    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Encrypted bool      `json:"encrypted,omitempty"`
}

// Reply is the decoding side of Response, used by clients.
type Reply struct {
	ID        uint64          `json:"id,omitempty"`
	Action    Action          `json:"action,omitempty"`
	Time      time.Time       `json:"time"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

type Credentials struct {
	Login       string `json:"login"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type ChatTarget struct {
	Login string `json:"login"`
}

type SendMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// HistoryQuery selects messages for recv. With Unread set the server returns
// undelivered messages addressed to the caller and marks them delivered.
type HistoryQuery struct {
	Peer   string `json:"peer,omitempty"`
	Unread bool   `json:"unread,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type SearchQuery struct {
	Query string `json:"query"`
}

type PresenceData struct {
	PublicKey string `json:"public_key"`
}

// Hello is the first frame a server writes on a new connection.
type Hello struct {
	PublicKey  string    `json:"public_key"`
	ServerTime time.Time `json:"server_time"`
}

type Session struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	Token       string `json:"token"`
	PublicKey   string `json:"public_key"`
}

type Message struct {
	ID        int64     `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
	Delivered bool      `json:"delivered"`
}

type Contact struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type ShutdownNotice struct {
	Reason string `json:"reason"`
}

type ProbeResult struct {
	ServerTime time.Time `json:"server_time"`
	Online     int       `json:"online"`
}

// Decode parses one frame. Every failure wraps ErrBadRequest.
func Decode(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		var unknown *UnknownActionError
		if errors.As(err, &unknown) {
			return nil, unknown
		}
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrBadRequest, err)
	}

	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: missing action", ErrBadRequest)
	}
	return &req, nil
}

// PeekID recovers the request ID from a frame that Decode rejected, so the
// error reply can still be matched. It returns 0 when none can be read.
func PeekID(frame []byte) uint64 {
	var envelope struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return 0
	}
	return envelope.ID
}

// DecodeData unmarshals the payload into v.
func (r *Request) DecodeData(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("%w: %s requires data", ErrBadRequest, r.Action)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: invalid %s data: %v", ErrBadRequest, r.Action, err)
	}
	return nil
}

// HasData reports whether a payload was sent.
func (r *Request) HasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// Encode serialises v as one frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DecodeData unmarshals the reply payload into v.
func (r *Reply) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("%s reply has no data", r.Action)
	}
	return json.Unmarshal(r.Data, v)
}
