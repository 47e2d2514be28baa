// Package protocol defines the chatd wire format: newline-delimited JSON
// envelopes carrying one action from a closed vocabulary, answered with one of
// a closed set of status codes.
package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBadRequest    = errors.New("bad request")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Action is the operation requested by an envelope.
type Action uint8

const (
	ActionPresence Action = iota + 1
	ActionRegister
	ActionAuth
	ActionContacts
	ActionAddChat
	ActionDelChat
	ActionMsg
	ActionRecv
	ActionSearch
	ActionProbe
	ActionQuit
	ActionServerShutdown
)

var actionNames = map[Action]string{
	ActionPresence:       "presence",
	ActionRegister:       "register",
	ActionAuth:           "auth",
	ActionContacts:       "contacts",
	ActionAddChat:        "add_chat",
	ActionDelChat:        "del_chat",
	ActionMsg:            "msg",
	ActionRecv:           "recv",
	ActionSearch:         "search",
	ActionProbe:          "probe",
	ActionQuit:           "quit",
	ActionServerShutdown: "server_shutdown",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// UnknownActionError is returned when an envelope names an action outside
// the vocabulary.
type UnknownActionError struct {
	Name string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Name)
}

func (e *UnknownActionError) Unwrap() error {
	return ErrBadRequest
}

func ParseAction(name string) (Action, error) {
	a, ok := actionsByName[name]
	if !ok {
		return 0, &UnknownActionError{Name: name}
	}
	return a, nil
}

// Actions lists the vocabulary in declaration order.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := ActionPresence; a <= ActionServerShutdown; a++ {
		out = append(out, a)
	}
	return out
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

func (a Action) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("marshal %s: not in vocabulary", a)
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Status is the response code. It travels as its integer value.
type Status int

const (
	StatusOK           Status = 200
	StatusBadRequest   Status = 400
	StatusUnauthorized Status = 401
	StatusForbidden    Status = 403
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusForbidden:
		return "forbidden"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusBadRequest, StatusUnauthorized, StatusForbidden:
		return true
	}
	return false
}
