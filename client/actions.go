package client

import (
	"context"

	"chatd/cryptox"
	"chatd/protocol"
)

// EnableEncryption announces a fresh key pair to the server. From then on
// request data is sealed for the server and reply data arrives sealed for
// this client.
func (c *Client) EnableEncryption(ctx context.Context, bits int) error {
	keys, err := cryptox.GenerateKeyPair(bits)
	if err != nil {
		return err
	}

	// The presence reply is already sealed with the new key.
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()

	if _, err := c.call(ctx, protocol.ActionPresence, nil, protocol.PresenceData{PublicKey: keys.PublicKeyString()}); err != nil {
		return err
	}

	c.mu.Lock()
	c.encrypt = true
	c.mu.Unlock()
	return nil
}

// Register creates an account and logs in with it.
func (c *Client) Register(ctx context.Context, login, password, displayName string) (*protocol.Session, error) {
	return c.session(ctx, protocol.ActionRegister, &protocol.Credentials{
		Login:       login,
		Password:    password,
		DisplayName: displayName,
	})
}

func (c *Client) Auth(ctx context.Context, login, password string) (*protocol.Session, error) {
	return c.session(ctx, protocol.ActionAuth, &protocol.Credentials{Login: login, Password: password})
}

func (c *Client) session(ctx context.Context, action protocol.Action, creds *protocol.Credentials) (*protocol.Session, error) {
	// Credentials travel in data when encryption is on.
	var (
		r   *protocol.Reply
		err error
	)
	if c.encrypting() {
		r, err = c.call(ctx, action, nil, creds)
	} else {
		r, err = c.call(ctx, action, creds, nil)
	}
	if err != nil {
		return nil, err
	}

	var s protocol.Session
	if err := r.DecodeData(&s); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = s.Token
	c.mu.Unlock()
	return &s, nil
}

func (c *Client) encrypting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypt
}

func (c *Client) Contacts(ctx context.Context) ([]protocol.Contact, error) {
	r, err := c.call(ctx, protocol.ActionContacts, nil, nil)
	if err != nil {
		return nil, err
	}
	var out []protocol.Contact
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddChat(ctx context.Context, login string) (*protocol.Contact, error) {
	r, err := c.call(ctx, protocol.ActionAddChat, nil, protocol.ChatTarget{Login: login})
	if err != nil {
		return nil, err
	}
	var out protocol.Contact
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DelChat(ctx context.Context, login string) error {
	_, err := c.call(ctx, protocol.ActionDelChat, nil, protocol.ChatTarget{Login: login})
	return err
}

// Send delivers text to another user. The returned message tells whether
// the recipient got it live.
func (c *Client) Send(ctx context.Context, to, text string) (*protocol.Message, error) {
	r, err := c.call(ctx, protocol.ActionMsg, nil, protocol.SendMessage{To: to, Text: text})
	if err != nil {
		return nil, err
	}
	var out protocol.Message
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the caller's messages, oldest first. A non-empty peer
// narrows it to the conversation with that peer.
func (c *Client) History(ctx context.Context, peer string, offset, limit int) ([]protocol.Message, error) {
	return c.recv(ctx, protocol.HistoryQuery{Peer: peer, Offset: offset, Limit: limit})
}

// Unread pulls the messages that were not delivered live.
func (c *Client) Unread(ctx context.Context) ([]protocol.Message, error) {
	return c.recv(ctx, protocol.HistoryQuery{Unread: true})
}

func (c *Client) recv(ctx context.Context, q protocol.HistoryQuery) ([]protocol.Message, error) {
	r, err := c.call(ctx, protocol.ActionRecv, nil, q)
	if err != nil {
		return nil, err
	}
	var out []protocol.Message
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]protocol.Contact, error) {
	r, err := c.call(ctx, protocol.ActionSearch, nil, protocol.SearchQuery{Query: query})
	if err != nil {
		return nil, err
	}
	var out []protocol.Contact
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Probe(ctx context.Context) (*protocol.ProbeResult, error) {
	r, err := c.call(ctx, protocol.ActionProbe, nil, nil)
	if err != nil {
		return nil, err
	}
	var out protocol.ProbeResult
	if err := r.DecodeData(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Quit ends the session; the server closes the connection after replying.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.call(ctx, protocol.ActionQuit, nil, nil)
	c.Close()
	return err
}

// Shutdown asks the server to stop. Only administrators may do this.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	var data any
	if reason != "" {
		data = protocol.ShutdownNotice{Reason: reason}
	}
	_, err := c.call(ctx, protocol.ActionServerShutdown, nil, data)
	return err
}
