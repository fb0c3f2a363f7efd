/******************************************************************************
 *
 *  Description :
 *    Message envelope routed through the hub and serialized over the wire.
 *
 *****************************************************************************/

package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Flags is a set of message flags.
type Flags uint8

const (
	// BypassAuth marks a message which may be sent to a peer before authentication completes.
	BypassAuth Flags = 1 << iota
	// Internal marks a message which must never leave the process.
	Internal
)

// NoTimestamp is the value of Message.Timestamp when the message carries no timestamp.
const NoTimestamp int64 = -1

// Reserved channels and commands.
const (
	// ControlChannel carries subscribe, unsubscribe and reset pseudo-commands.
	ControlChannel = "client"
	// WildcardChannel subscribes to every channel.
	WildcardChannel = "*"
	// PingChannel carries liveness and latency requests.
	PingChannel = "client.ping"
	// AuthChannel carries the authentication handshake.
	AuthChannel = "client.auth"

	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdReset       = "reset"
	CmdError       = "error"

	CmdPingRequest = "request"
	CmdPingReply   = "reply"

	CmdAuthAttempt   = "attempt"
	CmdAuthChallenge = "challenge"
	CmdAuthResponse  = "response"
)

// Message is the unit of communication on the bus. Once handed to Send it must not be modified.
type Message struct {
	Channel   string
	Command   string
	Data      any
	ID        uuid.UUID
	ReplyTo   uuid.UUID
	Flags     Flags
	Timestamp int64

	// Local routing only, never serialized.
	from *Actor
	to   *Actor
}

// NewMessage creates a message with a fresh id.
func NewMessage(channel, command string, data any) *Message {
	return &Message{
		Channel:   channel,
		Command:   command,
		Data:      data,
		ID:        uuid.New(),
		Timestamp: NoTimestamp,
	}
}

// WithFlags sets flags on a message which was not sent yet.
func (m *Message) WithFlags(flags Flags) *Message {
	m.Flags |= flags
	return m
}

// WithTimestamp sets the timestamp on a message which was not sent yet.
func (m *Message) WithTimestamp(ts int64) *Message {
	m.Timestamp = ts
	return m
}

// HasFlag checks if the flag is set.
func (m *Message) HasFlag(f Flags) bool {
	return m.Flags&f != 0
}

// IsInternal checks if the message must stay within the process.
func (m *Message) IsInternal() bool {
	return m.HasFlag(Internal)
}

// IsReply checks if the message is a reply to another message.
func (m *Message) IsReply() bool {
	return m.ReplyTo != uuid.Nil
}

// IsError checks if the message is an error reply.
func (m *Message) IsError() bool {
	return m.Command == CmdError
}

// From returns the actor which sent the message or nil.
func (m *Message) From() *Actor {
	return m.from
}

// To returns the actor the message is addressed to or nil.
func (m *Message) To() *Actor {
	return m.to
}

// SetTo addresses a message which was not sent yet to a single actor.
func (m *Message) SetTo(a *Actor) *Message {
	m.to = a
	return m
}

// CreateReply creates a reply on the same channel.
func (m *Message) CreateReply(command string, data any) *Message {
	return m.CreateReplyOn(m.Channel, command, data)
}

// CreateReplyOn creates a reply on an explicitly given channel.
func (m *Message) CreateReplyOn(channel, command string, data any) *Message {
	reply := NewMessage(channel, command, data)
	reply.ReplyTo = m.ID
	return reply
}

// CreateTargetedReply creates a reply which is delivered only to the sender of m.
func (m *Message) CreateTargetedReply(command string, data any) *Message {
	reply := m.CreateReply(command, data)
	reply.to = m.from
	return reply
}

// CreateErrorReply creates a targeted "error" reply with payload {msg: text}.
func (m *Message) CreateErrorReply(text string) *Message {
	return m.CreateTargetedReply(CmdError, map[string]any{"msg": text})
}

// CreateCopy returns a copy of the message with a fresh id.
func (m *Message) CreateCopy() *Message {
	cp := *m
	cp.ID = uuid.New()
	cp.from = nil
	return &cp
}

// DataObject returns the payload as a JSON object or nil.
func (m *Message) DataObject() map[string]any {
	obj, _ := m.Data.(map[string]any)
	return obj
}

// DataString returns a string property of the payload object.
func (m *Message) DataString(key string) string {
	s, _ := m.DataObject()[key].(string)
	return s
}

// Equal compares logical content: channel, command and data. Ids, flags and timestamps are ignored.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.Channel == other.Channel && m.Command == other.Command && DataEqual(m.Data, other.Data)
}

// DataEqual compares two JSON-compatible values by their canonical encoding.
func DataEqual(a, b any) bool {
	ja, erra := json.Marshal(a)
	jb, errb := json.Marshal(b)
	if erra != nil || errb != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func (m *Message) String() string {
	data, _ := json.Marshal(m.Data)
	if m.IsReply() {
		return fmt.Sprintf("%s/%s id=%s reply=%s data=%s", m.Channel, m.Command, m.ID, m.ReplyTo, data)
	}
	return fmt.Sprintf("%s/%s id=%s data=%s", m.Channel, m.Command, m.ID, data)
}

// Wire representation.
type wireMessage struct {
	Channel   string          `json:"ch"`
	Command   string          `json:"cmd"`
	ID        string          `json:"id"`
	ReplyTo   string          `json:"reply,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *int64          `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the message in wire format.
func (m *Message) MarshalJSON() ([]byte, error) {
	wm := wireMessage{
		Channel: m.Channel,
		Command: m.Command,
		ID:      m.ID.String(),
	}
	if m.IsReply() {
		wm.ReplyTo = m.ReplyTo.String()
	}
	if m.Data != nil {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		wm.Data = data
	}
	if m.Timestamp != NoTimestamp {
		ts := m.Timestamp
		wm.Timestamp = &ts
	}
	return json.Marshal(&wm)
}

// UnmarshalJSON decodes the message from wire format.
func (m *Message) UnmarshalJSON(raw []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return err
	}
	if wm.Channel == "" || wm.Command == "" {
		return errors.New("message: missing channel or command")
	}
	id, err := uuid.Parse(wm.ID)
	if err != nil {
		return fmt.Errorf("message: invalid id: %w", err)
	}
	*m = Message{Channel: wm.Channel, Command: wm.Command, ID: id, Timestamp: NoTimestamp}
	if wm.ReplyTo != "" {
		if m.ReplyTo, err = uuid.Parse(wm.ReplyTo); err != nil {
			return fmt.Errorf("message: invalid reply id: %w", err)
		}
	}
	if len(wm.Data) > 0 {
		if err = json.Unmarshal(wm.Data, &m.Data); err != nil {
			return err
		}
	}
	if wm.Timestamp != nil {
		m.Timestamp = *wm.Timestamp
	}
	return nil
}

// TimeoutText is the text of the error synthesized when a request times out.
const TimeoutText = "Timeout"

// ErrTimeout matches an ErrorMessage produced by an exhausted request.
var ErrTimeout = errors.New("request timed out")

// ErrorMessage is a message with the "error" command. It satisfies the error interface.
type ErrorMessage struct {
	*Message
}

// NewErrorMessage creates a stand-alone error message.
func NewErrorMessage(channel, text string) *ErrorMessage {
	return &ErrorMessage{NewMessage(channel, CmdError, map[string]any{"msg": text})}
}

// AsError views an "error" message as ErrorMessage. Returns nil for other commands.
func AsError(m *Message) *ErrorMessage {
	if m == nil || !m.IsError() {
		return nil
	}
	return &ErrorMessage{m}
}

// Text returns the human readable error description.
func (e *ErrorMessage) Text() string {
	return e.DataString("msg")
}

func (e *ErrorMessage) Error() string {
	return e.Channel + ": " + e.Text()
}

// Is reports timeouts as ErrTimeout.
func (e *ErrorMessage) Is(target error) bool {
	return target == ErrTimeout && e.Text() == TimeoutText
}
