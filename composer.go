package strand

import (
	"errors"
	"strings"
	"sync"
)

// Precondition violations for locally built actions. These are reported to
// the caller and never reach the server.
var (
	ErrEmptyBody = errors.New("strand: empty message body")
	ErrNoPartner = errors.New("strand: no chat partner")
	ErrNoTarget  = errors.New("strand: composition has no target message")
)

// ============================================================================
// Composition State Machine
// ============================================================================

// ComposeMode is the state of the outgoing-message composer.
type ComposeMode int

const (
	ComposeIdle ComposeMode = iota
	ComposeReplying
	ComposeEditing
)

func (m ComposeMode) String() string {
	switch m {
	case ComposeReplying:
		return "replying"
	case ComposeEditing:
		return "editing"
	}
	return "idle"
}

// Composition is a snapshot of the composer state. TargetID is the message
// being replied to or edited; it is meaningless in Idle.
type Composition struct {
	Mode     ComposeMode
	TargetID int
}

// Composer tracks the mutually exclusive composition mode. Entering Replying
// or Editing from any non-idle state first tears the previous state down, so
// exactly one composition aid is ever active.
type Composer struct {
	mu         sync.Mutex
	mode       ComposeMode
	targetID   int
	onTeardown func(Composition)
}

func NewComposer() *Composer {
	return &Composer{}
}

// OnTeardown registers the hook invoked with the state being torn down, so an
// external presenter can remove that mode's transient artifacts.
func (c *Composer) OnTeardown(h func(Composition)) {
	c.mu.Lock()
	c.onTeardown = h
	c.mu.Unlock()
}

// Current returns the active composition state.
func (c *Composer) Current() Composition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Composition{Mode: c.mode, TargetID: c.targetID}
}

// StartReply enters Replying for the given target message.
func (c *Composer) StartReply(targetID int) {
	c.transition(ComposeReplying, targetID)
}

// StartEdit enters Editing for the given target message.
func (c *Composer) StartEdit(targetID int) {
	c.transition(ComposeEditing, targetID)
}

// Reset tears down the active state and returns to Idle.
func (c *Composer) Reset() {
	c.transition(ComposeIdle, 0)
}

// transition tears the previous state down before installing the new one, so
// the hook observes the composer still in the state being dismantled.
func (c *Composer) transition(mode ComposeMode, targetID int) {
	c.mu.Lock()
	prev := Composition{Mode: c.mode, TargetID: c.targetID}
	h := c.onTeardown
	c.mu.Unlock()

	if prev.Mode != ComposeIdle && h != nil {
		h(prev)
	}

	c.mu.Lock()
	c.mode = mode
	c.targetID = targetID
	c.mu.Unlock()
}

// ============================================================================
// Outbound Action Builder
// ============================================================================

// The builders below map a local intent plus current state onto an outbound
// frame. They are pure: validation failures come back as errors, and state
// changes only ever happen through the server echo on the inbound path.

// ComposeFrame builds the frame for the send action under the given
// composition state: a new message in Idle, a new message carrying the reply
// target in Replying, an edit in Editing. A whitespace-only body yields
// ErrEmptyBody in every mode.
func ComposeFrame(comp Composition, body, partner string) (Envelope, error) {
	switch comp.Mode {
	case ComposeEditing:
		if comp.TargetID == 0 {
			return Envelope{}, ErrNoTarget
		}
		return EditFrame(comp.TargetID, body)
	case ComposeReplying:
		if comp.TargetID == 0 {
			return Envelope{}, ErrNoTarget
		}
		target := comp.TargetID
		return NewMessageFrame(body, partner, &target)
	default:
		return NewMessageFrame(body, partner, nil)
	}
}

// NewMessageFrame builds a new_message frame, optionally replying to a
// message by id.
func NewMessageFrame(body, partner string, reply *int) (Envelope, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Envelope{}, ErrEmptyBody
	}
	if partner == "" {
		return Envelope{}, ErrNoPartner
	}
	return Envelope{
		Action:  ActionNewMessage,
		Payload: NewMessagePayload{Message: body, ChatPartner: partner, Reply: reply},
	}, nil
}

// EditFrame builds an edit_message frame.
func EditFrame(messageID int, body string) (Envelope, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Envelope{}, ErrEmptyBody
	}
	return Envelope{
		Action:  ActionEditMessage,
		Payload: EditMessagePayload{MessageID: messageID, Message: body},
	}, nil
}

// DeleteFrame builds a delete_message frame.
func DeleteFrame(messageID int) Envelope {
	return Envelope{
		Action:  ActionDeleteMessage,
		Payload: DeleteMessagePayload{ID: messageID},
	}
}

// NewChatFrame builds a new_chat frame.
func NewChatFrame(partner string) (Envelope, error) {
	if partner == "" {
		return Envelope{}, ErrNoPartner
	}
	return Envelope{
		Action:  ActionNewChat,
		Payload: NewChatPayload{SecondUserName: partner},
	}, nil
}

// ChangeBioFrame builds a change_bio frame.
func ChangeBioFrame(bio string) Envelope {
	return Envelope{
		Action:  ActionChangeBio,
		Payload: ChangeBioPayload{Biography: bio},
	}
}

// FriendRequestFrame builds a send_request frame for the friend channel.
func FriendRequestFrame(receiver string) (Envelope, error) {
	if strings.TrimSpace(receiver) == "" {
		return Envelope{}, ErrNoPartner
	}
	return Envelope{
		Action:  ActionSendRequest,
		Payload: FriendRequestPayload{ReceiverUsername: receiver},
	}, nil
}

// AcceptFrame builds an accept frame for the friend channel.
func AcceptFrame(friendID int) Envelope {
	return Envelope{
		Action:  ActionAccept,
		Payload: AcceptPayload{FriendID: friendID},
	}
}
