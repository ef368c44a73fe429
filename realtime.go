package strand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Fixed channel endpoints, relative to the configured origin.
const (
	MessagingPath = "/ws"
	FriendPath    = "/ws/friend_req"
)

// ErrNotConnected is returned by Send when the channel is not open. It is a
// recoverable condition, not a fatal one; the reconnect loop will restore the
// channel on its own.
var ErrNotConnected = errors.New("strand: channel not connected")

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures one channel client. The zero value is usable.
type ChannelConfig struct {
	Token          string
	AutoReconnect  bool
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectDelay == 0 {
		// Flat delay, no backoff. Carried over from the observed server
		// deployment; tune via ReconnectDelay if it ever matters.
		c.ReconnectDelay = 3 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ChannelState represents the connection state of one channel.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateOpen         ChannelState = "open"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic frame callback type.
type EventHandler func(action string, raw json.RawMessage)

type eventDispatcher struct {
	mu              sync.RWMutex
	generic         map[string][]EventHandler
	onNewMessage    []func(Message)
	onDeleted       []func(DeleteEvent)
	onEdited        []func(EditEvent)
	onNewChat       []func(Chat)
	onBioChanged    []func()
	onFriendRequest []func(FriendRequest)
	onAccepted      []func(FriendRequest)
	onErrorFrame    []func(ErrorEvent)
	onConnected     []func()
	onDisconnected  []func(reason string)
	onReconnecting  []func(delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]EventHandler),
	}
}

// dispatch routes one raw inbound frame to its typed handlers. Handlers run
// synchronously on the read loop so reconciliation order matches arrival
// order. Malformed frames and unknown actions are dropped, never fatal.
func (d *eventDispatcher) dispatch(raw []byte, log *slog.Logger) {
	var probe frameProbe
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Action == "" {
		log.Debug("dropping malformed frame", "err", err, "frame", truncate(raw))
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	known := true
	switch probe.Action {
	case ActionNewMessage:
		var m Message
		if json.Unmarshal(raw, &m) == nil {
			for _, h := range d.onNewMessage {
				h(m)
			}
		}
	case ActionDelete:
		var ev DeleteEvent
		if json.Unmarshal(raw, &ev) == nil {
			for _, h := range d.onDeleted {
				h(ev)
			}
		}
	case ActionEditMessage:
		var ev EditEvent
		if json.Unmarshal(raw, &ev) == nil {
			for _, h := range d.onEdited {
				h(ev)
			}
		}
	case ActionNewChat:
		var c Chat
		if json.Unmarshal(raw, &c) == nil {
			for _, h := range d.onNewChat {
				h(c)
			}
		}
	case ActionChangeBio:
		for _, h := range d.onBioChanged {
			h()
		}
	case ActionSendRequest:
		var fr FriendRequest
		if json.Unmarshal(raw, &fr) == nil {
			for _, h := range d.onFriendRequest {
				h(fr)
			}
		}
	case ActionAccept:
		var fr FriendRequest
		if json.Unmarshal(raw, &fr) == nil {
			for _, h := range d.onAccepted {
				h(fr)
			}
		}
	case ActionError:
		// Error frames nest their body under payload, unlike the rest.
		var ev ErrorEvent
		if json.Unmarshal(probe.Payload, &ev) == nil {
			for _, h := range d.onErrorFrame {
				h(ev)
			}
		}
	default:
		known = false
	}

	handlers := d.generic[probe.Action]
	if !known && len(handlers) == 0 {
		log.Debug("dropping frame with unknown action", "action", probe.Action)
		return
	}
	for _, h := range handlers {
		h(probe.Action, raw)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(delay)
	}
}

func truncate(raw []byte) string {
	const max = 120
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// ============================================================================
// ChannelClient
// ============================================================================

// dialFunc opens one websocket connection. Swappable so tests can inject a
// fake transport.
type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error)

// ChannelClient owns one bidirectional connection to a fixed endpoint, with
// its own reconnect state machine. The messaging and friend-request channels
// are two independent instances; a failure of one never delays the other.
type ChannelClient struct {
	baseURL string
	path    string
	config  *ChannelConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc
	sessionID        string

	dispatcher *eventDispatcher
	dial       dialFunc
}

// NewChannel creates a channel client for an endpoint path under baseURL.
// Call Connect to establish the connection.
func NewChannel(baseURL, path string, config *ChannelConfig) *ChannelClient {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ChannelClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       path,
		config:     &cfg,
		log:        cfg.Logger.With("channel", path),
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		dial: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, opts)
			return conn, err
		},
	}
}

// NewMessagingChannel creates the chat/messaging channel client.
func NewMessagingChannel(baseURL string, config *ChannelConfig) *ChannelClient {
	return NewChannel(baseURL, MessagingPath, config)
}

// NewFriendChannel creates the friend-request channel client.
func NewFriendChannel(baseURL string, config *ChannelConfig) *ChannelClient {
	return NewChannel(baseURL, FriendPath, config)
}

// ── Handler registration ─────────────────────────────────────

// OnNewMessage registers a handler for inbound new_message frames.
func (ch *ChannelClient) OnNewMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onNewMessage = append(ch.dispatcher.onNewMessage, h)
	ch.dispatcher.mu.Unlock()
}

// OnDeleted registers a handler for inbound delete frames.
func (ch *ChannelClient) OnDeleted(h func(DeleteEvent)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDeleted = append(ch.dispatcher.onDeleted, h)
	ch.dispatcher.mu.Unlock()
}

// OnEdited registers a handler for inbound edit_message frames.
func (ch *ChannelClient) OnEdited(h func(EditEvent)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onEdited = append(ch.dispatcher.onEdited, h)
	ch.dispatcher.mu.Unlock()
}

// OnNewChat registers a handler for inbound new_chat frames.
func (ch *ChannelClient) OnNewChat(h func(Chat)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onNewChat = append(ch.dispatcher.onNewChat, h)
	ch.dispatcher.mu.Unlock()
}

// OnBioChanged registers a handler for inbound change_bio frames.
func (ch *ChannelClient) OnBioChanged(h func()) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onBioChanged = append(ch.dispatcher.onBioChanged, h)
	ch.dispatcher.mu.Unlock()
}

// OnFriendRequest registers a handler for inbound send_request frames.
func (ch *ChannelClient) OnFriendRequest(h func(FriendRequest)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onFriendRequest = append(ch.dispatcher.onFriendRequest, h)
	ch.dispatcher.mu.Unlock()
}

// OnAccepted registers a handler for inbound accept frames.
func (ch *ChannelClient) OnAccepted(h func(FriendRequest)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onAccepted = append(ch.dispatcher.onAccepted, h)
	ch.dispatcher.mu.Unlock()
}

// OnErrorFrame registers a handler for explicit server error frames.
func (ch *ChannelClient) OnErrorFrame(h func(ErrorEvent)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onErrorFrame = append(ch.dispatcher.onErrorFrame, h)
	ch.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ch *ChannelClient) OnConnected(h func()) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onConnected = append(ch.dispatcher.onConnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ch *ChannelClient) OnDisconnected(h func(reason string)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDisconnected = append(ch.dispatcher.onDisconnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ch *ChannelClient) OnReconnecting(h func(delay time.Duration)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onReconnecting = append(ch.dispatcher.onReconnecting, h)
	ch.dispatcher.mu.Unlock()
}

// On registers a generic handler for a raw action.
func (ch *ChannelClient) On(action string, h EventHandler) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.generic[action] = append(ch.dispatcher.generic[action], h)
	ch.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ch *ChannelClient) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// URL returns the derived websocket endpoint: secure origin, secure scheme.
func (ch *ChannelClient) URL() string {
	u := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + ch.path
}

// ── Lifecycle ────────────────────────────────────────────────

// Connect establishes the channel connection. It is idempotent: a client
// already holding an open connection closes it first, so a second Connect
// never leaves two live sockets.
func (ch *ChannelClient) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	old := ch.conn
	oldCancel := ch.cancelFn
	ch.conn = nil
	ch.cancelFn = nil
	ch.intentionalClose = old != nil
	ch.state = StateConnecting
	ch.sessionID = uuid.NewString()
	ch.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "superseded")
	}

	opts := &websocket.DialOptions{
		HTTPClient: ch.config.HTTPClient,
		HTTPHeader: http.Header{},
	}
	if ch.config.Token != "" {
		opts.HTTPHeader.Set("Cookie", "token="+ch.config.Token)
	}

	conn, err := ch.dial(ctx, ch.URL(), opts)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial %s: %w", ch.path, err)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateOpen
	ch.intentionalClose = false
	ch.cancelFn = cancel
	session := ch.sessionID
	ch.mu.Unlock()

	ch.log.Debug("channel open", "session", session)
	ch.dispatcher.emitConnected()

	go ch.readLoop(connCtx, conn)
	return nil
}

// Close releases the connection and disables reconnection until the next
// Connect call.
func (ch *ChannelClient) Close() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

// Send marshals an outbound frame and writes it to the channel. It reports
// ErrNotConnected when the channel is not open; it never panics the caller.
func (ch *ChannelClient) Send(ctx context.Context, action string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	state := ch.state
	ch.mu.Unlock()

	if conn == nil || state != StateOpen {
		return ErrNotConnected
	}

	data, err := json.Marshal(Envelope{Action: action, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", action, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Read loop and reconnection ───────────────────────────────

func (ch *ChannelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose || ch.conn != conn
			if ch.conn == conn {
				ch.conn = nil
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()

			if intentional {
				return
			}

			ch.log.Warn("channel closed unexpectedly", "err", err)
			ch.dispatcher.emitDisconnected(err.Error())

			if ch.config.AutoReconnect {
				ch.scheduleReconnect()
			}
			return
		}

		ch.dispatcher.dispatch(data, ch.log)
	}
}

// scheduleReconnect waits out the fixed delay and re-dials, looping until a
// dial succeeds or Close is called. Each channel instance keeps its own timer,
// so one stalled channel cannot delay the other.
func (ch *ChannelClient) scheduleReconnect() {
	delay := ch.config.ReconnectDelay
	for {
		ch.dispatcher.emitReconnecting(delay)
		ch.log.Debug("reconnecting", "delay", delay)

		time.Sleep(delay)

		ch.mu.Lock()
		stopped := ch.intentionalClose
		ch.mu.Unlock()
		if stopped {
			return
		}

		// The original connection context is gone; reconnect on a fresh one.
		if err := ch.Connect(context.Background()); err == nil {
			return
		}
	}
}
