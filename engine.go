package strand

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Notifier
// ============================================================================

// Notice kinds passed to the Notifier.
const (
	NoticeMessage = "message" // cross-chat message arrived
	NoticeFriend  = "friend"  // friend request activity
	NoticeError   = "error"   // server error frame, surfaced verbatim
	NoticeInfo    = "info"    // transient engine events
)

// Notifier is the external presentation collaborator for user-visible,
// non-blocking notices. Implementations must not block.
type Notifier interface {
	Notify(kind, text string)
}

// NopNotifier discards all notices.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the local Store consistent with the server. It owns the two
// channel clients and the REST client, routes every inbound frame through the
// Store's reconciliation operations, and builds outbound frames from local
// intents. All state changes driven by local actions happen only via the
// server echo, so the Store has a single source of truth.
type Engine struct {
	client   *Client
	store    *Store
	composer *Composer
	msgCh    *ChannelClient
	friendCh *ChannelClient
	notifier Notifier
	log      *slog.Logger

	reconnectDelay time.Duration

	msgConnects    atomic.Int32
	friendConnects atomic.Int32

	mu        sync.Mutex
	identity  *Identity
	loadToken uuid.UUID
}

type EngineOption func(*Engine)

// WithNotifier sets the presentation collaborator for notices.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the structured logger used by the engine and its channels.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// WithReconnectDelay overrides the channels' fixed reconnect delay.
func WithReconnectDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.reconnectDelay = d }
}

// NewEngine creates an engine around a REST client. The channel clients share
// the client's origin and token and reconnect independently of each other.
func NewEngine(client *Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client:   client,
		store:    NewStore(""),
		composer: NewComposer(),
		notifier: NopNotifier{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	cfg := &ChannelConfig{
		Token:          client.token,
		AutoReconnect:  true,
		ReconnectDelay: e.reconnectDelay,
		HTTPClient:     client.httpClient,
		Logger:         e.log,
	}
	e.msgCh = NewMessagingChannel(client.baseURL, cfg)
	e.friendCh = NewFriendChannel(client.baseURL, cfg)
	e.registerHandlers()
	return e
}

// Store returns the engine's state store. Consumers observe it read-only.
func (e *Engine) Store() *Store {
	return e.store
}

// Composer returns the composition state machine.
func (e *Engine) Composer() *Composer {
	return e.composer
}

// MessagingChannel returns the chat channel client.
func (e *Engine) MessagingChannel() *ChannelClient {
	return e.msgCh
}

// FriendChannel returns the friend-request channel client.
func (e *Engine) FriendChannel() *ChannelClient {
	return e.friendCh
}

// Identity returns the authenticated identity, nil before Start.
func (e *Engine) Identity() *Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// ── Lifecycle ────────────────────────────────────────────────

// Start resolves the identity, seeds the store from REST snapshots, and opens
// both channels. Snapshot and push application are each idempotent, so a
// Start retry after a partial failure is safe.
func (e *Engine) Start(ctx context.Context) error {
	ident, err := e.client.Verify(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	e.mu.Lock()
	e.identity = ident
	e.mu.Unlock()
	e.store.SetSelf(ident.Username)

	if err := e.LoadChats(ctx); err != nil {
		return err
	}
	if err := e.LoadFriendRequests(ctx); err != nil {
		return err
	}

	if err := e.msgCh.Connect(ctx); err != nil {
		return err
	}
	if err := e.friendCh.Connect(ctx); err != nil {
		return err
	}
	return nil
}

// Close releases both channels.
func (e *Engine) Close() error {
	err1 := e.msgCh.Close()
	err2 := e.friendCh.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// registerHandlers wires the event routers to the reconciler.
func (e *Engine) registerHandlers() {
	e.msgCh.OnNewMessage(e.handleNewMessage)
	e.msgCh.OnDeleted(func(ev DeleteEvent) {
		e.store.ApplyDelete(ev.MessageID)
	})
	e.msgCh.OnEdited(func(ev EditEvent) {
		e.store.ApplyEdit(ev)
	})
	e.msgCh.OnNewChat(func(c Chat) {
		e.store.ApplyNewChat(c)
		// The announcement may concern a chat we cannot see yet; reload the
		// authoritative list off the read loop.
		go func() {
			if err := e.LoadChats(context.Background()); err != nil {
				e.log.Warn("chat list reload failed", "err", err)
			}
		}()
	})
	e.msgCh.OnBioChanged(func() {
		e.notifier.Notify(NoticeInfo, "profile updated")
	})
	e.msgCh.OnErrorFrame(func(ev ErrorEvent) {
		e.notifier.Notify(NoticeError, ev.Message)
	})

	e.friendCh.OnFriendRequest(func(fr FriendRequest) {
		if e.store.ApplyFriendRequest(fr) && fr.ReceiverUsername == e.store.Self() {
			e.notifier.Notify(NoticeFriend, fr.SenderUsername+" sent you a friend request")
		}
	})
	e.friendCh.OnAccepted(func(fr FriendRequest) {
		if e.store.ApplyAccept(fr) {
			e.notifier.Notify(NoticeFriend, fr.ReceiverUsername+" accepted the friend request")
		}
		// Acceptance can open a chat on the server side; pick it up.
		go func() {
			if err := e.LoadChats(context.Background()); err != nil {
				e.log.Warn("chat list reload failed", "err", err)
			}
		}()
	})
	e.friendCh.OnErrorFrame(func(ev ErrorEvent) {
		e.notifier.Notify(NoticeError, ev.Message)
	})

	// Frames pushed while a channel was down are gone; every reconnect is
	// followed by a snapshot re-seed so the store converges anyway. Start
	// seeds the store itself, so the initial connect is skipped.
	e.msgCh.OnConnected(func() {
		if e.msgConnects.Add(1) == 1 {
			return
		}
		go e.resyncMessaging()
	})
	e.friendCh.OnConnected(func() {
		if e.friendConnects.Add(1) == 1 {
			return
		}
		go func() {
			if err := e.LoadFriendRequests(context.Background()); err != nil {
				e.log.Warn("friend request resync failed", "err", err)
			}
		}()
	})
}

// resyncMessaging reconciles the store with the server after the messaging
// channel (re)opens: the chat list and, when a chat is open, its history.
func (e *Engine) resyncMessaging() {
	ctx := context.Background()
	if err := e.LoadChats(ctx); err != nil {
		e.log.Warn("chat list resync failed", "err", err)
	}
	if err := e.reloadOpenChat(ctx); err != nil {
		e.log.Warn("open chat resync failed", "err", err)
	}
}

// reloadOpenChat re-fetches the open chat's history in place, without
// clearing the view. The fetch carries a load token like OpenChat's, so a
// chat switch that happens mid-fetch wins and the late response is dropped.
func (e *Engine) reloadOpenChat(ctx context.Context) error {
	chatID := e.store.OpenChatID()
	if chatID == 0 {
		return nil
	}

	token := uuid.New()
	e.mu.Lock()
	e.loadToken = token
	e.mu.Unlock()

	msgs, err := e.client.Messages(ctx, chatID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	stale := e.loadToken != token
	e.mu.Unlock()
	if stale {
		return nil
	}
	e.store.SeedMessages(chatID, msgs)
	return nil
}

// handleNewMessage reconciles one inbound message. Whatever chat it targets,
// its chat is promoted in the recency order; the message body materializes
// only in the open chat. A message for an unopened chat surfaces as a notice
// instead — opening that chat later re-fetches the full history. Only the
// open chat's view is echo-deduplicated; a duplicated cross-chat push
// produces a duplicate notice, since no per-chat seen set exists for chats
// that are not materialized.
func (e *Engine) handleNewMessage(m Message) {
	inserted := e.store.ApplyNewMessage(m)
	if inserted {
		return
	}
	crossChat := m.ChatID == nil || *m.ChatID != e.store.OpenChatID()
	if crossChat && m.Username != e.store.Self() {
		e.notifier.Notify(NoticeMessage, m.Username+": "+m.Body)
	}
}

// ── Snapshot loading ─────────────────────────────────────────

// LoadChats refreshes the chat list. On failure the previous list is left
// untouched; a stale view beats a cleared one.
func (e *Engine) LoadChats(ctx context.Context) error {
	chats, err := e.client.Chats(ctx)
	if err != nil {
		e.notifier.Notify(NoticeError, "could not load chats")
		return err
	}
	e.store.SeedChats(chats)
	return nil
}

// LoadFriendRequests refreshes the friend-request set, non-destructively.
func (e *Engine) LoadFriendRequests(ctx context.Context) error {
	reqs, err := e.client.FriendRequests(ctx)
	if err != nil {
		e.notifier.Notify(NoticeError, "could not load friend requests")
		return err
	}
	e.store.SeedFriendRequests(reqs)
	return nil
}

// OpenChat switches the materialized chat and fetches its history. Opening
// the already-open chat is a no-op, so repeated clicks do not trigger
// redundant reloads. Each load carries a token; a response that arrives after
// a newer OpenChat superseded it is discarded rather than applied.
func (e *Engine) OpenChat(ctx context.Context, chatID int) error {
	if e.store.OpenChatID() == chatID {
		return nil
	}

	e.composer.Reset()
	e.store.SetOpenChat(chatID)

	token := uuid.New()
	e.mu.Lock()
	e.loadToken = token
	e.mu.Unlock()

	msgs, err := e.client.Messages(ctx, chatID)
	if err != nil {
		e.notifier.Notify(NoticeError, "could not load messages")
		return err
	}

	e.mu.Lock()
	stale := e.loadToken != token
	e.mu.Unlock()
	if stale {
		return nil
	}
	e.store.SeedMessages(chatID, msgs)
	return nil
}

// ── Local actions ────────────────────────────────────────────

// Send dispatches the composer's send action for the open chat: a new
// message in Idle, a reply in Replying, an edit in Editing. A whitespace-only
// body is a no-op. On success the composer returns to Idle.
func (e *Engine) Send(ctx context.Context, body string) error {
	chat, ok := e.store.ChatByID(e.store.OpenChatID())
	if !ok {
		return ErrNoPartner
	}

	env, err := ComposeFrame(e.composer.Current(), body, chat.Partner(e.store.Self()))
	if errors.Is(err, ErrEmptyBody) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.msgCh.Send(ctx, env.Action, env.Payload); err != nil {
		return err
	}
	e.composer.Reset()
	return nil
}

// StartReply enters reply mode targeting a message of the open chat.
func (e *Engine) StartReply(targetID int) {
	e.composer.StartReply(targetID)
}

// StartEdit enters edit mode targeting a message of the open chat.
func (e *Engine) StartEdit(targetID int) {
	e.composer.StartEdit(targetID)
}

// DeleteMessage asks the server to delete a message; removal happens when
// the delete frame echoes back.
func (e *Engine) DeleteMessage(ctx context.Context, messageID int) error {
	env := DeleteFrame(messageID)
	return e.msgCh.Send(ctx, env.Action, env.Payload)
}

// CreateChat asks the server to open a chat with a friend.
func (e *Engine) CreateChat(ctx context.Context, partner string) error {
	env, err := NewChatFrame(partner)
	if err != nil {
		return err
	}
	return e.msgCh.Send(ctx, env.Action, env.Payload)
}

// ChangeBio updates the local user's biography.
func (e *Engine) ChangeBio(ctx context.Context, bio string) error {
	env := ChangeBioFrame(bio)
	return e.msgCh.Send(ctx, env.Action, env.Payload)
}

// SendFriendRequest sends a friend request over the friend channel.
func (e *Engine) SendFriendRequest(ctx context.Context, receiver string) error {
	env, err := FriendRequestFrame(receiver)
	if err != nil {
		return err
	}
	return e.friendCh.Send(ctx, env.Action, env.Payload)
}

// AcceptFriend accepts a pending friend request by id.
func (e *Engine) AcceptFriend(ctx context.Context, friendID int) error {
	env := AcceptFrame(friendID)
	return e.friendCh.Send(ctx, env.Action, env.Payload)
}
