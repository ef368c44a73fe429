package strand

import (
	"sort"
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative in-memory projection of the server state: the
// recency-ordered chat list, the rendered message set of the open chat, and
// the friend-request set. All mutation flows through it, and every write path
// is idempotent so that snapshot seeding and push reconciliation converge to
// the same state regardless of arrival order.
//
// Consumers receive copies; the Store never leaks its internal slices.
type Store struct {
	mu   sync.Mutex
	self string

	chats   []Chat // front = most recent activity
	chatIDs map[int]struct{}

	// openChatID is the chat whose messages are materialized, 0 when none.
	// seen is the composite-key membership set for the open chat; it holds
	// tombstones for deleted messages so a duplicate echo cannot resurrect
	// them, and is cleared on every chat switch to bound its growth.
	openChatID int
	seen       map[MessageKey]struct{}
	messages   []Message

	friends map[int]FriendRequest
}

// NewStore creates an empty store for the given local identity.
func NewStore(self string) *Store {
	return &Store{
		self:    self,
		chatIDs: make(map[int]struct{}),
		seen:    make(map[MessageKey]struct{}),
		friends: make(map[int]FriendRequest),
	}
}

// Self returns the local username.
func (s *Store) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// SetSelf records the local username once the identity is resolved. Own
// echoes are distinguished from partner messages by this name.
func (s *Store) SetSelf(self string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
}

// ============================================================================
// Chat list
// ============================================================================

// SeedChats merges a snapshot chat list. Chats already present are kept as-is
// (their recency may be newer than the snapshot's); missing ones are inserted.
// The list is then ordered by last activity, most recent first, which makes a
// reconnect-triggered re-seed a no-op.
func (s *Store) SeedChats(chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chats {
		if _, ok := s.chatIDs[c.ID]; ok {
			continue
		}
		s.chatIDs[c.ID] = struct{}{}
		s.chats = append(s.chats, c)
	}
	sort.SliceStable(s.chats, func(i, j int) bool {
		return s.chats[i].LastUpdate.After(s.chats[j].LastUpdate)
	})
}

// ApplyNewChat inserts a newly announced chat at the front of the list.
// A chat already present is left untouched.
func (s *Store) ApplyNewChat(c Chat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chatIDs[c.ID]; ok {
		return false
	}
	s.chatIDs[c.ID] = struct{}{}
	s.chats = append([]Chat{c}, s.chats...)
	return true
}

// promoteChat moves a chat to the front of the recency order. The common case
// (already at front) costs O(1); otherwise remove-then-prepend. Unknown chat
// ids are ignored — the chat list reload triggered by new_chat fills them in.
func (s *Store) promoteChat(chatID int, m Message) {
	if _, ok := s.chatIDs[chatID]; !ok {
		return
	}
	if len(s.chats) > 0 && s.chats[0].ID == chatID {
		if m.Time.After(s.chats[0].LastUpdate) {
			s.chats[0].LastUpdate = m.Time
		}
		return
	}
	for i, c := range s.chats {
		if c.ID == chatID {
			if m.Time.After(c.LastUpdate) {
				c.LastUpdate = m.Time
			}
			s.chats = append(s.chats[:i], s.chats[i+1:]...)
			s.chats = append([]Chat{c}, s.chats...)
			return
		}
	}
}

// Chats returns the chat list in recency order, most recent first.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chat(nil), s.chats...)
}

// ChatByID returns a chat by id.
func (s *Store) ChatByID(id int) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

// ChatWith returns the chat whose other participant is the given user.
func (s *Store) ChatWith(partner string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.Partner(s.self) == partner {
			return c, true
		}
	}
	return Chat{}, false
}

// ============================================================================
// Open chat and messages
// ============================================================================

// SetOpenChat switches the materialized chat, discarding the previous chat's
// rendered set and messages. chatID 0 closes the view.
func (s *Store) SetOpenChat(chatID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openChatID = chatID
	s.seen = make(map[MessageKey]struct{})
	s.messages = nil
}

// OpenChatID returns the currently open chat id, 0 when none.
func (s *Store) OpenChatID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openChatID
}

// SeedMessages merges a fetched message history into the open chat. Messages
// whose composite key was already seen (e.g. pushed moments before the fetch
// completed) are skipped. The result is kept in chronological order so that
// (seed, push) and (push, seed) converge. Returns the number inserted.
func (s *Store) SeedMessages(chatID int, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chatID != s.openChatID {
		return 0
	}
	inserted := 0
	for _, m := range msgs {
		key := m.Key()
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.messages = append(s.messages, m)
		inserted++
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Time.Before(s.messages[j].Time)
	})
	return inserted
}

// ApplyNewMessage reconciles an inbound new_message frame. The chat is always
// promoted to the front of the recency order, whichever chat is open. The
// message itself is materialized only when its chat is the open one and its
// composite key is unseen; the sender's own echo therefore re-applies as a
// no-op. Returns whether the message was inserted.
func (s *Store) ApplyNewMessage(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ChatID != nil {
		s.promoteChat(*m.ChatID, m)
	}
	if m.ChatID == nil || *m.ChatID != s.openChatID || s.openChatID == 0 {
		return false
	}

	key := m.Key()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.messages = append(s.messages, m)
	// Pushes normally arrive newest-last; restore chronological order for
	// the ones that do not, so push and seed interleavings converge.
	if n := len(s.messages); n > 1 && s.messages[n-2].Time.After(m.Time) {
		sort.SliceStable(s.messages, func(i, j int) bool {
			return s.messages[i].Time.Before(s.messages[j].Time)
		})
	}
	return true
}

// ApplyDelete removes a message from the open chat by server id. An absent id
// is a silent no-op, which covers deletions racing a never-rendered message.
// The composite key stays in the seen set as a tombstone.
func (s *Store) ApplyDelete(messageID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ID != nil && *m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyEdit replaces a message body in place and marks it edited. The edited
// flag is monotone: applying the same edit twice yields one marker and the
// body of the latest event. Returns whether a message was updated.
func (s *Store) ApplyEdit(ev EditEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ChatID != s.openChatID {
		return false
	}
	for i := range s.messages {
		if s.messages[i].ID != nil && *s.messages[i].ID == ev.ID {
			s.messages[i].Body = ev.Body
			s.messages[i].Edited = true
			return true
		}
	}
	return false
}

// Messages returns the open chat's messages in chronological order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// MessageByID returns an open-chat message by server id.
func (s *Store) MessageByID(id int) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID != nil && *m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// ============================================================================
// Friend requests
// ============================================================================

// SeedFriendRequests merges a friend-request snapshot. Present entries are
// not downgraded: an accepted edge never reverts to pending.
func (s *Store) SeedFriendRequests(reqs []FriendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fr := range reqs {
		s.upsertFriend(fr)
	}
}

// ApplyFriendRequest reconciles an inbound send_request frame.
func (s *Store) ApplyFriendRequest(fr FriendRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertFriend(fr)
}

// ApplyAccept reconciles an inbound accept frame: the edge transitions to
// accepted, or is inserted as accepted when unseen.
func (s *Store) ApplyAccept(fr FriendRequest) bool {
	fr.Status = FriendAccepted
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertFriend(fr)
}

// upsertFriend inserts or updates an edge by id. Transitions are monotone:
// pending -> accepted only. Caller holds s.mu.
func (s *Store) upsertFriend(fr FriendRequest) bool {
	if fr.ID == nil {
		return false
	}
	existing, ok := s.friends[*fr.ID]
	if ok && existing.Status == FriendAccepted && fr.Status != FriendAccepted {
		return false
	}
	if ok && existing.Status == fr.Status {
		return false
	}
	s.friends[*fr.ID] = fr
	return true
}

// FriendRequests returns all known edges ordered by id.
func (s *Store) FriendRequests() []FriendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FriendRequest, 0, len(s.friends))
	for _, fr := range s.friends {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].ID < *out[j].ID })
	return out
}

// PendingRequests returns pending requests addressed to the local user.
func (s *Store) PendingRequests() []FriendRequest {
	self := s.Self()
	var out []FriendRequest
	for _, fr := range s.FriendRequests() {
		if fr.Status == FriendPending && fr.ReceiverUsername == self {
			out = append(out, fr)
		}
	}
	return out
}

// FriendsOf returns the usernames the local user is friends with.
func (s *Store) FriendsOf() []string {
	self := s.Self()
	var out []string
	for _, fr := range s.FriendRequests() {
		if fr.Status != FriendAccepted {
			continue
		}
		switch self {
		case fr.SenderUsername:
			out = append(out, fr.ReceiverUsername)
		case fr.ReceiverUsername:
			out = append(out, fr.SenderUsername)
		}
	}
	return out
}
