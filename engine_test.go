package strand_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	strand "github.com/strandchat/strand-go"
	"nhooyr.io/websocket"
)

// chatFixture is a fake server covering both the snapshot endpoints and the
// two live channels, so an engine can run its full lifecycle against it.
type chatFixture struct {
	srv *httptest.Server

	mu          sync.Mutex
	chats       []strand.Chat
	messages    map[int][]strand.Message
	friends     []strand.FriendRequest
	failChats   bool
	messageHits map[int]int
	msgGates    map[int]chan struct{}

	msgStarted chan int

	msgConns    chan *websocket.Conn
	friendConns chan *websocket.Conn
	inbound     chan []byte
	done        chan struct{}
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		chats: []strand.Chat{
			chatAt(1, "olivia", "amos", time.Minute),
			chatAt(2, "olivia", "bea", 0),
		},
		messages: map[int][]strand.Message{
			1: {
				msgAt(10, 1, "amos", "hi", time.Second),
				msgAt(11, 1, "olivia", "hey", 2*time.Second),
			},
		},
		friends: []strand.FriendRequest{
			{ID: intPtr(1), SenderUsername: "amos", ReceiverUsername: "olivia", Status: strand.FriendPending},
		},
		messageHits: make(map[int]int),
		msgGates:    make(map[int]chan struct{}),
		msgStarted:  make(chan int, 4),
		msgConns:    make(chan *websocket.Conn, 4),
		friendConns: make(chan *websocket.Conn, 4),
		inbound:     make(chan []byte, 16),
		done:        make(chan struct{}),
	}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/verify":
			fmt.Fprint(w, `{"status":"success","user":{"email":"o@example.com","username":"olivia","verified":true}}`)
		case r.URL.Path == "/chats":
			f.mu.Lock()
			fail, chats := f.failChats, append([]strand.Chat(nil), f.chats...)
			f.mu.Unlock()
			if fail {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(chats)
		case r.URL.Path == "/friend_req":
			f.mu.Lock()
			friends := append([]strand.FriendRequest(nil), f.friends...)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(friends)
		case strings.HasPrefix(r.URL.Path, "/messages/"):
			id, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/messages/"))
			f.mu.Lock()
			f.messageHits[id]++
			gate := f.msgGates[id]
			msgs := append([]strand.Message(nil), f.messages[id]...)
			f.mu.Unlock()
			if gate != nil {
				f.msgStarted <- id
				<-gate
			}
			json.NewEncoder(w).Encode(msgs)
		case r.URL.Path == strand.MessagingPath || r.URL.Path == strand.FriendPath:
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			if r.URL.Path == strand.MessagingPath {
				f.msgConns <- conn
			} else {
				f.friendConns <- conn
			}
			go func() {
				for {
					_, data, err := conn.Read(context.Background())
					if err != nil {
						return
					}
					f.inbound <- data
				}
			}()
			<-f.done
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(func() {
		close(f.done)
		f.srv.Close()
	})
	return f
}

func (f *chatFixture) hits(chatID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messageHits[chatID]
}

func acceptConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a websocket connection")
		return nil
	}
}

func pushFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// recordingNotifier collects notices for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *recordingNotifier) Notify(kind, text string) {
	n.mu.Lock()
	n.notes = append(n.notes, kind+": "+text)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.notes {
		if strings.Contains(note, substr) {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, note := range n.notes {
		if strings.Contains(note, substr) {
			c++
		}
	}
	return c
}

func startEngine(t *testing.T, f *chatFixture, notifier strand.Notifier, opts ...strand.EngineOption) *strand.Engine {
	t.Helper()
	client := strand.NewClient(f.srv.URL, "tok")
	eng := strand.NewEngine(client, append([]strand.EngineOption{strand.WithNotifier(notifier)}, opts...)...)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

// ── Tests ────────────────────────────────────────────────────

func TestEngineStart(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{})

	if ident := eng.Identity(); ident == nil || ident.Username != "olivia" {
		t.Fatalf("identity = %+v", ident)
	}
	if got := chatIDs(eng.Store().Chats()); !sameIDs(got, 1, 2) {
		t.Fatalf("chats = %v, want [1 2]", got)
	}
	if got := len(eng.Store().PendingRequests()); got != 1 {
		t.Fatalf("pending requests = %d, want 1", got)
	}

	acceptConn(t, f.msgConns)
	acceptConn(t, f.friendConns)
	if eng.MessagingChannel().State() != strand.StateOpen {
		t.Fatal("messaging channel not open")
	}
	if eng.FriendChannel().State() != strand.StateOpen {
		t.Fatal("friend channel not open")
	}
}

func TestEngineOpenChat(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{})

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.Store().Messages()); got != 2 {
		t.Fatalf("messages = %d, want 2", got)
	}

	// Re-opening the open chat must not refetch.
	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := f.hits(1); got != 1 {
		t.Fatalf("history fetched %d times, want 1", got)
	}

	// Switching chats drops the previous view.
	if err := eng.OpenChat(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.Store().Messages()); got != 0 {
		t.Fatalf("messages after switch = %d, want 0", got)
	}
}

func TestEngineOpenChatDiscardsStaleLoad(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{})

	// Hold the chat-1 history response until chat 2 has been opened.
	gate := make(chan struct{})
	f.mu.Lock()
	f.msgGates[1] = gate
	f.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- eng.OpenChat(context.Background(), 1) }()

	select {
	case <-f.msgStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("chat 1 history fetch never started")
	}
	if err := eng.OpenChat(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// The late chat-1 history must not leak into the chat-2 view.
	if got := eng.Store().OpenChatID(); got != 2 {
		t.Fatalf("open chat = %d, want 2", got)
	}
	if got := len(eng.Store().Messages()); got != 0 {
		t.Fatalf("stale history applied: %d messages", got)
	}
}

func TestEngineLoadChatsFailureKeepsState(t *testing.T) {
	f := newChatFixture(t)
	notifier := &recordingNotifier{}
	eng := startEngine(t, f, notifier)

	f.mu.Lock()
	f.failChats = true
	f.mu.Unlock()

	if err := eng.LoadChats(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
	if got := chatIDs(eng.Store().Chats()); !sameIDs(got, 1, 2) {
		t.Fatalf("chats after failed reload = %v, want [1 2]", got)
	}
	if !notifier.has("could not load chats") {
		t.Fatal("failure was not surfaced as a notice")
	}
}

func TestEngineMessageReconciliation(t *testing.T) {
	f := newChatFixture(t)
	notifier := &recordingNotifier{}
	eng := startEngine(t, f, notifier)
	msgConn := acceptConn(t, f.msgConns)

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	t.Run("push into the open chat renders once", func(t *testing.T) {
		frame := `{"action":"new_message","id":12,"chat_id":1,"username":"amos","message":"three","time":"2025-06-01T12:00:09Z"}`
		pushFrame(t, msgConn, frame)
		waitFor(t, "pushed message", func() bool { return len(eng.Store().Messages()) == 3 })

		pushFrame(t, msgConn, frame)
		pushFrame(t, msgConn, `{"action":"new_message","id":13,"chat_id":1,"username":"amos","message":"four","time":"2025-06-01T12:00:10Z"}`)
		waitFor(t, "next message", func() bool { return len(eng.Store().Messages()) == 4 })
		if _, ok := eng.Store().MessageByID(12); !ok {
			t.Fatal("message 12 missing")
		}
	})

	t.Run("cross-chat push promotes and notifies", func(t *testing.T) {
		pushFrame(t, msgConn, `{"action":"new_message","id":20,"chat_id":2,"username":"bea","message":"psst","time":"2025-06-01T12:10:00Z"}`)
		waitFor(t, "chat promotion", func() bool { return chatIDs(eng.Store().Chats())[0] == 2 })
		if got := len(eng.Store().Messages()); got != 4 {
			t.Fatalf("open chat picked up a foreign message: %d", got)
		}
		waitFor(t, "cross-chat notice", func() bool { return notifier.has("bea: psst") })
	})

	t.Run("delete echo removes, duplicate echo stays gone", func(t *testing.T) {
		pushFrame(t, msgConn, `{"action":"delete","message_id":13}`)
		waitFor(t, "delete", func() bool {
			_, ok := eng.Store().MessageByID(13)
			return !ok
		})
		pushFrame(t, msgConn, `{"action":"new_message","id":13,"chat_id":1,"username":"amos","message":"four","time":"2025-06-01T12:00:10Z"}`)
		pushFrame(t, msgConn, `{"action":"edit_message","id":12,"chat_id":1,"message":"three!"}`)
		waitFor(t, "edit", func() bool {
			m, ok := eng.Store().MessageByID(12)
			return ok && m.Edited && m.Body == "three!"
		})
		if _, ok := eng.Store().MessageByID(13); ok {
			t.Fatal("deleted message resurrected by a duplicate echo")
		}
	})
}

func TestEngineOwnEchoRendersOnce(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{})
	msgConn := acceptConn(t, f.msgConns)

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := eng.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}

	// The server acknowledges by echoing the stored message back.
	echo := `{"action":"new_message","id":50,"chat_id":1,"username":"olivia","message":"hello","time":"2025-06-01T12:00:30Z"}`
	pushFrame(t, msgConn, echo)
	waitFor(t, "own echo", func() bool { return len(eng.Store().Messages()) == 3 })
	pushFrame(t, msgConn, echo)
	pushFrame(t, msgConn, `{"action":"new_message","id":51,"chat_id":1,"username":"amos","message":"!","time":"2025-06-01T12:00:31Z"}`)
	waitFor(t, "follow-up message", func() bool { return len(eng.Store().Messages()) == 4 })
	if _, ok := eng.Store().MessageByID(50); !ok {
		t.Fatal("own message missing")
	}
}

func TestEngineSendBuildsFrames(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{})
	acceptConn(t, f.msgConns)

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	recvFrame := func(what string) map[string]json.RawMessage {
		t.Helper()
		select {
		case data := <-f.inbound:
			var frame map[string]json.RawMessage
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			return frame
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}

	t.Run("plain send", func(t *testing.T) {
		if err := eng.Send(context.Background(), "hi"); err != nil {
			t.Fatal(err)
		}
		frame := recvFrame("new_message frame")
		var payload strand.NewMessagePayload
		json.Unmarshal(frame["payload"], &payload)
		if payload.Message != "hi" || payload.ChatPartner != "amos" || payload.Reply != nil {
			t.Fatalf("payload = %+v", payload)
		}
	})

	t.Run("reply send carries target and resets", func(t *testing.T) {
		eng.StartReply(10)
		if err := eng.Send(context.Background(), "re: hi"); err != nil {
			t.Fatal(err)
		}
		frame := recvFrame("reply frame")
		var payload strand.NewMessagePayload
		json.Unmarshal(frame["payload"], &payload)
		if payload.Reply == nil || *payload.Reply != 10 {
			t.Fatalf("reply = %v, want 10", payload.Reply)
		}
		if got := eng.Composer().Current().Mode; got != strand.ComposeIdle {
			t.Fatalf("composer mode after send = %v, want idle", got)
		}
	})

	t.Run("edit send", func(t *testing.T) {
		eng.StartEdit(11)
		if err := eng.Send(context.Background(), "hey!"); err != nil {
			t.Fatal(err)
		}
		frame := recvFrame("edit frame")
		if got := string(frame["action"]); got != `"edit_message"` {
			t.Fatalf("action = %s", got)
		}
	})

	t.Run("empty body is a no-op", func(t *testing.T) {
		eng.StartReply(10)
		if err := eng.Send(context.Background(), "   "); err != nil {
			t.Fatal(err)
		}
		select {
		case data := <-f.inbound:
			t.Fatalf("empty send produced a frame: %s", data)
		case <-time.After(100 * time.Millisecond):
		}
		// The composition survives an empty attempt.
		if got := eng.Composer().Current(); got.Mode != strand.ComposeReplying || got.TargetID != 10 {
			t.Fatalf("composer = %+v, want replying(10)", got)
		}
	})
}

func TestEngineFriendFlow(t *testing.T) {
	f := newChatFixture(t)
	notifier := &recordingNotifier{}
	eng := startEngine(t, f, notifier)
	friendConn := acceptConn(t, f.friendConns)
	msgConn := acceptConn(t, f.msgConns)

	t.Run("accept echo settles the edge", func(t *testing.T) {
		pushFrame(t, friendConn, `{"action":"accept","id":1,"sender_username":"amos","receiver_username":"olivia","status":"accepted"}`)
		waitFor(t, "accepted edge", func() bool { return len(eng.Store().PendingRequests()) == 0 })
		// A late pending echo for the same edge changes nothing.
		pushFrame(t, friendConn, `{"action":"send_request","id":1,"sender_username":"amos","receiver_username":"olivia","status":"pending"}`)
		time.Sleep(50 * time.Millisecond)
		got := eng.Store().FriendRequests()
		if len(got) != 1 || got[0].Status != strand.FriendAccepted {
			t.Fatalf("edge = %+v", got)
		}
	})

	t.Run("incoming request notifies the receiver", func(t *testing.T) {
		pushFrame(t, friendConn, `{"action":"send_request","id":2,"sender_username":"cal","receiver_username":"olivia","status":"pending"}`)
		waitFor(t, "request notice", func() bool { return notifier.has("cal sent you a friend request") })
	})

	t.Run("new chat announcement lands at the front", func(t *testing.T) {
		pushFrame(t, msgConn, `{"action":"new_chat","id":3,"first_user_name":"olivia","second_user_name":"cal","last_update":"2025-06-01T12:20:00Z"}`)
		waitFor(t, "new chat", func() bool { return chatIDs(eng.Store().Chats())[0] == 3 })
	})

	t.Run("error frames surface verbatim", func(t *testing.T) {
		pushFrame(t, friendConn, `{"action":"error","payload":{"message":"user not found"}}`)
		waitFor(t, "error notice", func() bool { return notifier.has("user not found") })
	})
}

func TestEngineReconnectResyncsOpenChat(t *testing.T) {
	f := newChatFixture(t)
	eng := startEngine(t, f, strand.NopNotifier{}, strand.WithReconnectDelay(20*time.Millisecond))
	msgConn := acceptConn(t, f.msgConns)
	acceptConn(t, f.friendConns)

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if got := len(eng.Store().Messages()); got != 2 {
		t.Fatalf("messages = %d, want 2", got)
	}

	// The server stores a message while the channel is down; no frame for it
	// will ever arrive, so only a post-reconnect re-seed can surface it.
	f.mu.Lock()
	f.messages[1] = append(f.messages[1], msgAt(12, 1, "amos", "while you were away", 30*time.Second))
	f.mu.Unlock()
	msgConn.Close(websocket.StatusNormalClosure, "restart")

	acceptConn(t, f.msgConns)
	waitFor(t, "open chat re-seed", func() bool {
		_, ok := eng.Store().MessageByID(12)
		return ok
	})
	if got := len(eng.Store().Messages()); got != 3 {
		t.Fatalf("messages after resync = %d, want 3", got)
	}
}

func TestEngineCrossChatDuplicateNotices(t *testing.T) {
	f := newChatFixture(t)
	notifier := &recordingNotifier{}
	eng := startEngine(t, f, notifier)
	msgConn := acceptConn(t, f.msgConns)

	if err := eng.OpenChat(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	// Chats that are not materialized keep no seen set, so a repeated push
	// for one notifies each time.
	frame := `{"action":"new_message","id":30,"chat_id":2,"username":"bea","message":"knock","time":"2025-06-01T12:30:00Z"}`
	pushFrame(t, msgConn, frame)
	pushFrame(t, msgConn, frame)
	waitFor(t, "repeated notice", func() bool { return notifier.count("bea: knock") == 2 })
	if got := len(eng.Store().Messages()); got != 2 {
		t.Fatalf("open chat picked up a foreign message: %d", got)
	}
}
