package store

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"replichat/internal/proto"
)

const origin = "127.0.0.1:50000"

func newMachine() *StateMachine {
	return New(Snapshot{Users: map[string]*User{}}, nil, zerolog.Nop())
}

func request(t *testing.T, m *StateMachine, cmd string, payload any) (proto.Envelope, *Broadcast) {
	t.Helper()
	return m.HandleRequest(proto.MustEnvelope(cmd, payload), origin)
}

func errorOf(t *testing.T, env proto.Envelope) string {
	t.Helper()
	if env.Command != proto.ReplyError {
		t.Fatalf("want error reply, got %q (%s)", env.Command, env.Data)
	}
	var p proto.ErrorPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	return p.Error
}

func decode[T any](t *testing.T, env proto.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("unmarshal %q payload: %v", env.Command, err)
	}
	return v
}

func mustCreate(t *testing.T, m *StateMachine, username, password string) {
	t.Helper()
	reply, _ := request(t, m, proto.CmdCreate, proto.CreateRequest{Username: username, Password: password})
	if reply.Command != proto.ReplyLogin {
		t.Fatalf("create %s: got %q (%s)", username, reply.Command, reply.Data)
	}
}

func mustLogout(t *testing.T, m *StateMachine, username string) {
	t.Helper()
	reply, _ := request(t, m, proto.CmdLogout, proto.LogoutRequest{Username: username})
	if reply.Command != proto.ReplyLogout {
		t.Fatalf("logout %s: got %q (%s)", username, reply.Command, reply.Data)
	}
}

func TestVersionGate(t *testing.T) {
	m := newMachine()
	env := proto.MustEnvelope(proto.CmdSearch, proto.SearchRequest{})
	env.Version = 1
	reply, bcast := m.HandleRequest(env, origin)
	if got := errorOf(t, reply); got != "Unsupported protocol version" {
		t.Fatalf("error = %q", got)
	}
	if bcast != nil {
		t.Fatal("version mismatch must not replicate")
	}
}

func TestCreateAccount(t *testing.T) {
	t.Run("success logs in and replicates", func(t *testing.T) {
		m := newMachine()
		reply, bcast := request(t, m, proto.CmdCreate, proto.CreateRequest{Username: "alice", Password: "pw"})
		login := decode[proto.LoginReply](t, reply)
		if login.Username != "alice" || login.UndelivMessages != 0 {
			t.Fatalf("login reply = %+v", login)
		}
		if bcast == nil || bcast.Command != proto.CmdCreate {
			t.Fatalf("broadcast = %+v", bcast)
		}
		u := m.users["alice"]
		if u == nil || !u.LoggedIn || u.Addr == nil || *u.Addr != origin {
			t.Fatalf("user after create = %+v", u)
		}
	})

	t.Run("trims whitespace", func(t *testing.T) {
		m := newMachine()
		reply, _ := request(t, m, proto.CmdCreate, proto.CreateRequest{Username: "  alice  ", Password: " pw "})
		if decode[proto.LoginReply](t, reply).Username != "alice" {
			t.Fatalf("reply = %s", reply.Data)
		}
		if m.users["alice"].Password != "pw" {
			t.Fatalf("password = %q", m.users["alice"].Password)
		}
	})

	t.Run("rejections", func(t *testing.T) {
		m := newMachine()
		mustCreate(t, m, "taken", "pw")
		cases := []struct {
			name string
			req  proto.CreateRequest
			want string
		}{
			{"non-alphanumeric", proto.CreateRequest{Username: "bad name", Password: "pw"}, "Username must be alphanumeric"},
			{"empty username", proto.CreateRequest{Username: "   ", Password: "pw"}, "Username must be alphanumeric"},
			{"duplicate", proto.CreateRequest{Username: "taken", Password: "pw"}, "Username already exists"},
			{"empty password", proto.CreateRequest{Username: "alice", Password: "  "}, "Password cannot be empty"},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				reply, bcast := request(t, m, proto.CmdCreate, tc.req)
				if got := errorOf(t, reply); got != tc.want {
					t.Fatalf("error = %q, want %q", got, tc.want)
				}
				if bcast != nil {
					t.Fatal("rejection must not replicate")
				}
			})
		}
	})
}

func TestLogin(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustLogout(t, m, "alice")

	cases := []struct {
		name string
		req  proto.LoginRequest
		want string
	}{
		{"unknown user", proto.LoginRequest{Username: "ghost", Password: "pw"}, "Username does not exist"},
		{"wrong password", proto.LoginRequest{Username: "alice", Password: "nope"}, "Incorrect password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, _ := request(t, m, proto.CmdLogin, tc.req)
			if got := errorOf(t, reply); got != tc.want {
				t.Fatalf("error = %q, want %q", got, tc.want)
			}
		})
	}

	reply, bcast := request(t, m, proto.CmdLogin, proto.LoginRequest{Username: "alice", Password: "pw"})
	login := decode[proto.LoginReply](t, reply)
	if login.Username != "alice" {
		t.Fatalf("login reply = %+v", login)
	}
	if bcast == nil || bcast.Command != proto.CmdLogin {
		t.Fatalf("broadcast = %+v", bcast)
	}
	if data, ok := bcast.Data.(proto.LoginRequest); !ok || data.Addr != origin {
		t.Fatalf("replicated login = %+v", bcast.Data)
	}

	reply, _ = request(t, m, proto.CmdLogin, proto.LoginRequest{Username: "alice", Password: "pw"})
	if got := errorOf(t, reply); got != "User already logged in" {
		t.Fatalf("error = %q", got)
	}
}

func TestSendMessageRouting(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")

	reply, _ := request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "ghost", Message: "hi"})
	if got := errorOf(t, reply); got != "Receiver does not exist" {
		t.Fatalf("error = %q", got)
	}

	// bob is logged in: straight to the delivered lane.
	reply, bcast := request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: "hi bob"})
	if reply.Command != proto.ReplyRefreshHome {
		t.Fatalf("reply = %q", reply.Command)
	}
	if bcast == nil || bcast.Command != proto.CmdSendMsg {
		t.Fatalf("broadcast = %+v", bcast)
	}
	if len(m.messages.Delivered) != 1 || len(m.messages.Undelivered) != 0 {
		t.Fatalf("lanes = %d delivered, %d undelivered", len(m.messages.Delivered), len(m.messages.Undelivered))
	}
	if m.messages.Delivered[0].ID != 1 {
		t.Fatalf("first id = %d", m.messages.Delivered[0].ID)
	}

	// bob logs out: next message parks in the undelivered lane.
	mustLogout(t, m, "bob")
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: "later"})
	if len(m.messages.Undelivered) != 1 {
		t.Fatalf("undelivered = %d", len(m.messages.Undelivered))
	}
	if m.messages.Undelivered[0].ID != 2 {
		t.Fatalf("second id = %d", m.messages.Undelivered[0].ID)
	}

	// An empty body is a valid message.
	reply, bcast = request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: ""})
	if reply.Command != proto.ReplyRefreshHome {
		t.Fatalf("empty body reply = %q (%s)", reply.Command, reply.Data)
	}
	if bcast == nil || bcast.Command != proto.CmdSendMsg {
		t.Fatalf("broadcast = %+v", bcast)
	}
	if got := m.messages.Undelivered[1].Body; got != "" {
		t.Fatalf("stored body = %q", got)
	}
}

func TestSendMessageNormalizesNUL(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "bob", "pw")
	_, bcast := request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "x", Recipient: "bob", Message: "a\x00b"})
	if got := m.messages.Delivered[0].Body; got != "aNULLb" {
		t.Fatalf("stored body = %q", got)
	}
	if data := bcast.Data.(proto.SendMsgRequest); data.Message != "aNULLb" {
		t.Fatalf("replicated body = %q", data.Message)
	}
}

func TestGetUndelivered(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")
	mustLogout(t, m, "bob")
	for _, body := range []string{"one", "two", "three"} {
		request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: body})
	}

	t.Run("non-integer count", func(t *testing.T) {
		reply, _ := request(t, m, proto.CmdGetUndelivered, map[string]any{"username": "bob", "num_messages": "two"})
		if got := errorOf(t, reply); got != "Number of messages to view must be an integer" {
			t.Fatalf("error = %q", got)
		}
	})

	t.Run("zero count is a pure read", func(t *testing.T) {
		reply, bcast := request(t, m, proto.CmdGetUndelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("0")})
		if msgs := decode[proto.MessagesReply](t, reply); len(msgs.Messages) != 0 {
			t.Fatalf("messages = %+v", msgs.Messages)
		}
		if bcast != nil {
			t.Fatal("zero-count fetch must not replicate")
		}
		if len(m.messages.Undelivered) != 3 {
			t.Fatalf("undelivered = %d, lane was mutated", len(m.messages.Undelivered))
		}
	})

	t.Run("partial drain replicates drained count", func(t *testing.T) {
		reply, bcast := request(t, m, proto.CmdGetUndelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("2")})
		msgs := decode[proto.MessagesReply](t, reply)
		if len(msgs.Messages) != 2 || msgs.Messages[0].Message != "one" || msgs.Messages[1].Message != "two" {
			t.Fatalf("messages = %+v", msgs.Messages)
		}
		if bcast == nil || bcast.Command != proto.CmdGetUndelivered {
			t.Fatalf("broadcast = %+v", bcast)
		}
		if data := bcast.Data.(proto.FetchRequest); string(data.NumMessages) != "2" {
			t.Fatalf("replicated count = %q", data.NumMessages)
		}
		if len(m.messages.Undelivered) != 1 || len(m.messages.Delivered) != 2 {
			t.Fatalf("lanes = %d undelivered, %d delivered", len(m.messages.Undelivered), len(m.messages.Delivered))
		}
	})

	t.Run("no messages for user is not an error", func(t *testing.T) {
		reply, bcast := request(t, m, proto.CmdGetUndelivered, proto.FetchRequest{Username: "alice", NumMessages: json.RawMessage("5")})
		if msgs := decode[proto.MessagesReply](t, reply); len(msgs.Messages) != 0 {
			t.Fatalf("messages = %+v", msgs.Messages)
		}
		if bcast != nil {
			t.Fatal("empty drain must not replicate")
		}
	})

	t.Run("empty lane errors", func(t *testing.T) {
		request(t, m, proto.CmdGetUndelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("10")})
		reply, _ := request(t, m, proto.CmdGetUndelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("1")})
		if got := errorOf(t, reply); got != "No undelivered messages" {
			t.Fatalf("error = %q", got)
		}
	})
}

func TestGetDelivered(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")

	reply, _ := request(t, m, proto.CmdGetDelivered, proto.FetchRequest{Username: "alice", NumMessages: json.RawMessage("1")})
	if got := errorOf(t, reply); got != "No delivered messages" {
		t.Fatalf("error = %q", got)
	}

	mustCreate(t, m, "bob", "pw")
	for _, body := range []string{"a", "b", "c"} {
		request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: body})
	}

	reply, bcast := request(t, m, proto.CmdGetDelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("2")})
	msgs := decode[proto.MessagesReply](t, reply)
	if len(msgs.Messages) != 2 || msgs.Messages[0].Message != "a" {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
	if bcast != nil {
		t.Fatal("read must not replicate")
	}
	if len(m.messages.Delivered) != 3 {
		t.Fatal("read must not mutate the lane")
	}
}

func TestGetDeliveredHugeCount(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "bob", "pw")
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "a", Recipient: "bob", Message: "x"})

	// A count near int64 max must behave like "all", not allocate by it.
	reply, _ := request(t, m, proto.CmdGetDelivered, proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("1152921504606846976")})
	if msgs := decode[proto.MessagesReply](t, reply); len(msgs.Messages) != 1 {
		t.Fatalf("messages = %+v", msgs.Messages)
	}
}

func TestRefreshHome(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")
	mustLogout(t, m, "bob")
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: "hi"})

	reply, _ := request(t, m, proto.CmdRefreshHome, proto.RefreshHomeRequest{Username: "bob"})
	if got := decode[proto.RefreshHomeReply](t, reply); got.UndelivMessages != 1 {
		t.Fatalf("undeliv = %d", got.UndelivMessages)
	}
}

func TestSearchUsers(t *testing.T) {
	m := newMachine()
	for _, name := range []string{"alice", "alan", "bob"} {
		mustCreate(t, m, name, "pw")
	}

	cases := []struct {
		pattern string
		want    int
	}{
		{"*", 3},
		{"", 3},
		{"al*", 2},
		{"bob", 1},
		{"zzz*", 0},
		{"[bad", 0},
	}
	for _, tc := range cases {
		t.Run("pattern "+tc.pattern, func(t *testing.T) {
			reply, _ := request(t, m, proto.CmdSearch, proto.SearchRequest{Search: tc.pattern})
			if got := decode[proto.UserListReply](t, reply); len(got.UserList) != tc.want {
				t.Fatalf("matched %d users, want %d: %v", len(got.UserList), tc.want, got.UserList)
			}
		})
	}
}

func TestDeleteAccount(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: "hi"})
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "bob", Recipient: "alice", Message: "yo"})

	reply, _ := request(t, m, proto.CmdDeleteAcct, proto.DeleteAcctRequest{Username: "ghost"})
	if got := errorOf(t, reply); got != "Account does not exist" {
		t.Fatalf("error = %q", got)
	}

	reply, bcast := request(t, m, proto.CmdDeleteAcct, proto.DeleteAcctRequest{Username: "bob"})
	if reply.Command != proto.ReplyLogout {
		t.Fatalf("reply = %q", reply.Command)
	}
	if bcast == nil || bcast.Command != proto.CmdDeleteAcct {
		t.Fatalf("broadcast = %+v", bcast)
	}
	if _, ok := m.users["bob"]; ok {
		t.Fatal("bob still present")
	}
	if len(m.messages.Delivered)+len(m.messages.Undelivered) != 0 {
		t.Fatal("messages involving bob survived deletion")
	}
}

func TestDeleteMessages(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")
	// ids 1..3; id 2 lands in alice's mailbox.
	for _, req := range []proto.SendMsgRequest{
		{Sender: "alice", Recipient: "bob", Message: "one"},
		{Sender: "bob", Recipient: "alice", Message: "two"},
		{Sender: "alice", Recipient: "bob", Message: "three"},
	} {
		request(t, m, proto.CmdSendMsg, req)
	}

	// id 2 belongs to alice's mailbox; bob cannot delete it.
	reply, bcast := request(t, m, proto.CmdDeleteMsg, proto.DeleteMsgRequest{CurrentUser: "bob", DeleteIDs: "1, 2"})
	if reply.Command != proto.ReplyRefreshHome {
		t.Fatalf("reply = %q", reply.Command)
	}
	if bcast == nil || bcast.Command != proto.CmdDeleteMsg {
		t.Fatalf("broadcast = %+v", bcast)
	}

	var ids []int64
	for _, msg := range m.messages.Delivered {
		ids = append(ids, msg.ID)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("remaining ids = %v", ids)
	}
}

func TestDropSessions(t *testing.T) {
	m := newMachine()
	mustCreate(t, m, "alice", "pw")
	mustCreate(t, m, "bob", "pw")

	dropped := m.DropSessions(origin)
	if len(dropped) != 2 {
		t.Fatalf("dropped = %v", dropped)
	}
	for _, name := range []string{"alice", "bob"} {
		if u := m.users[name]; u.LoggedIn || u.Addr != nil {
			t.Fatalf("%s still has a session: %+v", name, u)
		}
	}
	if again := m.DropSessions(origin); len(again) != 0 {
		t.Fatalf("second drop = %v", again)
	}
}

func TestApplyReplicated(t *testing.T) {
	raw := func(v any) json.RawMessage {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return data
	}

	t.Run("create marks logged in without session", func(t *testing.T) {
		m := newMachine()
		m.ApplyReplicated(proto.CmdCreate, raw(proto.CreateRequest{Username: "alice", Password: "pw"}))
		u := m.users["alice"]
		if u == nil || !u.LoggedIn || u.Addr != nil {
			t.Fatalf("user = %+v", u)
		}
	})

	t.Run("login carries origin session endpoint", func(t *testing.T) {
		m := newMachine()
		m.ApplyReplicated(proto.CmdCreate, raw(proto.CreateRequest{Username: "alice", Password: "pw"}))
		m.ApplyReplicated(proto.CmdLogout, raw(proto.LogoutRequest{Username: "alice"}))
		m.ApplyReplicated(proto.CmdLogin, raw(proto.LoginRequest{Username: "alice", Password: "pw", Addr: "10.0.0.1:9"}))
		u := m.users["alice"]
		if !u.LoggedIn || u.Addr == nil || *u.Addr != "10.0.0.1:9" {
			t.Fatalf("user = %+v", u)
		}
	})

	t.Run("unknown user is skipped, not fatal", func(t *testing.T) {
		m := newMachine()
		m.ApplyReplicated(proto.CmdLogin, raw(proto.LoginRequest{Username: "ghost", Password: "pw"}))
		m.ApplyReplicated(proto.CmdSendMsg, raw(proto.SendMsgRequest{Sender: "a", Recipient: "ghost", Message: "hi"}))
		if len(m.users) != 0 || len(m.messages.Undelivered) != 0 {
			t.Fatalf("state mutated: %d users, %d undelivered", len(m.users), len(m.messages.Undelivered))
		}
	})

	t.Run("replicated drain moves lanes", func(t *testing.T) {
		m := newMachine()
		m.ApplyReplicated(proto.CmdCreate, raw(proto.CreateRequest{Username: "bob", Password: "pw"}))
		m.ApplyReplicated(proto.CmdLogout, raw(proto.LogoutRequest{Username: "bob"}))
		m.ApplyReplicated(proto.CmdSendMsg, raw(proto.SendMsgRequest{Sender: "a", Recipient: "bob", Message: "x"}))
		m.ApplyReplicated(proto.CmdGetUndelivered, raw(proto.FetchRequest{Username: "bob", NumMessages: json.RawMessage("1")}))
		if len(m.messages.Undelivered) != 0 || len(m.messages.Delivered) != 1 {
			t.Fatalf("lanes = %d undelivered, %d delivered", len(m.messages.Undelivered), len(m.messages.Delivered))
		}
	})

	t.Run("unknown command is ignored", func(t *testing.T) {
		m := newMachine()
		m.ApplyReplicated("explode", raw(map[string]string{}))
	})
}

func TestInstallSnapshotPreservesListenerSettings(t *testing.T) {
	m := New(Snapshot{
		Users:    map[string]*User{},
		Settings: Settings{Host: "10.1.1.1", Port: 54401, HostJSON: "10.1.1.1", PortJSON: 54445},
	}, nil, zerolog.Nop())

	m.InstallSnapshot(Snapshot{
		Users:    map[string]*User{"alice": {Password: "pw"}},
		Messages: Messages{Delivered: []Message{{ID: 7, Sender: "a", Receiver: "alice", Body: "x"}}},
		Settings: Settings{Counter: 7, Host: "10.9.9.9", Port: 54400},
	})

	if _, ok := m.users["alice"]; !ok {
		t.Fatal("snapshot users not installed")
	}
	if m.settings.Counter != 7 {
		t.Fatalf("counter = %d", m.settings.Counter)
	}
	if m.settings.Host != "10.1.1.1" || m.settings.Port != 54401 {
		t.Fatalf("listener settings overwritten: %+v", m.settings)
	}

	// Ids continue above the installed counter.
	mustCreate(t, m, "bob", "pw")
	request(t, m, proto.CmdSendMsg, proto.SendMsgRequest{Sender: "alice", Recipient: "bob", Message: "y"})
	if got := m.messages.Delivered[len(m.messages.Delivered)-1].ID; got != 8 {
		t.Fatalf("next id = %d", got)
	}
}

func TestIsAlnum(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"alice", true},
		{"Alice42", true},
		{"", false},
		{"a b", false},
		{"a_b", false},
		{"émile", true},
	}
	for _, tc := range cases {
		if got := isAlnum(tc.in); got != tc.want {
			t.Errorf("isAlnum(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
