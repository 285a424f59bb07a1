package store

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog"

	"replichat/internal/proto"
)

// Persister writes a full snapshot to stable storage. The state machine
// calls it after every accepted mutation, while still holding its lock,
// so the written snapshot always reflects the state at the instant the
// mutation completed.
type Persister interface {
	Save(Snapshot) error
}

// Broadcast is the replicated command an origin-apply produced. The
// caller ships it to the peers after the client reply has been written;
// replica-applies never produce one.
type Broadcast struct {
	Command string
	Data    any
}

// StateMachine owns the users table, both message lanes and the message
// counter. All access is serialized by a single mutex; operations never
// interleave their mutations.
type StateMachine struct {
	mu       sync.Mutex
	users    map[string]*User
	messages Messages
	settings Settings
	persist  Persister
	log      zerolog.Logger
}

// New builds a state machine around a loaded snapshot. The snapshot is
// expected to have been session-reset by the storage driver.
func New(snap Snapshot, persist Persister, log zerolog.Logger) *StateMachine {
	if snap.Users == nil {
		snap.Users = make(map[string]*User)
	}
	return &StateMachine{
		users:    snap.Users,
		messages: snap.Messages,
		settings: snap.Settings,
		persist:  persist,
		log:      log,
	}
}

// HandleRequest executes one client request in origin-apply mode:
// validate, mutate, persist, and hand back exactly one reply envelope
// plus the command to replicate (nil for reads and rejections).
func (m *StateMachine) HandleRequest(env proto.Envelope, origin string) (proto.Envelope, *Broadcast) {
	if env.Version != proto.Version {
		return proto.ErrorReply("Unsupported protocol version"), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch env.Command {
	case proto.CmdCreate:
		return m.createAccount(env.Data, origin)
	case proto.CmdLogin:
		return m.login(env.Data, origin)
	case proto.CmdLogout:
		return m.logout(env.Data)
	case proto.CmdSearch:
		return m.searchUsers(env.Data), nil
	case proto.CmdDeleteAcct:
		return m.deleteAccount(env.Data)
	case proto.CmdSendMsg:
		return m.sendMessage(env.Data)
	case proto.CmdGetUndelivered:
		return m.getUndelivered(env.Data)
	case proto.CmdGetDelivered:
		return m.getDelivered(env.Data), nil
	case proto.CmdRefreshHome:
		return m.refreshHome(env.Data), nil
	case proto.CmdDeleteMsg:
		return m.deleteMessages(env.Data)
	default:
		m.log.Warn().Str("command", env.Command).Msg("unknown client command")
		return proto.ErrorReply("Unknown command"), nil
	}
}

// ApplyReplicated executes a command received from a peer in
// replica-apply mode: no validation beyond existence guards, no reply,
// no re-broadcast. Unknown users and commands are logged and skipped;
// a replica never crashes on peer input.
func (m *StateMachine) ApplyReplicated(command string, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch command {
	case proto.CmdCreate:
		var req proto.CreateRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		m.insertUser(req.Username, req.Password, nil)
		m.persistLocked()

	case proto.CmdLogin:
		var req proto.LoginRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		u, ok := m.users[req.Username]
		if !ok {
			m.skipRemote(command, req.Username)
			return
		}
		u.LoggedIn = true
		if req.Addr != "" {
			addr := req.Addr
			u.Addr = &addr
		} else {
			u.Addr = nil
		}
		m.persistLocked()

	case proto.CmdLogout:
		var req proto.LogoutRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		u, ok := m.users[req.Username]
		if !ok {
			m.skipRemote(command, req.Username)
			return
		}
		u.LoggedIn = false
		u.Addr = nil
		m.persistLocked()

	case proto.CmdDeleteAcct:
		var req proto.DeleteAcctRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		if _, ok := m.users[req.Username]; ok {
			m.removeAccount(req.Username)
			m.persistLocked()
		}

	case proto.CmdSendMsg:
		var req proto.SendMsgRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		if _, ok := m.users[req.Recipient]; !ok {
			m.skipRemote(command, req.Recipient)
			return
		}
		m.appendMessage(req.Sender, req.Recipient, req.Message)
		m.persistLocked()

	case proto.CmdDeleteMsg:
		var req proto.DeleteMsgRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		m.removeDelivered(req.CurrentUser, splitIDs(req.DeleteIDs))
		m.persistLocked()

	case proto.CmdGetUndelivered:
		var req proto.FetchRequest
		if !m.decodeRemote(command, data, &req) {
			return
		}
		n, ok := parseCount(req.NumMessages)
		if !ok {
			m.skipRemote(command, req.Username)
			return
		}
		if drained := m.drainUndelivered(req.Username, n); len(drained) > 0 {
			m.persistLocked()
		}

	default:
		m.log.Warn().Str("command", command).Msg("unknown replicated command, skipping")
	}
}

// DropSessions force-logs-out every user whose session endpoint matches
// addr (a client connection that died). It returns the usernames logged
// out so the caller can replicate the logouts.
func (m *StateMachine) DropSessions(addr string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for name, u := range m.users {
		if u.Addr != nil && *u.Addr == addr {
			u.LoggedIn = false
			u.Addr = nil
			dropped = append(dropped, name)
		}
	}
	if len(dropped) > 0 {
		m.persistLocked()
	}
	return dropped
}

// Snapshot returns a deep copy of the current state, safe to serialize
// outside the lock.
func (m *StateMachine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Users: m.users, Messages: m.messages, Settings: m.settings}.Clone()
}

// InstallSnapshot overwrites users, messages and the counter with a
// snapshot received from the leader. The local listener settings are
// preserved: a snapshot must not rebind this replica.
func (m *StateMachine) InstallSnapshot(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Users == nil {
		snap.Users = make(map[string]*User)
	}
	m.users = snap.Users
	m.messages = snap.Messages
	m.settings.Counter = snap.Settings.Counter
	m.persistLocked()
}

// Persist writes a final snapshot, used on graceful shutdown.
func (m *StateMachine) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist.Save(Snapshot{Users: m.users, Messages: m.messages, Settings: m.settings})
}

// Stats summarizes the database for the health endpoint.
type Stats struct {
	Users       int   `json:"users"`
	Undelivered int   `json:"undelivered"`
	Delivered   int   `json:"delivered"`
	Counter     int64 `json:"counter"`
}

func (m *StateMachine) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Users:       len(m.users),
		Undelivered: len(m.messages.Undelivered),
		Delivered:   len(m.messages.Delivered),
		Counter:     m.settings.Counter,
	}
}

// --- origin-apply operations (callers hold m.mu) ---

func (m *StateMachine) createAccount(data json.RawMessage, origin string) (proto.Envelope, *Broadcast) {
	var req proto.CreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)

	if !isAlnum(username) {
		return proto.ErrorReply("Username must be alphanumeric"), nil
	}
	if _, exists := m.users[username]; exists {
		return proto.ErrorReply("Username already exists"), nil
	}
	if password == "" {
		return proto.ErrorReply("Password cannot be empty"), nil
	}

	m.insertUser(username, password, &origin)
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyLogin, proto.LoginReply{Username: username, UndelivMessages: 0})
	return reply, &Broadcast{
		Command: proto.CmdCreate,
		Data:    proto.CreateRequest{Username: username, Password: password},
	}
}

func (m *StateMachine) login(data json.RawMessage, origin string) (proto.Envelope, *Broadcast) {
	var req proto.LoginRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}

	u, ok := m.users[req.Username]
	if !ok {
		return proto.ErrorReply("Username does not exist"), nil
	}
	if u.LoggedIn {
		return proto.ErrorReply("User already logged in"), nil
	}
	if req.Password != u.Password {
		return proto.ErrorReply("Incorrect password"), nil
	}

	count := m.undeliveredCountFor(req.Username)
	u.LoggedIn = true
	addr := origin
	u.Addr = &addr
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyLogin, proto.LoginReply{Username: req.Username, UndelivMessages: count})
	return reply, &Broadcast{
		Command: proto.CmdLogin,
		Data:    proto.LoginRequest{Username: req.Username, Password: req.Password, Addr: origin},
	}
}

func (m *StateMachine) logout(data json.RawMessage) (proto.Envelope, *Broadcast) {
	var req proto.LogoutRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}

	u, ok := m.users[req.Username]
	if !ok {
		return proto.ErrorReply("Username does not exist"), nil
	}
	u.LoggedIn = false
	u.Addr = nil
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyLogout, proto.LogoutReply{})
	return reply, &Broadcast{
		Command: proto.CmdLogout,
		Data:    proto.LogoutRequest{Username: req.Username},
	}
}

func (m *StateMachine) searchUsers(data json.RawMessage) proto.Envelope {
	var req proto.SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request")
	}
	pattern := req.Search
	if pattern == "" {
		pattern = "*"
	}

	matched := make([]string, 0, len(m.users))
	for name := range m.users {
		// A malformed pattern matches nothing, same as fnmatch on an
		// unterminated character class.
		if ok, err := path.Match(pattern, name); err == nil && ok {
			matched = append(matched, name)
		}
	}
	return proto.MustEnvelope(proto.ReplyUserList, proto.UserListReply{UserList: matched})
}

func (m *StateMachine) deleteAccount(data json.RawMessage) (proto.Envelope, *Broadcast) {
	var req proto.DeleteAcctRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}

	if _, ok := m.users[req.Username]; !ok {
		return proto.ErrorReply("Account does not exist"), nil
	}
	m.removeAccount(req.Username)
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyLogout, proto.LogoutReply{})
	return reply, &Broadcast{
		Command: proto.CmdDeleteAcct,
		Data:    proto.DeleteAcctRequest{Username: req.Username},
	}
}

func (m *StateMachine) sendMessage(data json.RawMessage) (proto.Envelope, *Broadcast) {
	var req proto.SendMsgRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}

	if _, ok := m.users[req.Recipient]; !ok {
		return proto.ErrorReply("Receiver does not exist"), nil
	}

	body := normalizeBody(req.Message)
	m.appendMessage(req.Sender, req.Recipient, body)
	count := m.undeliveredCountFor(req.Sender)
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyRefreshHome, proto.RefreshHomeReply{UndelivMessages: count})
	return reply, &Broadcast{
		Command: proto.CmdSendMsg,
		Data:    proto.SendMsgRequest{Sender: req.Sender, Recipient: req.Recipient, Message: body},
	}
}

func (m *StateMachine) getUndelivered(data json.RawMessage) (proto.Envelope, *Broadcast) {
	var req proto.FetchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}
	n, ok := parseCount(req.NumMessages)
	if !ok {
		return proto.ErrorReply("Number of messages to view must be an integer"), nil
	}

	if len(m.messages.Undelivered) == 0 && n > 0 {
		return proto.ErrorReply("No undelivered messages"), nil
	}

	drained := m.drainUndelivered(req.Username, n)
	views := make([]proto.MessageView, 0, len(drained))
	for _, msg := range drained {
		views = append(views, proto.MessageView{ID: msg.ID, Sender: msg.Sender, Message: msg.Body})
	}

	reply := proto.MustEnvelope(proto.ReplyMessages, proto.MessagesReply{Messages: views})
	if len(drained) == 0 {
		// Nothing moved lanes: a pure read, nothing to persist or replicate.
		return reply, nil
	}
	m.persistLocked()
	return reply, &Broadcast{
		Command: proto.CmdGetUndelivered,
		Data: proto.FetchRequest{
			Username:    req.Username,
			NumMessages: json.RawMessage(itoa(len(drained))),
		},
	}
}

func (m *StateMachine) getDelivered(data json.RawMessage) proto.Envelope {
	var req proto.FetchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request")
	}
	n, ok := parseCount(req.NumMessages)
	if !ok {
		return proto.ErrorReply("Number of messages to view must be an integer")
	}

	if len(m.messages.Delivered) == 0 && n > 0 {
		return proto.ErrorReply("No delivered messages")
	}

	// The count is client-supplied; size the result from the lane.
	views := make([]proto.MessageView, 0, min(n, len(m.messages.Delivered)))
	remaining := n
	for _, msg := range m.messages.Delivered {
		if remaining == 0 {
			break
		}
		if msg.Receiver == req.Username {
			views = append(views, proto.MessageView{ID: msg.ID, Sender: msg.Sender, Message: msg.Body})
			remaining--
		}
	}
	return proto.MustEnvelope(proto.ReplyMessages, proto.MessagesReply{Messages: views})
}

func (m *StateMachine) refreshHome(data json.RawMessage) proto.Envelope {
	var req proto.RefreshHomeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request")
	}
	count := m.undeliveredCountFor(req.Username)
	return proto.MustEnvelope(proto.ReplyRefreshHome, proto.RefreshHomeReply{UndelivMessages: count})
}

func (m *StateMachine) deleteMessages(data json.RawMessage) (proto.Envelope, *Broadcast) {
	var req proto.DeleteMsgRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return proto.ErrorReply("Malformed request"), nil
	}

	m.removeDelivered(req.CurrentUser, splitIDs(req.DeleteIDs))
	count := m.undeliveredCountFor(req.CurrentUser)
	m.persistLocked()

	reply := proto.MustEnvelope(proto.ReplyRefreshHome, proto.RefreshHomeReply{UndelivMessages: count})
	return reply, &Broadcast{
		Command: proto.CmdDeleteMsg,
		Data:    proto.DeleteMsgRequest{CurrentUser: req.CurrentUser, DeleteIDs: req.DeleteIDs},
	}
}

// --- shared mutate core (callers hold m.mu) ---

func (m *StateMachine) insertUser(username, password string, addr *string) {
	m.users[username] = &User{Password: password, LoggedIn: true, Addr: addr}
}

func (m *StateMachine) removeAccount(username string) {
	delete(m.users, username)
	m.messages.Undelivered = purgeAccount(m.messages.Undelivered, username)
	m.messages.Delivered = purgeAccount(m.messages.Delivered, username)
}

func (m *StateMachine) appendMessage(sender, receiver, body string) Message {
	m.settings.Counter++
	msg := Message{ID: m.settings.Counter, Sender: sender, Receiver: receiver, Body: body}
	if u := m.users[receiver]; u != nil && u.LoggedIn {
		m.messages.Delivered = append(m.messages.Delivered, msg)
	} else {
		m.messages.Undelivered = append(m.messages.Undelivered, msg)
	}
	return msg
}

// drainUndelivered moves up to n messages addressed to username from the
// undelivered lane to the delivered lane, preserving order, and returns
// them. Messages for other users keep their positions.
func (m *StateMachine) drainUndelivered(username string, n int) []Message {
	if n <= 0 {
		return nil
	}
	var drained []Message
	kept := m.messages.Undelivered[:0]
	for _, msg := range m.messages.Undelivered {
		if len(drained) < n && msg.Receiver == username {
			drained = append(drained, msg)
			m.messages.Delivered = append(m.messages.Delivered, msg)
			continue
		}
		kept = append(kept, msg)
	}
	m.messages.Undelivered = kept
	return drained
}

// removeDelivered deletes every delivered message whose id string is in
// ids and whose receiver is username. Messages in other mailboxes are
// preserved even when their ids match.
func (m *StateMachine) removeDelivered(username string, ids map[string]struct{}) {
	if len(ids) == 0 {
		return
	}
	kept := m.messages.Delivered[:0]
	for _, msg := range m.messages.Delivered {
		if _, hit := ids[itoa64(msg.ID)]; hit && msg.Receiver == username {
			continue
		}
		kept = append(kept, msg)
	}
	m.messages.Delivered = kept
}

func (m *StateMachine) undeliveredCountFor(username string) int {
	count := 0
	for _, msg := range m.messages.Undelivered {
		if msg.Receiver == username {
			count++
		}
	}
	return count
}

func (m *StateMachine) persistLocked() {
	if m.persist == nil {
		return
	}
	if err := m.persist.Save(Snapshot{Users: m.users, Messages: m.messages, Settings: m.settings}); err != nil {
		// The in-memory mutation stands; the next successful mutation
		// re-snapshots.
		m.log.Error().Err(err).Msg("snapshot write failed")
	}
}

func (m *StateMachine) decodeRemote(command string, data json.RawMessage, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		m.log.Warn().Err(err).Str("command", command).Msg("undecodable replicated payload, skipping")
		return false
	}
	return true
}

func (m *StateMachine) skipRemote(command, username string) {
	m.log.Warn().Str("command", command).Str("username", username).Msg("replicated command for unknown user, skipping")
}

// --- helpers ---

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// normalizeBody rewrites embedded NUL bytes so a stored body can never
// collide with the frame terminator.
func normalizeBody(body string) string {
	return strings.ReplaceAll(body, "\x00", "NULL")
}

func purgeAccount(lane []Message, username string) []Message {
	kept := lane[:0]
	for _, msg := range lane {
		if msg.Sender == username || msg.Receiver == username {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

func splitIDs(csv string) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids[part] = struct{}{}
		}
	}
	return ids
}

// parseCount accepts a non-negative integer count, as a JSON number or a
// quoted digit string; anything else (missing field, float, negative,
// garbage) is rejected.
func parseCount(raw json.RawMessage) (int, bool) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return int(v), true
}

func itoa(n int) string { return strconv.Itoa(n) }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
