// Package proto defines the wire protocol shared by the client endpoint,
// the JSON gateway and the peer channel: a JSON envelope
// {version, command, data} framed by a trailing NUL byte on stream
// transports.
package proto

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version this server speaks. Requests carrying
// any other version are rejected without touching state.
const Version = 0

// Client request commands.
const (
	CmdCreate         = "create"
	CmdLogin          = "login"
	CmdLogout         = "logout"
	CmdSearch         = "search"
	CmdDeleteAcct     = "delete_acct"
	CmdSendMsg        = "send_msg"
	CmdGetUndelivered = "get_undelivered"
	CmdGetDelivered   = "get_delivered"
	CmdRefreshHome    = "refresh_home"
	CmdDeleteMsg      = "delete_msg"
)

// Server reply commands.
const (
	ReplyLogin       = "login"
	ReplyLogout      = "logout"
	ReplyRefreshHome = "refresh_home"
	ReplyUserList    = "user_list"
	ReplyMessages    = "messages"
	ReplyError       = "error"
)

// Peer channel commands. The set is disjoint from the client commands.
const (
	PeerPing             = "ping"
	PeerInternalUpdate   = "internal_update"
	PeerDistributeUpdate = "distribute_update"
	PeerGetDatabase      = "get_database"
	PeerSetDatabase      = "set_database"
)

// Envelope is the unit of exchange on every connection.
type Envelope struct {
	Version int             `json:"version"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope builds a version-0 envelope around a marshalable payload.
func NewEnvelope(command string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", command, err)
	}
	return Envelope{Version: Version, Command: command, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
// (plain structs of strings and ints). It panics otherwise.
func MustEnvelope(command string, data any) Envelope {
	env, err := NewEnvelope(command, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ErrorReply builds the canonical error envelope.
func ErrorReply(msg string) Envelope {
	return MustEnvelope(ReplyError, ErrorPayload{Error: msg})
}

// Request payloads (client -> server).

type CreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest doubles as the replicated login command; Addr is only set
// on the peer channel, carrying the session endpoint chosen at the origin.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Addr     string `json:"addr,omitempty"`
}

type LogoutRequest struct {
	Username string `json:"username"`
}

type SearchRequest struct {
	Search string `json:"search"`
}

type DeleteAcctRequest struct {
	Username string `json:"username"`
}

type SendMsgRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// FetchRequest covers get_undelivered and get_delivered. NumMessages is
// kept raw so that a non-integer count (including a quoted string) can be
// rejected with a protocol error instead of a decode failure.
type FetchRequest struct {
	Username    string          `json:"username"`
	NumMessages json.RawMessage `json:"num_messages,omitempty"`
}

type RefreshHomeRequest struct {
	Username string `json:"username"`
}

// DeleteMsgRequest's DeleteIDs is a comma-separated list of message ids.
type DeleteMsgRequest struct {
	CurrentUser string `json:"current_user"`
	DeleteIDs   string `json:"delete_ids"`
}

// Reply payloads (server -> client).

type LoginReply struct {
	Username        string `json:"username"`
	UndelivMessages int    `json:"undeliv_messages"`
}

type LogoutReply struct{}

type RefreshHomeReply struct {
	UndelivMessages int `json:"undeliv_messages"`
}

type UserListReply struct {
	UserList []string `json:"user_list"`
}

type MessageView struct {
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type MessagesReply struct {
	Messages []MessageView `json:"messages"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// Peer payloads.

// DistributeUpdate replays a client mutation on a peer: the inner pair is
// the original command word and its payload.
type DistributeUpdate struct {
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data"`
}

type InternalUpdate struct {
	Leader string `json:"leader"`
}

// GetDatabaseRequest identifies the requester so the leader can log who it
// is bootstrapping; the snapshot itself travels back on the same
// connection.
type GetDatabaseRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}
