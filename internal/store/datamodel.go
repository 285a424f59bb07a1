// Package store holds the replica's authoritative in-memory database:
// user accounts, the undelivered and delivered message lanes, and the
// message id counter, together with the operation set that mutates them.
package store

// User is one account record. Addr is the endpoint (host:port) of the
// live session, nil when logged out. Passwords are opaque strings
// compared byte-exact.
type User struct {
	Password string  `json:"password"`
	LoggedIn bool    `json:"logged_in"`
	Addr     *string `json:"addr"`
}

// Message is a chat message. IDs are assigned from the settings counter
// and are strictly increasing within a replica.
type Message struct {
	ID       int64  `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Body     string `json:"message"`
}

// Messages holds the two ordered lanes. Undelivered entries were sent
// while the receiver was logged out; delivered entries have reached (or
// were sent to) a live session.
type Messages struct {
	Undelivered []Message `json:"undelivered"`
	Delivered   []Message `json:"delivered"`
}

// Settings is the replica-wide settings blob. The listener fields belong
// to the local replica and are preserved when a snapshot is installed
// from a peer.
type Settings struct {
	Counter  int64  `json:"counter"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HostJSON string `json:"host_json"`
	PortJSON int    `json:"port_json"`
}

// Snapshot is the full-state triple persisted to disk and transferred
// whole between replicas.
type Snapshot struct {
	Users    map[string]*User `json:"users"`
	Messages Messages         `json:"messages"`
	Settings Settings         `json:"settings"`
}

// Clone deep-copies a snapshot so it can leave the state machine's lock.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Users:    make(map[string]*User, len(s.Users)),
		Settings: s.Settings,
	}
	for name, u := range s.Users {
		cp := *u
		if u.Addr != nil {
			addr := *u.Addr
			cp.Addr = &addr
		}
		out.Users[name] = &cp
	}
	out.Messages.Undelivered = append([]Message(nil), s.Messages.Undelivered...)
	out.Messages.Delivered = append([]Message(nil), s.Messages.Delivered...)
	return out
}

// DefaultSettings mirrors the settings blob a fresh replica starts with.
func DefaultSettings() Settings {
	return Settings{
		Counter:  0,
		Host:     "127.0.0.1",
		Port:     54400,
		HostJSON: "127.0.0.1",
		PortJSON: 54444,
	}
}
