package chat

import "sync"

// Registry holds every piece of routing state the gateway keeps about
// live connections. All four indexes mutate together under one lock so
// a reader can never observe a connection half-registered.
//
//	byConn : connID -> *Conn            every open connection
//	byUser : userID -> *Conn            latest authenticated connection
//	byChat : chatUUID -> set of *Conn   chat subscribers
//	conn.chats (on the Conn)            reverse index for cleanup
type Registry struct {
	mu     sync.Mutex
	byConn map[int64]*Conn
	byUser map[int64]*Conn
	byChat map[string]map[*Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[int64]*Conn),
		byUser: make(map[int64]*Conn),
		byChat: make(map[string]map[*Conn]struct{}),
	}
}

func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ID] = c
}

// Authenticate binds the connection to a user. The user index keeps
// only the most recent connection per user; an older socket stays open
// and subscribed, it just stops receiving direct pushes.
func (r *Registry) Authenticate(c *Conn, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.UserID = userID
	r.byUser[userID] = c
}

// Subscribe adds the connection to a chat. The server only calls this
// for authenticated connections; the index itself is keyed by
// connection, not by user, so a reconnecting user must re-subscribe.
func (r *Registry) Subscribe(c *Conn, chatUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byChat[chatUUID]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byChat[chatUUID] = set
	}
	set[c] = struct{}{}
	c.chats[chatUUID] = struct{}{}
}

// Unsubscribe removes the connection from a chat and prunes the chat
// entry when its set empties.
func (r *Registry) Unsubscribe(c *Conn, chatUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(c, chatUUID)
}

func (r *Registry) unsubscribeLocked(c *Conn, chatUUID string) {
	if set, ok := r.byChat[chatUUID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byChat, chatUUID)
		}
	}
	delete(c.chats, chatUUID)
}

// Unregister removes the connection from every index in one critical
// section. Returns false when the connection was already gone, so a
// disconnect racing a failed-send prune still counts exactly once.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[c.ID]; !ok {
		return false
	}
	delete(r.byConn, c.ID)
	for chatUUID := range c.chats {
		r.unsubscribeLocked(c, chatUUID)
	}
	if c.UserID != 0 && r.byUser[c.UserID] == c {
		delete(r.byUser, c.UserID)
	}
	return true
}

// ChatSubscribers snapshots the subscriber set of a chat. The returned
// slice is the caller's to keep; delivery happens outside the lock.
func (r *Registry) ChatSubscribers(chatUUID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byChat[chatUUID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// SubscribersExcluding snapshots a chat's subscribers minus every
// connection that belongs to the given user. Excluding by user, not by
// socket, keeps a sender's other devices from echoing their own
// message. excludeUserID 0 excludes nothing.
func (r *Registry) SubscribersExcluding(chatUUID string, excludeUserID int64) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byChat[chatUUID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		if excludeUserID != 0 && c.UserID == excludeUserID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UserConn returns the latest authenticated connection of a user.
func (r *Registry) UserConn(userID int64) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// UserSubscribed reports whether ANY of the user's open connections is
// subscribed to the chat. The user index holds only the newest
// connection, so this walks the chat's subscriber set instead.
func (r *Registry) UserSubscribed(userID int64, chatUUID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.byChat[chatUUID] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// AuthedNonSubscribers lists users who are authenticated but have no
// connection subscribed to the chat, excluding the sender. These are
// the push-notification targets for a new message.
func (r *Registry) AuthedNonSubscribers(chatUUID string, excludeUserID int64) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	subscribed := make(map[int64]struct{})
	for c := range r.byChat[chatUUID] {
		if c.UserID != 0 {
			subscribed[c.UserID] = struct{}{}
		}
	}

	out := make([]*Conn, 0)
	for userID, c := range r.byUser {
		if userID == excludeUserID {
			continue
		}
		if _, ok := subscribed[userID]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// AllConns snapshots every open connection, for broadcast-style frames
// such as the shutdown notice and the liveness ping.
func (r *Registry) AllConns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// Stats builds the get_chat_updates snapshot for one connection.
func (r *Registry) Stats(c *Conn) ConnStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	chats := make([]string, 0, len(c.chats))
	for chatUUID := range c.chats {
		chats = append(chats, chatUUID)
	}
	return ConnStats{
		UserID:          c.UserID,
		ChatsSubscribed: chats,
		TotalChats:      len(r.byChat),
		TotalUsers:      len(r.byUser),
	}
}

func (r *Registry) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
