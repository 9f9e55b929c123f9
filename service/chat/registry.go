package chat

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrClientGone   = errors.New("client not registered")
	ErrAlreadyBound = errors.New("client already bound")
)

type clientSet map[*Client]struct{}

// subFlag records who put a client into a key. A key stays subscribed
// while any flag is set.
type subFlag uint8

const (
	subAuto      subFlag = 1 << iota // connect, login, chat_created
	subRequested                     // client subscribe command
)

// Registry 连接、用户、订阅索引；所有变更在一把锁下完成。
// 锁顺序: Registry.mu -> Client.mu
type Registry struct {
	mu      sync.RWMutex
	clients clientSet
	byUser  map[string]clientSet // user id
	byName  map[string]clientSet // username
	subs    map[string]clientSet // subscription key
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(clientSet),
		byUser:  make(map[string]clientSet),
		byName:  make(map[string]clientSet),
		subs:    make(map[string]clientSet),
	}
}

// Add registers an unauthenticated client, subscribed to the user list.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; ok {
		return
	}
	r.clients[c] = struct{}{}
	c.subs = make(map[string]subFlag)
	r.subscribeLocked(c, PresenceKey, subAuto)
}

// BindUser authenticates c and subscribes it to keys in one step.
// listed reports whether the user list changed.
func (r *Registry) BindUser(c *Client, id Identity, keys ...string) (listed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return false, ErrClientGone
	}
	if c.State() == StateAuthenticated {
		return false, ErrAlreadyBound
	}
	before := r.listedLocked(id.Username)

	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	if !c.advance(StateAuthenticated) {
		// closed concurrently
		c.mu.Lock()
		c.identity = Identity{}
		c.mu.Unlock()
		return false, ErrClientGone
	}

	addTo(r.byUser, id.UserID, c)
	addTo(r.byName, id.Username, c)
	for _, k := range keys {
		r.subscribeLocked(c, k, subAuto)
	}
	return before != r.listedLocked(id.Username), nil
}

// RemoveResult describes what Remove undid.
type RemoveResult struct {
	Removed  bool
	Unbound  bool
	Listed   bool // user list changed
	Username string
	UserID   string
}

// Remove drops c from every index. Safe to call more than once.
func (r *Registry) Remove(c *Client) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return RemoveResult{}
	}
	delete(r.clients, c)
	for k := range c.subs {
		removeFrom(r.subs, k, c)
	}
	c.subs = nil

	res := RemoveResult{Removed: true}
	id := c.Identity()
	if id.UserID == "" {
		return res
	}
	before := r.listedLocked(id.Username)
	removeFrom(r.byUser, id.UserID, c)
	removeFrom(r.byName, id.Username, c)
	res.Unbound = true
	res.Username = id.Username
	res.UserID = id.UserID
	res.Listed = before != r.listedLocked(id.Username)
	return res
}

// Subscribe adds a client-requested subscription to key.
func (r *Registry) Subscribe(c *Client, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c]; !ok {
		return false
	}
	r.subscribeLocked(c, key, subRequested)
	return true
}

// Unsubscribe withdraws only what Subscribe added; keys the server
// subscribed c to stay in place.
func (r *Registry) Unsubscribe(c *Client, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := c.subs[key]
	if !ok || f&subRequested == 0 {
		return
	}
	if f &^= subRequested; f != 0 {
		c.subs[key] = f
		return
	}
	delete(c.subs, key)
	removeFrom(r.subs, key, c)
}

// SubscribeUser subscribes every socket of userID to key and returns them.
func (r *Registry) SubscribeUser(userID, key string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byUser[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		r.subscribeLocked(c, key, subAuto)
		out = append(out, c)
	}
	return out
}

// DropKey removes key entirely and returns its former subscribers.
func (r *Registry) DropKey(key string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[key]
	out := make([]*Client, 0, len(set))
	for c := range set {
		delete(c.subs, key)
		out = append(out, c)
	}
	delete(r.subs, key)
	return out
}

// Subscribers returns a snapshot of the sockets in key.
func (r *Registry) Subscribers(key string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.subs[key])
}

func (r *Registry) UserSockets(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

func (r *Registry) NameSockets(username string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byName[strings.ToLower(username)])
}

func (r *Registry) ByIP(ip string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Client
	for c := range r.clients {
		if c.IP == ip {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.clients)
}

// IsSubscribed reports whether c is in key.
func (r *Registry) IsSubscribed(c *Client, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[key][c]
	return ok
}

// Listed returns the sorted usernames with a visible authenticated socket.
func (r *Registry) Listed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		if r.listedLocked(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Ulist is the wire form "a;b;" ("" when nobody is listed).
func (r *Registry) Ulist() string {
	names := r.Listed()
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, ";") + ";"
}

type RegistryStats struct {
	Connections   int `json:"connections"`
	Authenticated int `json:"authenticated"`
	Users         int `json:"users"`
	Keys          int `json:"keys"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := RegistryStats{Connections: len(r.clients), Users: len(r.byUser), Keys: len(r.subs)}
	for _, set := range r.byUser {
		st.Authenticated += len(set)
	}
	return st
}

func (r *Registry) subscribeLocked(c *Client, key string, f subFlag) {
	if c.subs == nil {
		return
	}
	c.subs[key] |= f
	addTo(r.subs, key, c)
}

func (r *Registry) listedLocked(username string) bool {
	for c := range r.byName[username] {
		if !c.Invisible() {
			return true
		}
	}
	return false
}

func addTo(m map[string]clientSet, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		set = make(clientSet)
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(m map[string]clientSet, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

func snapshot(set clientSet) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
