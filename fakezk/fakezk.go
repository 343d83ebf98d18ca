// Package fakezk is an in-memory store standing in for a ZooKeeper-style
// session in tests, grounded on connection.go's Connection method set so it
// is a drop-in replacement for whatever the core's StoreClient expects of a
// real session.
package fakezk

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/samuel/go-zookeeper/zk"
)

type node struct {
	data     []byte
	version  int32
	ephemeral bool
	children map[string]*node
}

func newNode(ephemeral bool) *node {
	return &node{children: make(map[string]*node), ephemeral: ephemeral}
}

// Conn is an in-memory hierarchical store with ZooKeeper-like create modes,
// versioned writes and one-shot watches. It is not a faithful ZooKeeper
// simulation (no multi-op transactions, no ACL enforcement) — it exists to
// exercise StoreClient's and Member's control flow without a live server.
type Conn struct {
	mu      sync.Mutex
	root    *node
	watches map[string][]chan zk.Event
	seqCtr  int64
	closed  bool
	session int64
}

// New returns a Conn with an empty root and a synthetic session id.
func New() *Conn {
	return &Conn{
		root:    newNode(false),
		watches: make(map[string][]chan zk.Event),
		session: 1,
	}
}

func split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (c *Conn) lookup(path string) (*node, bool) {
	cur := c.root
	for _, part := range split(path) {
		next, ok := cur.children[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (c *Conn) fireLocked(path string) {
	for _, ch := range c.watches[path] {
		ch <- zk.Event{Type: zk.EventNodeDataChanged, Path: path, State: zk.StateHasSession}
	}
	delete(c.watches, path)
}

func (c *Conn) fireDeletedLocked(path string) {
	for _, ch := range c.watches[path] {
		ch <- zk.Event{Type: zk.EventNodeDeleted, Path: path, State: zk.StateHasSession}
	}
	delete(c.watches, path)
}

func (c *Conn) fireChildrenLocked(path string) {
	for _, ch := range c.watches["children:"+path] {
		ch <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: path, State: zk.StateHasSession}
	}
	delete(c.watches, "children:"+path)
}

// Exists reports whether path exists.
func (c *Conn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(path)
	return ok, &zk.Stat{}, nil
}

// ExistsW is Exists plus a one-shot watch for path's deletion or data
// change. Creating path does not fire it.
func (c *Conn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(path)
	ch := make(chan zk.Event, 1)
	c.watches[path] = append(c.watches[path], ch)
	return ok, &zk.Stat{}, ch, nil
}

// Get reads path's data.
func (c *Conn) Get(path string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

// GetW is Get plus a one-shot data-change watch.
func (c *Conn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	c.watches[path] = append(c.watches[path], ch)
	return n.data, &zk.Stat{Version: n.version}, ch, nil
}

func sortedKeys(m map[string]*node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Children lists path's children in lexical order.
func (c *Conn) Children(path string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return sortedKeys(n.children), &zk.Stat{}, nil
}

// ChildrenW is Children plus a one-shot child-set-change watch.
func (c *Conn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	ch := make(chan zk.Event, 1)
	c.watches["children:"+path] = append(c.watches["children:"+path], ch)
	return sortedKeys(n.children), &zk.Stat{}, ch, nil
}

// Create creates path with data under the given flags, matching
// zk.FlagEphemeral/zk.FlagSequence semantics. acl is accepted and ignored.
func (c *Conn) Create(path string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := split(path)
	if len(parts) == 0 {
		return "", fmt.Errorf("fakezk: cannot create root")
	}
	name := parts[len(parts)-1]
	parentParts := parts[:len(parts)-1]

	parent := c.root
	for _, p := range parentParts {
		next, ok := parent.children[p]
		if !ok {
			return "", zk.ErrNoNode
		}
		parent = next
	}

	sequential := flags&zk.FlagSequence != 0
	ephemeral := flags&zk.FlagEphemeral != 0
	finalName := name
	if sequential {
		c.seqCtr++
		finalName = fmt.Sprintf("%s%010d", name, c.seqCtr)
	}

	if _, exists := parent.children[finalName]; exists && !sequential {
		return path, zk.ErrNodeExists
	}

	parent.children[finalName] = &node{data: data, children: make(map[string]*node), ephemeral: ephemeral}
	var finalPath string
	if len(parentParts) > 0 {
		finalPath = "/" + strings.Join(parentParts, "/") + "/" + finalName
	} else {
		finalPath = "/" + finalName
	}
	c.fireChildrenLocked(parentPath(parentParts))
	return finalPath, nil
}

func parentPath(parts []string) string {
	if len(parts) == 0 {
		return "/"
	}
	return "/" + strings.Join(parts, "/")
}

// Set overwrites path's data. expectedVersion of -1 matches any version.
func (c *Conn) Set(path string, data []byte, expectedVersion int32) (*zk.Stat, error) {
	c.mu.Lock()
	n, ok := c.lookup(path)
	if !ok {
		c.mu.Unlock()
		return nil, zk.ErrNoNode
	}
	if expectedVersion != -1 && expectedVersion != n.version {
		c.mu.Unlock()
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++
	stat := &zk.Stat{Version: n.version}
	c.mu.Unlock()

	c.mu.Lock()
	c.fireLocked(path)
	c.mu.Unlock()
	return stat, nil
}

// Delete removes path. expectedVersion of -1 matches any version.
func (c *Conn) Delete(path string, expectedVersion int32) error {
	c.mu.Lock()
	parts := split(path)
	if len(parts) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("fakezk: cannot delete root")
	}
	name := parts[len(parts)-1]
	parent := c.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := parent.children[p]
		if !ok {
			c.mu.Unlock()
			return zk.ErrNoNode
		}
		parent = next
	}
	n, ok := parent.children[name]
	if !ok {
		c.mu.Unlock()
		return zk.ErrNoNode
	}
	if expectedVersion != -1 && expectedVersion != n.version {
		c.mu.Unlock()
		return zk.ErrBadVersion
	}
	delete(parent.children, name)
	c.mu.Unlock()

	c.mu.Lock()
	c.fireDeletedLocked(path)
	c.fireChildrenLocked(parentPath(parts[:len(parts)-1]))
	c.mu.Unlock()
	return nil
}

// Close flips a closed flag. fakezk is shared across every member in a test
// and tracks no per-session node ownership, so it cannot know which
// ephemeral nodes belonged to this particular caller; tests simulating a
// member failing call DeletePath directly on the node(s) that member owned.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SessionID returns a constant synthetic session id.
func (c *Conn) SessionID() int64 { return c.session }

// DeletePath removes path outright, ignoring version checks. Tests use this
// to simulate a member's ephemeral nodes vanishing on session loss, since
// fakezk tracks no per-caller session ownership to do that automatically.
func (c *Conn) DeletePath(path string) error {
	return c.Delete(path, -1)
}
