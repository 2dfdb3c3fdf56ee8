// Package topictree implements the subscription topic tree: a radix
// tree keyed on '/'-separated MQTT topic segments, supporting the '+'
// (single-level) and '#' (multi-level, terminal-only) wildcards, with
// transactional batch insert/remove so a multi-topic SUBSCRIBE or a
// single UNSUBSCRIBE either fully applies or fully rolls back.
//
// A Tree is not safe for concurrent use; callers on the I/O worker are
// expected to serialize access the way the rest of the worker-only
// region is serialized.
package topictree

import "strings"

// PublishHandler is invoked for every inbound PUBLISH matching a
// subscription's filter.
type PublishHandler func(topic string, payload []byte, dup bool, qos byte, retain bool)

// Subscription is a single entry in the tree: a topic filter, its
// requested QoS, the handler to invoke on a match, and bookkeeping for
// the owning connection.
type Subscription struct {
	Filter   string
	QoS      byte
	Handler  PublishHandler
	UserData any
	Cleanup  func(any)
	IsLocal  bool

	refCount int32
}

// Retain increments the subscription's reference count. Subscriptions
// are shared between the tree entry and any in-flight SUBSCRIBE
// request that created them.
func (s *Subscription) Retain() { s.refCount++ }

// Release decrements the reference count and reports whether it
// reached zero, at which point the subscription's Cleanup (if any)
// should run.
func (s *Subscription) Release() bool {
	s.refCount--
	return s.refCount <= 0
}

type node struct {
	children map[string]*node
	subs     []*Subscription
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

// Tree is the subscription topic tree.
type Tree struct {
	root *node
}

// New returns an empty topic tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

func splitFilter(filter string) []string {
	return strings.Split(filter, "/")
}

// insert adds sub at the node addressed by filter, creating
// intermediate nodes as needed.
func (t *Tree) insert(filter string, sub *Subscription) {
	n := t.root
	for _, seg := range splitFilter(filter) {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)
}

// remove deletes sub (by pointer identity) from the node addressed by
// filter and prunes any now-empty nodes back up to the root. Reports
// whether the subscription was found.
func (t *Tree) remove(filter string, sub *Subscription) bool {
	segs := splitFilter(filter)
	path := make([]*node, 0, len(segs)+1)
	path = append(path, t.root)

	n := t.root
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			return false
		}
		path = append(path, child)
		n = child
	}

	found := false
	last := path[len(path)-1]
	for i, s := range last.subs {
		if s == sub {
			last.subs = append(last.subs[:i], last.subs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}

	// Prune empty nodes from the leaf back to (but not including) the root.
	for i := len(path) - 1; i > 0; i-- {
		cur := path[i]
		if len(cur.subs) != 0 || len(cur.children) != 0 {
			break
		}
		parent := path[i-1]
		delete(parent.children, segs[i-1])
	}
	return true
}

// Find returns the subscriptions registered at the exact filter path,
// with no wildcard matching — used by unsubscribe, which is always
// given back the same filter string a prior subscribe used.
func (t *Tree) Find(filter string) []*Subscription {
	n := t.root
	for _, seg := range splitFilter(filter) {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n.subs
}

// Match finds every subscription whose filter matches topic and
// invokes visit for each, in no particular order.
func (t *Tree) Match(topic string, visit func(*Subscription)) {
	segs := strings.Split(topic, "/")
	rejectWildcardAtRoot := len(segs) > 0 && len(segs[0]) > 0 && segs[0][0] == '$'
	t.matchNode(t.root, segs, 0, rejectWildcardAtRoot, visit)
}

func (t *Tree) matchNode(n *node, segs []string, idx int, rejectWildcardAtRoot bool, visit func(*Subscription)) {
	// '#' matches the remainder of the topic, including zero further
	// levels, so it is checked before consuming the next segment.
	if idx == 0 && rejectWildcardAtRoot {
		// MQTT-4.7.2-1: filters beginning with a wildcard never match
		// topics beginning with '$'.
	} else if child, ok := n.children["#"]; ok {
		for _, s := range child.subs {
			visit(s)
		}
	}

	if idx == len(segs) {
		for _, s := range n.subs {
			visit(s)
		}
		return
	}

	seg := segs[idx]
	if child, ok := n.children[seg]; ok {
		t.matchNode(child, segs, idx+1, false, visit)
	}
	if !(idx == 0 && rejectWildcardAtRoot) {
		if child, ok := n.children["+"]; ok {
			t.matchNode(child, segs, idx+1, false, visit)
		}
	}
}

// All visits every subscription currently installed in the tree, used
// by resubscribe-all to rebuild a batched SUBSCRIBE after a session
// that did not survive on the broker.
func (t *Tree) All(visit func(*Subscription)) {
	t.walk(t.root, visit)
}

func (t *Tree) walk(n *node, visit func(*Subscription)) {
	for _, s := range n.subs {
		visit(s)
	}
	for _, c := range n.children {
		t.walk(c, visit)
	}
}
