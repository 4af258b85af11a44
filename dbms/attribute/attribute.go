// Package attribute maps slash-separated attribute paths such as
// "threads/42/status" to the dense integer ids (quarks) stored in intervals.
//
// The tree is persisted in the trailer of a history file as
//
//	count uint32 | count × (parent int32 | nameLen uint16 | name)
//
// little-endian, with entries in quark order. A parent is always encoded
// before its children.
package attribute

import (
	"encoding/binary"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	Separator = "/"
	// Root is the parent of the top-level attributes.
	Root int32 = -1
)

var (
	ErrNotFound = errors.New("attribute: not found")
	ErrBadPath  = errors.New("attribute: invalid path")
	ErrCorrupt  = errors.New("attribute: corrupt encoding")
)

type node struct {
	parent   int32
	name     string
	children map[string]int32
}

// Tree is safe for concurrent use.
type Tree struct {
	mu    sync.RWMutex
	nodes []node
	top   map[string]int32
}

func New() *Tree {
	return &Tree{top: make(map[string]int32)}
}

func split(p string) ([]string, error) {
	p = strings.Trim(p, Separator)
	if p == "" {
		return nil, errors.Wrap(ErrBadPath, "empty path")
	}
	parts := strings.Split(p, Separator)
	for _, s := range parts {
		if s == "" {
			return nil, errors.Wrapf(ErrBadPath, "empty element in %q", p)
		}
	}
	return parts, nil
}

func (t *Tree) childrenOf(q int32) map[string]int32 {
	if q == Root {
		return t.top
	}
	return t.nodes[q].children
}

// Quark returns the id of p, creating it and any missing ancestors.
func (t *Tree) Quark(p string) (int32, error) {
	parts, err := split(p)
	if err != nil {
		return 0, err
	}
	if q, err := t.lookup(parts); err == nil {
		return q, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	q := Root
	for _, name := range parts {
		q, err = t.addLocked(q, name)
		if err != nil {
			return 0, err
		}
	}
	return q, nil
}

func (t *Tree) addLocked(parent int32, name string) (int32, error) {
	children := t.childrenOf(parent)
	if q, ok := children[name]; ok {
		return q, nil
	}
	if len(t.nodes) == math.MaxInt32 {
		return 0, errors.Newf("attribute: tree is full")
	}
	q := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{parent: parent, name: name, children: make(map[string]int32)})
	children[name] = q
	return q, nil
}

// Lookup returns the id of an existing path.
func (t *Tree) Lookup(p string) (int32, error) {
	parts, err := split(p)
	if err != nil {
		return 0, err
	}
	return t.lookup(parts)
}

func (t *Tree) lookup(parts []string) (int32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q := Root
	for _, name := range parts {
		next, ok := t.childrenOf(q)[name]
		if !ok {
			return 0, errors.Wrapf(ErrNotFound, "%q", strings.Join(parts, Separator))
		}
		q = next
	}
	return q, nil
}

// Path returns the full path of q.
func (t *Tree) Path(q int32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathLocked(q)
}

func (t *Tree) pathLocked(q int32) (string, error) {
	if q < 0 || int(q) >= len(t.nodes) {
		return "", errors.Wrapf(ErrNotFound, "quark %d", q)
	}
	var parts []string
	for ; q != Root; q = t.nodes[q].parent {
		parts = append(parts, t.nodes[q].name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, Separator), nil
}

func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Glob returns, in quark order, the ids of every path matching pattern in
// the syntax of path.Match.
func (t *Tree) Glob(pattern string) ([]int32, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, errors.Wrapf(ErrBadPath, "pattern %q: %v", pattern, err)
	}
	pattern = strings.Trim(pattern, Separator)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int32
	for q := range t.nodes {
		p, _ := t.pathLocked(int32(q))
		if ok, _ := path.Match(pattern, p); ok {
			out = append(out, int32(q))
		}
	}
	return out, nil
}

func (t *Tree) MarshalBinary() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size := 4
	for _, n := range t.nodes {
		size += 6 + len(n.name)
	}
	b := make([]byte, 0, size)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.nodes)))
	for _, n := range t.nodes {
		if len(n.name) > math.MaxUint16 {
			return nil, errors.Wrapf(ErrBadPath, "name of %d bytes", len(n.name))
		}
		b = binary.LittleEndian.AppendUint32(b, uint32(n.parent))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(n.name)))
		b = append(b, n.name...)
	}
	return b, nil
}

// UnmarshalBinary replaces the contents of t.
func (t *Tree) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return errors.Wrap(ErrCorrupt, "missing count")
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]
	fresh := New()
	for i := uint32(0); i < count; i++ {
		if len(b) < 6 {
			return errors.Wrapf(ErrCorrupt, "entry %d truncated", i)
		}
		parent := int32(binary.LittleEndian.Uint32(b))
		n := int(binary.LittleEndian.Uint16(b[4:]))
		b = b[6:]
		if len(b) < n {
			return errors.Wrapf(ErrCorrupt, "name of entry %d truncated", i)
		}
		name := string(b[:n])
		b = b[n:]
		if parent < Root || parent >= int32(i) {
			return errors.Wrapf(ErrCorrupt, "entry %d has parent %d", i, parent)
		}
		if name == "" || strings.Contains(name, Separator) {
			return errors.Wrapf(ErrCorrupt, "entry %d has name %q", i, name)
		}
		if _, dup := fresh.childrenOf(parent)[name]; dup {
			return errors.Wrapf(ErrCorrupt, "entry %d duplicates %q", i, name)
		}
		if _, err := fresh.addLocked(parent, name); err != nil {
			return err
		}
	}
	if len(b) != 0 {
		return errors.Wrapf(ErrCorrupt, "%d trailing bytes", len(b))
	}
	t.mu.Lock()
	t.nodes, t.top = fresh.nodes, fresh.top
	t.mu.Unlock()
	return nil
}
