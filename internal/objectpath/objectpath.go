// Package objectpath implements the immutable path-tree node described by
// the data model: one interned name plus an optional shared reference to a
// parent node. Sharing parent references makes a whole tree's worth of
// paths cost O(depth) rather than O(path length) per leaf; materialisation
// of the filesystem path string is deferred until a caller actually needs
// it.
package objectpath

import (
	"bytes"
	"hash/fnv"
	"strings"

	"github.com/cehteh/rmrfd/internal/namepool"
)

// Separator is the platform path separator used when materialising a node
// into a filesystem path. The core targets POSIX filesystems (spec.md §1),
// so this is always '/'.
const Separator = '/'

// Node is one immutable element of a path tree. The zero value is not
// meaningful; construct with Root or Child. Nodes built via different
// parent chains compare equal, hash equal, and order equal as long as
// their root-to-leaf name sequences are identical and they agree on
// absoluteness — equality is defined structurally, not by pointer
// identity of the Node itself.
type Node struct {
	parent   *Node
	name     *namepool.Name
	depth    int
	absolute bool
}

// Root creates a node with no parent whose name is the given interned
// handle. Root nodes are typically the daemon's submitted traversal roots.
// The resulting node is relative; use FromFilesystemPath to build an
// absolute root from a leading-'/' path string.
func Root(name *namepool.Name) *Node {
	return &Node{name: name}
}

// Child creates a node whose parent is parent and whose name is name. The
// child inherits parent's absoluteness, so every descendant of an
// absolute root still materialises an absolute path.
func Child(parent *Node, name *namepool.Name) *Node {
	if parent == nil {
		return Root(name)
	}
	return &Node{parent: parent, name: name, depth: parent.depth + 1, absolute: parent.absolute}
}

// IsAbsolute reports whether this node's materialised path begins with
// Separator, i.e. whether its root was built from a path string that
// itself began with a leading '/'.
func (n *Node) IsAbsolute() bool {
	return n.absolute
}

// Name returns this node's own interned name component.
func (n *Node) Name() *namepool.Name {
	return n.name
}

// Parent returns the parent node and true, or (nil, false) for a root.
func (n *Node) Parent() (*Node, bool) {
	if n.parent == nil {
		return nil, false
	}
	return n.parent, true
}

// Depth is 0 for a root and parent.Depth()+1 otherwise.
func (n *Node) Depth() int {
	return n.depth
}

// chain returns the nodes from root to leaf (this node), allocating a
// slice of length Depth()+1.
func (n *Node) chain() []*Node {
	chain := make([]*Node, n.depth+1)
	cur := n
	for i := n.depth; i >= 0; i-- {
		chain[i] = cur
		cur = cur.parent
	}
	return chain
}

// Equal reports whether n and other name the same sequence of components
// from root to leaf, regardless of how their parent chains were built.
func (n *Node) Equal(other *Node) bool {
	if n == other {
		return true
	}
	if other == nil || n.depth != other.depth || n.absolute != other.absolute {
		return false
	}
	a, b := n, other
	for a != nil {
		if a == b {
			return true // shared suffix of the chain; rest is identical by construction
		}
		if !bytes.Equal(a.name.Bytes(), b.name.Bytes()) {
			return false
		}
		a, b = a.parent, b.parent
	}
	return true
}

// Compare defines the total order specified in spec.md §3: every relative
// node sorts before every absolute one, and nodes of equal absoluteness
// are ordered lexicographically on the sequence of names from root to
// leaf. It returns a
// negative number if n sorts before other, zero if equal, positive if
// after.
func (n *Node) Compare(other *Node) int {
	if n.absolute != other.absolute {
		if n.absolute {
			return 1
		}
		return -1
	}
	ac, bc := n.chain(), other.chain()
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if ac[i] == bc[i] {
			continue
		}
		if c := bytes.Compare(ac[i].name.Bytes(), bc[i].name.Bytes()); c != 0 {
			return c
		}
	}
	return len(ac) - len(bc)
}

// Hash returns an FNV-1a hash over the root-to-leaf name sequence, with a
// separator byte between components so that ("ab","c") and ("a","bc")
// never collide, and a leading byte distinguishing absolute from relative
// nodes. Two structurally-equal nodes always hash equal.
func (n *Node) Hash() uint64 {
	h := fnv.New64a()
	if n.absolute {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	for _, node := range n.chain() {
		_, _ = h.Write(node.name.Bytes())
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// AppendPath materialises the filesystem path into buf, appending and
// returning the grown slice. This lets a caller reuse one buffer across
// many calls instead of allocating a string per entry. An absolute node
// (IsAbsolute true) always materialises with a leading Separator, even
// when its chain happens to carry no non-empty components (the bare
// filesystem root).
func (n *Node) AppendPath(buf []byte) []byte {
	if n.absolute {
		buf = append(buf, Separator)
	}
	first := true
	for _, node := range n.chain() {
		name := node.name.Bytes()
		if len(name) == 0 {
			continue
		}
		if !first {
			buf = append(buf, Separator)
		}
		buf = append(buf, name...)
		first = false
	}
	return buf
}

// Path returns the materialised filesystem path as a freshly allocated
// string. Equivalent to to_filesystem_path in spec.md §4.2.
func (n *Node) Path() string {
	return string(n.AppendPath(make([]byte, 0, 64)))
}

func (n *Node) String() string {
	return n.Path()
}

// FromFilesystemPath interns each '/'-separated component of path with
// pool and chains them into a Node, the inverse of Path. Used by the
// daemon facade to turn a caller-supplied root argument into the
// load_dir_recursive submission spec.md §6 describes. Doubled separators
// collapse ("/a//b" and "/a/b" produce the same chain), but a leading
// separator is preserved as the node's absoluteness (IsAbsolute), not
// discarded: an absolute input round-trips back to an absolute string
// from Path, which matters because dirfd.OpenRoot opens a root item's
// materialised path directly, and an operator invoking the daemon on an
// absolute tree must not have it silently reinterpreted as relative to
// the daemon's working directory.
func FromFilesystemPath(pool *namepool.Pool, path string) *Node {
	absolute := strings.HasPrefix(path, string(Separator))
	var n *Node
	for _, part := range strings.Split(path, string(Separator)) {
		if part == "" {
			continue
		}
		if n == nil {
			n = Root(pool.InternString(part))
			n.absolute = absolute
			continue
		}
		n = Child(n, pool.InternString(part))
	}
	if n == nil {
		// path was "/", "", or all separators: the bare filesystem root,
		// represented as an absolute node with no named components.
		n = Root(pool.InternString(""))
		n.absolute = absolute
	}
	return n
}
