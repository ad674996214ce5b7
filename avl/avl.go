// Package avl implements a balanced binary search tree keyed by an
// ordered uintptr key, used as the free-region index shared by the
// native heap allocator and the intra-section free-list allocator.
//
// Unlike a plain AVL map, a single key may have more than one live
// entry (several free regions of the exact same size). Rather than
// growing a multimap value per node, each node carries a stack of
// entries for its key: the tree stays balanced on key alone, a
// duplicate-key insert adds to that node's stack, and a remove
// searches that stack for the entry's Token.
package avl

// Entry is a value carried by the tree, paired with the key it was
// inserted under. Callers look entries up by key or walk them in
// order; Token is an opaque caller handle that picks out the entry to
// remove among the entries sharing its key.
type Entry struct {
	Key   uintptr
	Value interface{}
	Token uint64
}

type node struct {
	key         uintptr
	entries     []Entry
	left, right *node
	height      int
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func balanceFactor(n *node) int {
	if n == nil {
		return 0
	}
	return height(n.left) - height(n.right)
}

func updateHeight(n *node) {
	n.height = 1 + max(height(n.left), height(n.right))
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	updateHeight(y)
	updateHeight(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	updateHeight(x)
	updateHeight(y)
	return y
}

func rebalance(n *node) *node {
	updateHeight(n)
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// Tree is an AVL tree of Entry values, ordered by Key, allowing
// duplicate keys.
type Tree struct {
	root    *node
	size    int
	nextTok uint64
}

// Len returns the number of entries (counting duplicate keys) in the
// tree.
func (t *Tree) Len() int { return t.size }

// Insert adds value under key and returns a Token that can later be
// passed to Remove to remove exactly this entry.
func (t *Tree) Insert(key uintptr, value interface{}) uint64 {
	t.nextTok++
	tok := t.nextTok
	t.root = insert(t.root, key, value, tok)
	t.size++
	return tok
}

func insert(n *node, key uintptr, value interface{}, tok uint64) *node {
	if n == nil {
		return &node{key: key, entries: []Entry{{Key: key, Value: value, Token: tok}}, height: 1}
	}
	switch {
	case key < n.key:
		n.left = insert(n.left, key, value, tok)
	case key > n.key:
		n.right = insert(n.right, key, value, tok)
	default:
		n.entries = append(n.entries, Entry{Key: key, Value: value, Token: tok})
		return n
	}
	return rebalance(n)
}

// CeilingStack returns the node-stack entries for the smallest key
// that is >= key, or nil if none exists. The returned slice is the
// live backing slice of that node's stack; callers must not retain it
// across a mutating call.
func (t *Tree) CeilingStack(key uintptr) []Entry {
	n := t.root
	var best *node
	for n != nil {
		if n.key >= key {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	if best == nil {
		return nil
	}
	return best.entries
}

// Remove deletes the entry identified by tok under key. It returns
// false if no such entry exists, which signals caller misuse (the
// free-region index and the actual free-region set have drifted) and
// should be treated as a RuntimeCorruption condition by the caller.
func (t *Tree) Remove(key uintptr, tok uint64) bool {
	n, ok := find(t.root, key)
	if !ok {
		return false
	}
	idx := -1
	for i, e := range n.entries {
		if e.Token == tok {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false
	}
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
	t.size--
	if len(n.entries) == 0 {
		t.root = deleteNode(t.root, key)
	}
	return true
}

func find(n *node, key uintptr) (*node, bool) {
	for n != nil {
		switch {
		case key < n.key:
			n = n.left
		case key > n.key:
			n = n.right
		default:
			return n, true
		}
	}
	return nil, false
}

func minNode(n *node) *node {
	for n.left != nil {
		n = n.left
	}
	return n
}

func deleteNode(n *node, key uintptr) *node {
	if n == nil {
		return nil
	}
	switch {
	case key < n.key:
		n.left = deleteNode(n.left, key)
	case key > n.key:
		n.right = deleteNode(n.right, key)
	default:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		succ := minNode(n.right)
		n.key = succ.key
		n.entries = succ.entries
		n.right = deleteNode(n.right, succ.key)
	}
	return rebalance(n)
}

// Ascend visits every entry with Key >= from, in ascending key order,
// stopping early if visit returns false. This is the "find smallest
// region whose size >= required, then keep trying larger ones" search
// spec section 4.1 describes for the native heap allocator.
func (t *Tree) Ascend(from uintptr, visit func(Entry) bool) {
	ascend(t.root, from, visit)
}

func ascend(n *node, from uintptr, visit func(Entry) bool) bool {
	if n == nil {
		return true
	}
	if n.key >= from {
		if !ascend(n.left, from, visit) {
			return false
		}
		for _, e := range n.entries {
			if !visit(e) {
				return false
			}
		}
		return ascend(n.right, from, visit)
	}
	return ascend(n.right, from, visit)
}

// Walk visits every entry in ascending key order.
func (t *Tree) Walk(fn func(Entry)) {
	walk(t.root, fn)
}

func walk(n *node, fn func(Entry)) {
	if n == nil {
		return
	}
	walk(n.left, fn)
	for _, e := range n.entries {
		fn(e)
	}
	walk(n.right, fn)
}
