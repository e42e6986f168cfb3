package tdbcore

import pkgerrors "github.com/pkg/errors"

// defaultBPNodeMax is the fan-out bound used unless an Options value
// overrides it (tests shrink this to exercise splitting without huge
// fixtures), per spec.md §4.D's BPNODE_MAX.
const defaultBPNodeMax = 1000

// bpTree is the B+-tree column engine of spec.md §4.D: a tree of node
// arrays where every leaf holds a contiguous run of int64 elements and
// every inner node holds child refs plus a cumulative-size index for
// O(log n) positional lookup. Grounded on the teacher's Operation.go
// (descend-then-copy-on-write-then-retry shape), generalized from the
// teacher's hashed-key HAMT descent to the spec's purely positional
// B+-tree descent.
//
// Inner node element layout (hasRefs=true, isInnerBPNode=true):
//
//	[child_0, ..., child_k, cumulativeSizesRef, totalSize]
//
// All elements except the last (totalSize) are refs; the allocator's
// commit walk (alloc.go, commitNode) relies on exactly this
// convention to know which elements to rewrite and recurse into.
type bpTree struct {
	alloc   *Allocator
	root    *Node
	maxSize int
}

func newBPTree(alloc *Allocator, maxSize int) (*bpTree, error) {
	if maxSize <= 0 {
		maxSize = defaultBPNodeMax
	}
	leaf, err := newNode(alloc, false, false, 8, 4)
	if err != nil {
		return nil, err
	}
	return &bpTree{alloc: alloc, root: leaf, maxSize: maxSize}, nil
}

func openBPTree(alloc *Allocator, r ref, maxSize int) (*bpTree, error) {
	if maxSize <= 0 {
		maxSize = defaultBPNodeMax
	}
	root, err := readNode(alloc, r)
	if err != nil {
		return nil, err
	}
	return &bpTree{alloc: alloc, root: root, maxSize: maxSize}, nil
}

func (t *bpTree) RootRef() ref { return t.root.Ref() }

// Size returns the number of logical rows in the tree (spec.md §3
// invariant 5: "an inner node's size equals the sum of its children's
// sizes").
func (t *bpTree) Size() int64 { return subtreeSize(t.root) }

func subtreeSize(n *Node) int64 {
	if !n.IsInner() {
		return int64(n.Len())
	}
	return n.Get(n.Len() - 1)
}

func childCountOf(n *Node) int { return n.Len() - 2 }

// cumSizesOf reads the cumulative-size node of an inner node: element
// j is the number of rows in children[0..j] inclusive.
func cumSizesOf(n *Node) (*Node, error) {
	return readNode(n.alloc, n.GetAsRef(n.Len()-2))
}

func (t *bpTree) Get(i int64) (int64, error) {
	n := t.root
	for {
		if !n.IsInner() {
			if i < 0 || i >= int64(n.Len()) {
				return 0, pkgerrors.Wrapf(ErrIndexOutOfBounds, "bptree Get(%d)", i)
			}
			return n.Get(int(i)), nil
		}
		child, local, err := descend(n, i)
		if err != nil {
			return 0, err
		}
		n = child
		i = local
	}
}

// descend locates the child of inner node n that holds logical index
// i, returning that child and i translated into the child's own index
// space.
func descend(n *Node, i int64) (*Node, int64, error) {
	cum, err := cumSizesOf(n)
	if err != nil {
		return nil, 0, err
	}

	childCount := childCountOf(n)
	var prev int64
	for c := 0; c < childCount; c++ {
		upto := cum.Get(c)
		if i < upto {
			child, err := n.childAt(c)
			if err != nil {
				return nil, 0, err
			}
			return child, i - prev, nil
		}
		prev = upto
	}

	return nil, 0, pkgerrors.Wrapf(ErrIndexOutOfBounds, "bptree descend(%d), size %d", i, prev)
}

func (t *bpTree) Set(i int64, v int64) error {
	n := t.root
	for n.IsInner() {
		child, local, err := descend(n, i)
		if err != nil {
			return err
		}
		n, i = child, local
	}
	return n.Set(int(i), v)
}

func (t *bpTree) Append(v int64) error { return t.Insert(t.Size(), v) }

// Insert places v at logical position i, splitting leaves/inner nodes
// and growing the root as needed (spec.md §4.D: "insertion may cascade
// splits up to the root; if the root itself splits, a new root is
// created and tree height increases by one").
func (t *bpTree) Insert(i int64, v int64) error {
	right, err := t.insertInto(t.root, i, v)
	if err != nil {
		return err
	}
	if right != nil {
		if err := t.growRoot(right); err != nil {
			return err
		}
	}
	return nil
}

// splitOut describes a node that had to split: right is the new
// sibling, rightSize is its row count.
type splitOut struct {
	right     *Node
	rightSize int64
}

func (t *bpTree) insertInto(n *Node, i int64, v int64) (*splitOut, error) {
	if !n.IsInner() {
		appendedAtEnd := i >= int64(n.Len())
		if err := n.Insert(int(i), v); err != nil {
			return nil, err
		}
		if n.Len() <= t.maxSize {
			return nil, nil
		}
		return t.splitLeaf(n, appendedAtEnd)
	}

	cum, err := cumSizesOf(n)
	if err != nil {
		return nil, err
	}
	childCount := childCountOf(n)

	var prev int64
	childIdx := childCount - 1
	for c := 0; c < childCount; c++ {
		upto := cum.Get(c)
		if i <= upto || c == childCount-1 {
			childIdx = c
			break
		}
		prev = upto
	}
	if childIdx > 0 {
		prev = cum.Get(childIdx - 1)
	} else {
		prev = 0
	}

	child, err := n.childAt(childIdx)
	if err != nil {
		return nil, err
	}

	sub, err := t.insertInto(child, i-prev, v)
	if err != nil {
		return nil, err
	}

	if err := t.bumpTotalSize(n, 1); err != nil {
		return nil, err
	}
	if err := t.updateCumFrom(n, childIdx, subtreeSize(child)); err != nil {
		return nil, err
	}

	if sub == nil {
		return nil, nil
	}

	if err := t.insertChild(n, childIdx+1, sub.right.Ref(), sub.rightSize); err != nil {
		return nil, err
	}

	if childCountOf(n) <= t.maxSize {
		return nil, nil
	}
	return t.splitInner(n)
}

// splitLeaf splits an overflowing leaf. A trailing append splits
// one-sided (the new sibling takes only the tail element, so
// sequential appends don't fragment the whole leaf); an interior
// insert splits evenly, per spec.md §4.D.
func (t *bpTree) splitLeaf(n *Node, appendedAtEnd bool) (*splitOut, error) {
	total := n.Len()
	mid := total / 2
	if appendedAtEnd {
		mid = total - 1
	}

	right, err := newNode(t.alloc, false, false, n.hdr.width, total-mid)
	if err != nil {
		return nil, err
	}
	for j := mid; j < total; j++ {
		if err := right.Add(n.Get(j)); err != nil {
			return nil, err
		}
	}
	if err := n.Truncate(mid); err != nil {
		return nil, err
	}

	return &splitOut{right: right, rightSize: int64(total - mid)}, nil
}

// splitInner splits an overflowing inner node evenly across its
// children, constructing a fresh cumulative-size node for each half.
func (t *bpTree) splitInner(n *Node) (*splitOut, error) {
	childCount := childCountOf(n)
	mid := childCount / 2

	children := make([]ref, childCount)
	sizes := make([]int64, childCount)
	cum, err := cumSizesOf(n)
	if err != nil {
		return nil, err
	}
	var prev int64
	for c := 0; c < childCount; c++ {
		children[c] = n.GetAsRef(c)
		upto := cum.Get(c)
		sizes[c] = upto - prev
		prev = upto
	}

	right, rightSize, err := t.buildInner(children[mid:], sizes[mid:])
	if err != nil {
		return nil, err
	}

	if err := t.rebuildInner(n, children[:mid], sizes[:mid]); err != nil {
		return nil, err
	}

	return &splitOut{right: right, rightSize: rightSize}, nil
}

// buildInner constructs a fresh inner node from a set of children.
func (t *bpTree) buildInner(children []ref, sizes []int64) (*Node, int64, error) {
	n, err := newNode(t.alloc, true, true, 64, len(children)+2)
	if err != nil {
		return nil, 0, err
	}
	if err := t.rebuildInner(n, children, sizes); err != nil {
		return nil, 0, err
	}
	return n, subtreeSize(n), nil
}

// rebuildInner overwrites n's element array in place from scratch:
// children, a fresh cumulative-sizes node, then the total. Simpler
// than targeted splicing and cheap at bptree's bounded fan-out.
func (t *bpTree) rebuildInner(n *Node, children []ref, sizes []int64) error {
	if err := n.Truncate(0); err != nil {
		return err
	}

	cum, err := newNode(t.alloc, false, false, 64, len(children))
	if err != nil {
		return err
	}

	var total int64
	for i, c := range children {
		if err := n.AddRef(c); err != nil {
			return err
		}
		total += sizes[i]
		if err := cum.Add(total); err != nil {
			return err
		}
	}

	if err := n.AddRef(cum.Ref()); err != nil {
		return err
	}
	if err := n.Add(total); err != nil {
		return err
	}
	return nil
}

// insertChild inserts a new child ref (with its row count) at position
// idx within n's children, rebuilding the element array.
func (t *bpTree) insertChild(n *Node, idx int, childRef ref, childSize int64) error {
	childCount := childCountOf(n)
	children := make([]ref, 0, childCount+1)
	sizes := make([]int64, 0, childCount+1)

	cum, err := cumSizesOf(n)
	if err != nil {
		return err
	}
	var prev int64
	for c := 0; c < childCount; c++ {
		if c == idx {
			children = append(children, childRef)
			sizes = append(sizes, childSize)
		}
		children = append(children, n.GetAsRef(c))
		upto := cum.Get(c)
		sizes = append(sizes, upto-prev)
		prev = upto
	}
	if idx == childCount {
		children = append(children, childRef)
		sizes = append(sizes, childSize)
	}

	return t.rebuildInner(n, children, sizes)
}

// bumpTotalSize adds delta to n's trailing total-size element.
func (t *bpTree) bumpTotalSize(n *Node, delta int64) error {
	return n.Set(n.Len()-1, n.Get(n.Len()-1)+delta)
}

// updateCumFrom refreshes the cumulative-size entry for child idx and
// every entry after it, given that child's size may have changed.
func (t *bpTree) updateCumFrom(n *Node, idx int, newChildSize int64) error {
	cum, err := cumSizesOf(n)
	if err != nil {
		return err
	}
	childCount := childCountOf(n)

	var prev int64
	if idx > 0 {
		prev = cum.Get(idx - 1)
	}
	oldUpto := cum.Get(idx)
	delta := (prev + newChildSize) - oldUpto

	for c := idx; c < childCount; c++ {
		if err := cum.Set(c, cum.Get(c)+delta); err != nil {
			return err
		}
	}
	if cum.Ref() != n.GetAsRef(n.Len()-2) {
		if err := n.SetAsRef(n.Len()-2, cum.Ref()); err != nil {
			return err
		}
	}
	return nil
}

// growRoot wraps the current root and its new sibling in a fresh
// inner root, increasing tree height by one.
func (t *bpTree) growRoot(right *Node) error {
	leftSize := subtreeSize(t.root)
	newRoot, _, err := t.buildInner([]ref{t.root.Ref(), right.Ref()}, []int64{leftSize, subtreeSize(right)})
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

// Erase removes the element at logical position i. Deletion never
// rebalances underflowing siblings (spec.md §4.D non-goal); an inner
// node left with exactly one child is collapsed into that child so
// the tree never carries a redundant single-child level.
func (t *bpTree) Erase(i int64) error {
	newRoot, err := t.eraseFrom(t.root, i)
	if err != nil {
		return err
	}
	if newRoot != nil {
		t.root = newRoot
	}
	return nil
}

// eraseFrom removes element i from the subtree rooted at n, returning
// a replacement root for that subtree if a collapse occurred (nil
// means n is unchanged in identity, only in content).
func (t *bpTree) eraseFrom(n *Node, i int64) (*Node, error) {
	if !n.IsInner() {
		return nil, n.Erase(int(i))
	}

	cum, err := cumSizesOf(n)
	if err != nil {
		return nil, err
	}
	childCount := childCountOf(n)

	var prev int64
	childIdx := childCount - 1
	for c := 0; c < childCount; c++ {
		upto := cum.Get(c)
		if i < upto {
			childIdx = c
			break
		}
		prev = upto
	}
	if childIdx > 0 {
		prev = cum.Get(childIdx - 1)
	} else {
		prev = 0
	}

	child, err := n.childAt(childIdx)
	if err != nil {
		return nil, err
	}

	collapsed, err := t.eraseFrom(child, i-prev)
	if err != nil {
		return nil, err
	}
	if collapsed != nil {
		child = collapsed
		if err := n.SetAsRef(childIdx, child.Ref()); err != nil {
			return nil, err
		}
	}

	if err := t.bumpTotalSize(n, -1); err != nil {
		return nil, err
	}
	if err := t.updateCumFrom(n, childIdx, subtreeSize(child)); err != nil {
		return nil, err
	}

	if childCountOf(n) == 1 && n != t.root {
		return child, nil
	}
	if childCountOf(n) == 1 && n == t.root {
		t.root = child
		return nil, nil
	}
	return nil, nil
}
