// Package imt implements the indexed merkle tree: a fixed-depth binary MiMC
// hash tree whose leaves form a sorted singly-linked list of nullifier
// values. The linked structure yields both membership and non-membership
// proofs; insertion splices the new value after its low nullifier and
// recomputes the two affected hash paths up to the root.
package imt

import (
	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/storage"
)

// DefaultDepth matches the circuit the accumulator is attested with.
const DefaultDepth = 32

// zeroHash stands in for any node that has never been written.
var zeroHash = make([]byte, 32)

// NodeWrite records one recomputed (level, index) -> hash entry of an
// insertion path. Level 0 is the leaf layer.
type NodeWrite struct {
	Level uint32
	Index uint64
	Hash  []byte
}

// InsertionTrace is the audit record of one insertion: the splice, the roots
// around it and every node hash the insertion touched. Where the two leaf
// paths converge a (level, index) pair appears twice; the later entry is the
// surviving hash.
type InsertionTrace struct {
	Value     uint64
	TreeIndex uint64
	LowBefore Leaf
	LowAfter  Leaf
	Leaf      Leaf
	PrevRoot  []byte
	NewRoot   []byte
	Touched   []NodeWrite

	// Existing marks an idempotent re-insertion of an already active
	// value: nothing changed, Leaf holds the prior state.
	Existing bool
}

// Stats summarizes the tree for status queries.
type Stats struct {
	Depth     uint32
	Capacity  uint64
	Count     uint64
	NextIndex uint64
}

// Tree operates on leaves and nodes through a storage.KV. Opened over a
// *storage.Txn its mutations stay invisible until that transaction commits;
// opened over a *storage.Store it reads committed state only.
type Tree struct {
	kv    storage.KV
	depth uint32
}

// Open binds a tree of the given depth to kv. An uninitialized store is
// seeded with the zero sentinel leaf at slot 0, whose NextValue of 0 stands
// for +infinity, so every later insertion finds a low nullifier.
func Open(kv storage.KV, depth uint32) (*Tree, error) {
	if depth == 0 || depth > 63 {
		return nil, adserr.Validationf("tree depth %d out of range [1,63]", depth)
	}
	t := &Tree{kv: kv, depth: depth}

	_, found, err := kv.Get(stateKey)
	if err != nil {
		return nil, adserr.Persistence(err, "read tree state")
	}
	if found {
		return t, nil
	}

	sentinel := &Leaf{Value: 0, TreeIndex: 0, NextIndex: 0, NextValue: 0, Active: true}
	if err := t.putLeaf(sentinel); err != nil {
		return nil, err
	}
	root, _, err := t.updateLeafPath(0, sentinel.Hash())
	if err != nil {
		return nil, err
	}
	if err := t.writeState(&treeState{Root: root, NextIndex: 1, Count: 1}); err != nil {
		return nil, err
	}
	return t, nil
}

// Root returns the current root hash. A pure read.
func (t *Tree) Root() ([]byte, error) {
	st, err := t.readState()
	if err != nil {
		return nil, err
	}
	return st.Root, nil
}

func (t *Tree) Stats() (*Stats, error) {
	st, err := t.readState()
	if err != nil {
		return nil, err
	}
	return &Stats{
		Depth:     t.depth,
		Capacity:  uint64(1) << t.depth,
		Count:     st.Count,
		NextIndex: st.NextIndex,
	}, nil
}

// FindLowNullifier returns the active leaf with the greatest value strictly
// less than value. The zero sentinel guarantees a result for any positive
// input; failure to find one means the leaf set is corrupted.
func (t *Tree) FindLowNullifier(value uint64) (*Leaf, error) {
	if value == 0 {
		return nil, adserr.Validationf("nullifier value must be positive")
	}

	it := t.kv.NewIterator(storage.PrefixRange(leafValPrefix))
	defer it.Release()

	var ok bool
	if it.Seek(leafValKey(value)) {
		// Positioned at the first leaf >= value; step back.
		ok = it.Prev()
	} else {
		// All leaves are < value; the predecessor is the last one.
		ok = it.Last()
	}
	if !ok {
		if err := it.Error(); err != nil {
			return nil, adserr.Persistence(err, "scan leaves for low nullifier")
		}
		return nil, adserr.Invariantf("no low nullifier for %d: sentinel leaf missing", value)
	}

	leaf, err := decodeLeaf(it.Value())
	if err != nil {
		return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode low nullifier leaf")
	}
	return leaf, nil
}

// GetLeafByValue returns the active leaf holding value, if any.
func (t *Tree) GetLeafByValue(value uint64) (*Leaf, bool, error) {
	bz, found, err := t.kv.Get(leafValKey(value))
	if err != nil {
		return nil, false, adserr.Persistence(err, "read leaf by value")
	}
	if !found {
		return nil, false, nil
	}
	leaf, err := decodeLeaf(bz)
	if err != nil {
		return nil, false, adserr.Wrap(adserr.CodeInvariant, err, "decode leaf %d", value)
	}
	return leaf, true, nil
}

// GetLeafByIndex returns the leaf occupying slot index, if filled.
func (t *Tree) GetLeafByIndex(index uint64) (*Leaf, bool, error) {
	bz, found, err := t.kv.Get(leafIdxKey(index))
	if err != nil {
		return nil, false, adserr.Persistence(err, "read leaf by index")
	}
	if !found {
		return nil, false, nil
	}
	leaf, err := decodeLeaf(bz)
	if err != nil {
		return nil, false, adserr.Wrap(adserr.CodeInvariant, err, "decode leaf at %d", index)
	}
	return leaf, true, nil
}

// Insert splices value into the sorted leaf list and recomputes the two
// affected hash paths. Inserting an already active value is a no-op trace
// with Existing set, so retries stay idempotent.
func (t *Tree) Insert(value uint64) (*InsertionTrace, error) {
	if value == 0 {
		return nil, adserr.Validationf("nullifier value must be positive")
	}

	st, err := t.readState()
	if err != nil {
		return nil, err
	}

	if existing, found, err := t.GetLeafByValue(value); err != nil {
		return nil, err
	} else if found {
		return &InsertionTrace{
			Value:     value,
			TreeIndex: existing.TreeIndex,
			Leaf:      *existing,
			PrevRoot:  st.Root,
			NewRoot:   st.Root,
			Existing:  true,
		}, nil
	}

	if st.NextIndex >= uint64(1)<<t.depth {
		return nil, adserr.Capacityf("tree is full: %d slots used", st.NextIndex)
	}

	low, err := t.FindLowNullifier(value)
	if err != nil {
		return nil, err
	}
	if value <= low.Value {
		return nil, adserr.Invariantf("low nullifier %d not below %d", low.Value, value)
	}
	if low.NextValue != 0 && value >= low.NextValue {
		return nil, adserr.Invariantf(
			"value %d not below successor %d of low nullifier %d",
			value, low.NextValue, low.Value)
	}

	idx := st.NextIndex
	newLeaf := &Leaf{
		Value:     value,
		TreeIndex: idx,
		NextIndex: low.NextIndex,
		NextValue: low.NextValue,
		Active:    true,
	}
	lowBefore := *low
	low.NextIndex = idx
	low.NextValue = value

	if err := t.putLeaf(low); err != nil {
		return nil, err
	}
	if err := t.putLeaf(newLeaf); err != nil {
		return nil, err
	}

	_, touchedLow, err := t.updateLeafPath(low.TreeIndex, low.Hash())
	if err != nil {
		return nil, err
	}
	root, touchedNew, err := t.updateLeafPath(idx, newLeaf.Hash())
	if err != nil {
		return nil, err
	}

	prevRoot := st.Root
	st.Root = root
	st.NextIndex++
	st.Count++
	if err := t.writeState(st); err != nil {
		return nil, err
	}

	return &InsertionTrace{
		Value:     value,
		TreeIndex: idx,
		LowBefore: lowBefore,
		LowAfter:  *low,
		Leaf:      *newLeaf,
		PrevRoot:  prevRoot,
		NewRoot:   root,
		Touched:   append(touchedLow, touchedNew...),
	}, nil
}

// BatchInsert applies Insert sequentially. Order matters: each insertion's
// low-nullifier search depends on the tree state left by the previous one,
// so the final root is a function of the sequence, not the set.
func (t *Tree) BatchInsert(values []uint64) ([]*InsertionTrace, error) {
	traces := make([]*InsertionTrace, 0, len(values))
	for _, v := range values {
		trace, err := t.Insert(v)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	return traces, nil
}

// ValidateChain walks the linked list from the sentinel and checks the full
// sorted-order invariant: strictly increasing values, index links resolving
// to matching leaves, and a hop count equal to the recorded leaf count.
func (t *Tree) ValidateChain() error {
	st, err := t.readState()
	if err != nil {
		return err
	}

	cur, found, err := t.GetLeafByIndex(0)
	if err != nil {
		return err
	}
	if !found || cur.Value != 0 {
		return adserr.Invariantf("sentinel leaf missing or displaced")
	}

	visited := uint64(1)
	for cur.NextValue != 0 {
		next, found, err := t.GetLeafByIndex(cur.NextIndex)
		if err != nil {
			return err
		}
		if !found {
			return adserr.Invariantf("leaf %d links to empty slot %d", cur.Value, cur.NextIndex)
		}
		if next.Value != cur.NextValue {
			return adserr.Invariantf(
				"leaf %d links to value %d but slot %d holds %d",
				cur.Value, cur.NextValue, cur.NextIndex, next.Value)
		}
		if next.Value <= cur.Value {
			return adserr.Invariantf("sort order broken at %d -> %d", cur.Value, next.Value)
		}
		cur = next
		visited++
		if visited > st.Count {
			return adserr.Invariantf("linked list longer than leaf count %d", st.Count)
		}
	}
	if visited != st.Count {
		return adserr.Invariantf("linked list covers %d of %d leaves", visited, st.Count)
	}
	return nil
}

func (t *Tree) putLeaf(l *Leaf) error {
	bz, err := l.encode()
	if err != nil {
		return adserr.Persistence(err, "encode leaf %d", l.Value)
	}
	if err := t.kv.Put(leafValKey(l.Value), bz); err != nil {
		return adserr.Persistence(err, "write leaf by value")
	}
	if err := t.kv.Put(leafIdxKey(l.TreeIndex), bz); err != nil {
		return adserr.Persistence(err, "write leaf by index")
	}
	return nil
}

func (t *Tree) getNode(level uint32, index uint64) ([]byte, error) {
	bz, found, err := t.kv.Get(nodeKey(level, index))
	if err != nil {
		return nil, adserr.Persistence(err, "read node (%d,%d)", level, index)
	}
	if !found {
		return zeroHash, nil
	}
	return bz, nil
}

// updateLeafPath writes the leaf hash at level 0 and recomputes every
// ancestor up to the root. Returns the new root and the ordered node writes.
func (t *Tree) updateLeafPath(leafIndex uint64, leafHash []byte) ([]byte, []NodeWrite, error) {
	touched := make([]NodeWrite, 0, t.depth+1)

	if err := t.kv.Put(nodeKey(0, leafIndex), leafHash); err != nil {
		return nil, nil, adserr.Persistence(err, "write leaf node %d", leafIndex)
	}
	touched = append(touched, NodeWrite{Level: 0, Index: leafIndex, Hash: leafHash})

	curHash := leafHash
	curIndex := leafIndex
	for level := uint32(1); level <= t.depth; level++ {
		siblingIndex := curIndex ^ 1
		sibling, err := t.getNode(level-1, siblingIndex)
		if err != nil {
			return nil, nil, err
		}

		var parent []byte
		if curIndex&1 == 1 {
			parent = hashChildren(sibling, curHash)
		} else {
			parent = hashChildren(curHash, sibling)
		}

		parentIndex := curIndex >> 1
		if err := t.kv.Put(nodeKey(level, parentIndex), parent); err != nil {
			return nil, nil, adserr.Persistence(err, "write node (%d,%d)", level, parentIndex)
		}
		touched = append(touched, NodeWrite{Level: level, Index: parentIndex, Hash: parent})

		curHash = parent
		curIndex = parentIndex
	}
	return curHash, touched, nil
}

func (t *Tree) readState() (*treeState, error) {
	bz, found, err := t.kv.Get(stateKey)
	if err != nil {
		return nil, adserr.Persistence(err, "read tree state")
	}
	if !found {
		return nil, adserr.Invariantf("tree state missing: tree never seeded")
	}
	var st treeState
	if err := rlpDecodeState(bz, &st); err != nil {
		return nil, adserr.Wrap(adserr.CodeInvariant, err, "decode tree state")
	}
	return &st, nil
}

func (t *Tree) writeState(st *treeState) error {
	bz, err := rlpEncodeState(st)
	if err != nil {
		return adserr.Persistence(err, "encode tree state")
	}
	if err := t.kv.Put(stateKey, bz); err != nil {
		return adserr.Persistence(err, "write tree state")
	}
	return nil
}
