package imt

import (
	"bytes"

	"github.com/zkvapp/adstree/adserr"
)

// MerkleProof is the sibling path from one leaf slot up to the root.
type MerkleProof struct {
	LeafIndex uint64
	LeafHash  []byte
	Siblings  [][]byte
	PathBits  []bool // true when the path node is a right child
}

// Verify recomputes the root from the leaf hash and reports whether it
// matches.
func (p *MerkleProof) Verify(root []byte) bool {
	cur := p.LeafHash
	if len(p.Siblings) != len(p.PathBits) {
		return false
	}
	for i, sibling := range p.Siblings {
		if p.PathBits[i] {
			cur = hashChildren(sibling, cur)
		} else {
			cur = hashChildren(cur, sibling)
		}
	}
	return bytes.Equal(cur, root)
}

// MembershipProof shows value is an active leaf under Root.
type MembershipProof struct {
	Value uint64
	Leaf  Leaf
	Path  *MerkleProof
	Root  []byte
}

func (p *MembershipProof) Verify(root []byte) bool {
	if p.Leaf.Value != p.Value || !p.Leaf.Active {
		return false
	}
	if !bytes.Equal(p.Path.LeafHash, p.Leaf.Hash()) {
		return false
	}
	return p.Path.Verify(root)
}

// NonMembershipProof shows value is absent under Root via the low-nullifier
// technique: an authenticated leaf whose (Value, NextValue) range strictly
// brackets the queried value.
type NonMembershipProof struct {
	Value uint64
	Low   Leaf
	Path  *MerkleProof
	Root  []byte
}

func (p *NonMembershipProof) Verify(root []byte) bool {
	if p.Value <= p.Low.Value {
		return false
	}
	if p.Low.NextValue != 0 && p.Value >= p.Low.NextValue {
		return false
	}
	if !bytes.Equal(p.Path.LeafHash, p.Low.Hash()) {
		return false
	}
	return p.Path.Verify(root)
}

// Prove builds the sibling path for the leaf at index.
func (t *Tree) Prove(index uint64) (*MerkleProof, error) {
	leafHash, found, err := t.kv.Get(nodeKey(0, index))
	if err != nil {
		return nil, adserr.Persistence(err, "read leaf node %d", index)
	}
	if !found {
		return nil, adserr.NotFoundf("no leaf at index %d", index)
	}

	siblings := make([][]byte, 0, t.depth)
	pathBits := make([]bool, 0, t.depth)
	curIndex := index
	for level := uint32(0); level < t.depth; level++ {
		sibling, err := t.getNode(level, curIndex^1)
		if err != nil {
			return nil, err
		}
		siblings = append(siblings, sibling)
		pathBits = append(pathBits, curIndex&1 == 1)
		curIndex >>= 1
	}

	return &MerkleProof{
		LeafIndex: index,
		LeafHash:  leafHash,
		Siblings:  siblings,
		PathBits:  pathBits,
	}, nil
}

// ProveMembership authenticates an active value against the current root.
func (t *Tree) ProveMembership(value uint64) (*MembershipProof, error) {
	leaf, found, err := t.GetLeafByValue(value)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, adserr.NotFoundf("nullifier %d not in tree", value)
	}
	path, err := t.Prove(leaf.TreeIndex)
	if err != nil {
		return nil, err
	}
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return &MembershipProof{Value: value, Leaf: *leaf, Path: path, Root: root}, nil
}

// ProveNonMembership authenticates the absence of value. Returns NotFound
// when the value is in fact present.
func (t *Tree) ProveNonMembership(value uint64) (*NonMembershipProof, error) {
	if _, found, err := t.GetLeafByValue(value); err != nil {
		return nil, err
	} else if found {
		return nil, adserr.NotFoundf("nullifier %d exists: no non-membership proof", value)
	}

	low, err := t.FindLowNullifier(value)
	if err != nil {
		return nil, err
	}
	path, err := t.Prove(low.TreeIndex)
	if err != nil {
		return nil, err
	}
	root, err := t.Root()
	if err != nil {
		return nil, err
	}
	return &NonMembershipProof{Value: value, Low: *low, Path: path, Root: root}, nil
}
