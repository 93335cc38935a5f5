package imt

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/zkvapp/adstree/utils"
)

// Leaf is one slot of the indexed merkle tree: a nullifier value plus the
// linked-list metadata that makes non-membership provable. For every active
// leaf, NextValue is the smallest active value strictly greater than Value,
// or 0 when the leaf is the current maximum. Leaf slots are filled exactly
// once and never physically deleted.
type Leaf struct {
	Value     uint64
	TreeIndex uint64
	NextIndex uint64
	NextValue uint64
	Active    bool
}

// Hash commits to the linked-list fields of the leaf. TreeIndex is implied
// by the leaf's position and is not part of the preimage.
func (l *Leaf) Hash() []byte {
	return utils.MiMCHash(
		utils.FieldBytes(l.Value),
		utils.FieldBytes(l.NextIndex),
		utils.FieldBytes(l.NextValue),
	)
}

func (l *Leaf) encode() ([]byte, error) {
	return rlp.EncodeToBytes(l)
}

func decodeLeaf(bz []byte) (*Leaf, error) {
	var l Leaf
	if err := rlp.DecodeBytes(bz, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// hashChildren derives an internal node from its two children.
func hashChildren(left, right []byte) []byte {
	return utils.MiMCHash(left, right)
}

// treeState is the single durable row tracking the root, the next free leaf
// slot and the active leaf count.
type treeState struct {
	Root      []byte
	NextIndex uint64
	Count     uint64
}

func rlpEncodeState(st *treeState) ([]byte, error) {
	return rlp.EncodeToBytes(st)
}

func rlpDecodeState(bz []byte, st *treeState) error {
	return rlp.DecodeBytes(bz, st)
}

var (
	leafValPrefix = []byte("n/v/")
	leafIdxPrefix = []byte("n/i/")
	nodePrefix    = []byte("m/")
	stateKey      = []byte("s/imt")
)

func leafValKey(value uint64) []byte {
	key := make([]byte, len(leafValPrefix)+8)
	copy(key, leafValPrefix)
	binary.BigEndian.PutUint64(key[len(leafValPrefix):], value)
	return key
}

func leafIdxKey(index uint64) []byte {
	key := make([]byte, len(leafIdxPrefix)+8)
	copy(key, leafIdxPrefix)
	binary.BigEndian.PutUint64(key[len(leafIdxPrefix):], index)
	return key
}

func nodeKey(level uint32, index uint64) []byte {
	key := make([]byte, len(nodePrefix)+4+8)
	copy(key, nodePrefix)
	binary.BigEndian.PutUint32(key[len(nodePrefix):], level)
	binary.BigEndian.PutUint64(key[len(nodePrefix)+4:], index)
	return key
}
