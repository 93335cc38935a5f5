package batcher

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/zkvapp/adstree/types"
)

// DeriveNullifier maps a transaction to its tree value. Only stable fields
// participate (id, sender, amount), so re-derivation during retry or replay
// always yields the same value. Wall-clock fields are deliberately excluded
// from the preimage.
func DeriveNullifier(tx *types.Transaction) uint64 {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}

	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], tx.ID)
	h.Write(idb[:])
	h.Write([]byte(tx.Sender))
	amount := tx.Amount.Bytes32()
	h.Write(amount[:])

	sum := h.Sum(nil)
	v := binary.BigEndian.Uint64(sum[:8])

	// Keep values in (0, 2^63) so they remain positive under any signed
	// interpretation, and never collide with the zero sentinel.
	return v%(1<<63-1) + 1
}
