// Package types holds the durable record types shared by the ledger stores,
// the batch coordinator and the proof pipeline edge.
package types

import (
	"github.com/holiman/uint256"
)

// TxStatus is the assignment state of a submitted transaction.
type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxAssigned
)

// Transaction is one submitted off-chain transaction. It is created on
// submission and mutated exactly once, Pending -> Assigned, by the batch
// coordinator.
type Transaction struct {
	ID        uint64
	Sender    string
	Amount    *uint256.Int
	Status    TxStatus
	BatchID   uint64 // 0 until assigned
	CreatedAt uint64 // unix seconds
}

// BatchStatus tracks a batch through the proof pipeline. The coordinator
// produces Committed; the later transitions are recorded on notification
// from external collaborators, never driven here.
type BatchStatus string

const (
	BatchCommitted      BatchStatus = "committed"
	BatchProofRequested BatchStatus = "proof_requested"
	BatchProven         BatchStatus = "proven"
	BatchProofFailed    BatchStatus = "proof_failed"
	BatchSubmitted      BatchStatus = "submitted"
)

// Batch is one committed state transition: the ordered transaction set that
// was folded into the tree, the roots before and after, and the running
// balance totals the attestation circuit binds.
type Batch struct {
	ID        uint64
	TxIDs     []uint64
	PrevRoot  []byte
	NewRoot   []byte
	PrevTotal *uint256.Int
	NewTotal  *uint256.Int
	Status    BatchStatus
	ProofID   string
	CreatedAt uint64
	ProvenAt  uint64
}

// StateCommit is the durable batch -> root record. One row per batch,
// written in the same atomic unit as the batch itself; consecutive rows
// chain (commit n's root is batch n+1's PrevRoot).
type StateCommit struct {
	BatchID    uint64
	MerkleRoot []byte
	CreatedAt  uint64
}
