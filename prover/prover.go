// Package prover generates and verifies PLONK attestations over committed
// batches. It consumes the coordinator's output; the coordinator never calls
// into it.
package prover

import (
	"bytes"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"

	"github.com/zkvapp/adstree/adserr"
	"github.com/zkvapp/adstree/batcher"
	"github.com/zkvapp/adstree/circuit"
	"github.com/zkvapp/adstree/types"
)

// assign builds the full witness assignment for a batch of up to size
// transactions, padding unused slots with zeros.
func assign(b *types.Batch, txs []*types.Transaction, size int) (*circuit.BatchCircuit, []uint64, error) {
	if len(txs) != len(b.TxIDs) {
		return nil, nil, adserr.Validationf(
			"batch %d lists %d transactions, got %d", b.ID, len(b.TxIDs), len(txs))
	}
	if len(txs) > size {
		return nil, nil, adserr.Validationf(
			"batch %d has %d transactions, circuit fits %d", b.ID, len(txs), size)
	}

	cc := circuit.NewBatchCircuit(size)
	cc.PrevTotal = b.PrevTotal.Bytes()
	cc.NewTotal = b.NewTotal.Bytes()
	cc.PrevRoot = b.PrevRoot
	cc.NewRoot = b.NewRoot

	nullifiers := make([]uint64, len(txs))
	for i, tx := range txs {
		if tx.ID != b.TxIDs[i] {
			return nil, nil, adserr.Validationf(
				"transaction order mismatch at %d: batch lists %d, got %d", i, b.TxIDs[i], tx.ID)
		}
		nullifiers[i] = batcher.DeriveNullifier(tx)
		cc.Amounts[i] = tx.Amount.Bytes()
		cc.Nullifiers[i] = nullifiers[i]
	}
	for i := len(txs); i < size; i++ {
		cc.Amounts[i] = 0
		cc.Nullifiers[i] = 0
	}

	cc.Transcript = circuit.Transcript(b.PrevRoot, b.NewRoot, nullifiers, size)
	return cc, nullifiers, nil
}

// GenerateBatchProof proves a committed batch against its source
// transactions (in batch order) and returns the serialized proof.
func GenerateBatchProof(
	b *types.Batch, txs []*types.Transaction, size int,
	provingKey plonk.ProvingKey, ccs constraint.ConstraintSystem,
) ([]byte, error) {
	assignment, _, err := assign(b, txs, size)
	if err != nil {
		return nil, err
	}

	wtn, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	proof, err := plonk.Prove(ccs, provingKey, wtn)
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(nil)
	if _, err := proof.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// VerifyBatchProof checks a serialized proof against the public claims of a
// committed batch. The nullifier values are re-derived from the batch's
// source transactions by the caller or taken from the audit trace.
func VerifyBatchProof(
	proofBytes []byte, b *types.Batch, nullifiers []uint64, size int,
	verifyingKey plonk.VerifyingKey,
) error {
	proof := plonk.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return err
	}

	cc := circuit.NewBatchCircuit(size)
	cc.PrevTotal = b.PrevTotal.Bytes()
	cc.NewTotal = b.NewTotal.Bytes()
	cc.PrevRoot = b.PrevRoot
	cc.NewRoot = b.NewRoot
	cc.Transcript = circuit.Transcript(b.PrevRoot, b.NewRoot, nullifiers, size)

	pubWtn, err := frontend.NewWitness(cc, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return err
	}
	return plonk.Verify(proof, verifyingKey, pubWtn)
}
