// Package circuit defines the batch attestation circuit: the public claims
// of a committed batch (root pair, balance totals, transcript) bound to the
// private transaction amounts and nullifier values.
package circuit

import (
	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/plonk"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/scs"
	std_mimc "github.com/consensys/gnark/std/hash/mimc"
	"github.com/consensys/gnark/test/unsafekzg"

	"github.com/zkvapp/adstree/utils"
)

// BatchCircuit proves, for one committed batch of fixed size:
//
//	NewTotal  == PrevTotal + sum(Amounts)
//	Transcript == MiMC(PrevRoot, NewRoot, Nullifiers...)
//
// Amounts and nullifiers stay private; the verifier recomputes Transcript
// from the committed batch record. Short batches pad both slices with zeros.
type BatchCircuit struct {
	PrevTotal  frontend.Variable `gnark:",public"`
	NewTotal   frontend.Variable `gnark:",public"`
	PrevRoot   frontend.Variable `gnark:",public"`
	NewRoot    frontend.Variable `gnark:",public"`
	Transcript frontend.Variable `gnark:",public"`

	Amounts    []frontend.Variable
	Nullifiers []frontend.Variable
}

// NewBatchCircuit shapes a circuit for batches of up to size transactions.
func NewBatchCircuit(size int) *BatchCircuit {
	return &BatchCircuit{
		Amounts:    make([]frontend.Variable, size),
		Nullifiers: make([]frontend.Variable, size),
	}
}

func (cc *BatchCircuit) Define(api frontend.API) error {
	sum := frontend.Variable(0)
	for _, a := range cc.Amounts {
		sum = api.Add(sum, a)
	}
	api.AssertIsEqual(cc.NewTotal, api.Add(cc.PrevTotal, sum))

	hasher, err := std_mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(cc.PrevRoot, cc.NewRoot)
	hasher.Write(cc.Nullifiers...)
	api.AssertIsEqual(cc.Transcript, hasher.Sum())
	return nil
}

// Transcript computes, natively, the public transcript the circuit asserts:
// MiMC over the root pair and the padded nullifier values.
func Transcript(prevRoot, newRoot []byte, nullifiers []uint64, size int) []byte {
	ins := make([][]byte, 0, 2+size)
	ins = append(ins, prevRoot, newRoot)
	for i := 0; i < size; i++ {
		var v uint64
		if i < len(nullifiers) {
			v = nullifiers[i]
		}
		ins = append(ins, utils.FieldBytes(v))
	}
	return utils.MiMCHash(ins...)
}

// Compile builds the constraint system and a PLONK key pair for batches of
// the given size.
func Compile(size int) (constraint.ConstraintSystem, plonk.ProvingKey, plonk.VerifyingKey, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, NewBatchCircuit(size))
	if err != nil {
		return nil, nil, nil, err
	}

	// todo: Use safe SRS generation
	srs, srsLagrange, err := unsafekzg.NewSRS(ccs)
	if err != nil {
		return nil, nil, nil, err
	}
	pk, vk, err := plonk.Setup(ccs, srs, srsLagrange)
	if err != nil {
		return nil, nil, nil, err
	}
	return ccs, pk, vk, nil
}
