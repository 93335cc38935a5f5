package utils

import (
	"hash"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	_ "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	gnark_hash "github.com/consensys/gnark-crypto/hash"
)

func DefaultHasher() hash.Hash {
	return MiMCHasher()
}

func DefaultHashSum(ins ...[]byte) []byte {
	return MiMCHash(ins...)
}

func MiMCHasher() hash.Hash {
	return gnark_hash.MIMC_BN254.New()
}

// MiMCHash hashes the concatenation of the inputs, splitting each input into
// 32-byte chunks. A full chunk may exceed the BN254 scalar modulus, so it is
// reduced to an fr.Element and written in canonical form.
func MiMCHash(ins ...[]byte) []byte {
	hasher := MiMCHasher()

	blockSize := hasher.Size()

	hasher.Reset()
	for _, in := range ins {
		for i := 0; i < len(in); i += blockSize {
			end := i + blockSize
			if end > len(in) {
				end = len(in)
			}
			chunk := in[i:end]

			if len(chunk) == blockSize {
				var elem fr.Element
				elem.SetBytes(chunk)
				chunk = elem.Marshal()
			}
			if _, err := hasher.Write(chunk); err != nil {
				panic(err)
			}
		}
	}
	return hasher.Sum(nil)
}

// FieldBytes encodes v as a 32-byte big-endian field element, the canonical
// input form for MiMCHash and for in-circuit assignments.
func FieldBytes(v uint64) []byte {
	bz := make([]byte, 32)
	bz[24] = byte(v >> 56)
	bz[25] = byte(v >> 48)
	bz[26] = byte(v >> 40)
	bz[27] = byte(v >> 32)
	bz[28] = byte(v >> 24)
	bz[29] = byte(v >> 16)
	bz[30] = byte(v >> 8)
	bz[31] = byte(v)
	return bz
}
