package types

import (
	crand "crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const addrVer = 0x01

// AddressPrefix is the human-readable prefix of check-encoded sender
// addresses.
const AddressPrefix = "ax"

func EncodeAddress(payload []byte) string {
	return AddressPrefix + base58.CheckEncode(payload, addrVer)
}

func DecodeAddress(addr string) ([]byte, error) {
	if !strings.HasPrefix(addr, AddressPrefix) {
		return nil, fmt.Errorf("wrong prefix: got(%s)", addr)
	}
	bz, ver, err := base58.CheckDecode(addr[len(AddressPrefix):])
	if err != nil {
		return nil, err
	}
	if ver != addrVer {
		return nil, fmt.Errorf("wrong version: expected(%d), got(%d)", addrVer, ver)
	}
	return bz, nil
}

// RandomAddress returns a fresh check-encoded address over 20 random bytes.
// Used by the CLI when the submitter does not present one.
func RandomAddress() string {
	payload := make([]byte, 20)
	if _, err := crand.Read(payload); err != nil {
		panic(err)
	}
	return EncodeAddress(payload)
}
