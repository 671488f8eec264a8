package driver

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// DerivePSK turns an operator-supplied passphrase into the fixed-size key
// wire.Config.PSK expects: PBKDF2-SHA256 with this package's own fixed
// salt.
func DerivePSK(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte("qdrive"), 100_000, 32, sha256.New)
}
