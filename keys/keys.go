// Package keys loads the bootloader's fixed key material: its ECDH
// private key and its table of root ECDSA public keys (§6). Real
// deployments bake these into the bootloader image at build time; this
// package models that as loading from a small config struct so tests
// and zepboot-sim can supply synthetic keys without a build step. It is
// grounded on apache-mynewt-newt's artifact/sec/key.go, which parses
// and optionally unwraps key material the same way for Mynewt's signing
// tool, including its use of github.com/NickBall/go-aes-key-wrap for
// at-rest protection of private key bytes.
package keys

import (
	"crypto/aes"

	keywrap "github.com/NickBall/go-aes-key-wrap"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
)

// Table holds the bootloader's key configuration, ready to build a
// crypto.Facade from.
type Table struct {
	BootPrivateKey []byte // 32-byte P-256 scalar
	RootPublicKeys []byte // N*64 bytes, raw X||Y per entry
}

// Facade builds a crypto.Facade from the table.
func (t Table) Facade() (*crypto.Facade, error) {
	return crypto.NewFacade(t.BootPrivateKey, t.RootPublicKeys)
}

// Unwrap decrypts a KEK-wrapped boot private key using RFC 3394 AES key
// wrap and returns the unwrapped plaintext key bytes, ready to be used
// as a Table's BootPrivateKey. Deployments that store the boot private key
// wrapped under a per-device KEK (so it isn't sitting in flash as plain
// bytes) call this once at startup before building a Facade.
func Unwrap(wrappedPrivateKey []byte, kek []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "keys: kek cipher setup failed")
	}
	plain, err := keywrap.Unwrap(block, wrappedPrivateKey)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "keys: unwrap failed")
	}
	return plain, nil
}

// Wrap encrypts a boot private key under kek for storage, the inverse
// of Unwrap, used by the provisioning tooling that writes a device's
// initial key table rather than by the bootloader itself.
func Wrap(privateKey []byte, kek []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "keys: kek cipher setup failed")
	}
	wrapped, err := keywrap.Wrap(block, privateKey)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "keys: wrap failed")
	}
	return wrapped, nil
}
