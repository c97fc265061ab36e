// Package crypto is the crypto façade (spec component 4.B): SHA-256 and
// CRC-32 over a flash range, CRC-8 sealing of command records, AES-128-CTR
// with the bootloader's big-endian counter convention, ECDSA-P256
// signature verification against a fixed root key table and ECDH-P256
// content-key derivation.
//
// It is grounded on apache-mynewt-newt's artifact/sec package (which
// drives the same crypto/ecdsa, crypto/aes, crypto/sha256 stdlib
// primitives for Mynewt image signing/encryption) and on zb_ec256.c /
// zb_aes.c from the original ZEPboot bootloader, whose buffered-read and
// counter-increment contracts it preserves exactly since on-flash
// ciphertexts were produced against them.
package crypto

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"hash/crc32"
	"math/big"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/flash"
)

const (
	// HashFlashBufferBytes bounds the streaming buffer used by
	// Sha256Flash/Crc32Flash.
	HashFlashBufferBytes = 256
	// PublicKeyBytes is the raw (no 0x04 prefix) X||Y encoding length
	// of a P-256 public key, and the size of one entry in the root key
	// table and of the IMAGE_EPUBKEY TLV.
	PublicKeyBytes = 64
	// SignatureBytes is the r||s encoding length of a P-256 ECDSA
	// signature.
	SignatureBytes = 64
	// ContentKeyBytes is the AES-128 key size derived by ECDH+KDF.
	ContentKeyBytes = 16
)

// Facade bundles the fixed key material injected at initialization: the
// bootloader's ECDH private key and the table of root public keys used
// to verify image signatures. Per design note §9 these are modeled as
// process-wide read-only configuration rather than file-scope globals.
type Facade struct {
	bootPriv    *ecdh.PrivateKey
	rootPubKeys [][]byte // each PublicKeyBytes long, raw X||Y
}

// NewFacade builds a Facade from the boot private key (32-byte P-256
// scalar) and a concatenated table of root public keys (N*64 bytes,
// raw X||Y per entry, matching the on-flash IMAGE_EPUBKEY encoding).
func NewFacade(bootPrivKey []byte, rootPubKeyTable []byte) (*Facade, error) {
	priv, err := ecdh.P256().NewPrivateKey(bootPrivKey)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "crypto: invalid boot private key")
	}
	if len(rootPubKeyTable)%PublicKeyBytes != 0 {
		return nil, bootutil.NewBootError("crypto: root key table not a multiple of 64 bytes")
	}
	f := &Facade{bootPriv: priv}
	for off := 0; off < len(rootPubKeyTable); off += PublicKeyBytes {
		f.rootPubKeys = append(f.rootPubKeys, rootPubKeyTable[off:off+PublicKeyBytes])
	}
	return f, nil
}

// Sha256Flash streams SHA-256 over [off, off+length) on dev. It handles
// unaligned offsets by down-aligning the first read to the device's
// write-block size and dropping the overhang bytes from what's actually
// fed to the hash, exactly as zb_hash_flash does so the same buffer size
// works regardless of device write-block granularity.
func Sha256Flash(dev flash.Device, off int64, length int) ([32]byte, error) {
	var out [32]byte
	h := sha256.New()
	if err := streamFlash(dev, off, length, func(b []byte) {
		h.Write(b)
	}); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Crc32Flash streams CRC-32/IEEE over [off, off+length) on dev, using the
// same alignment rule as Sha256Flash.
func Crc32Flash(dev flash.Device, off int64, length int) (uint32, error) {
	var crc uint32
	if err := streamFlash(dev, off, length, func(b []byte) {
		crc = crc32.Update(crc, crc32.IEEETable, b)
	}); err != nil {
		return 0, err
	}
	return crc, nil
}

func streamFlash(dev flash.Device, off int64, length int, feed func([]byte)) error {
	start := flash.AlignDown(dev, off)
	jump := int(off - start)
	remaining := length + jump
	buf := make([]byte, HashFlashBufferBytes)

	for remaining > 0 {
		bufLen := HashFlashBufferBytes
		if bufLen > remaining {
			bufLen = remaining
		}
		if err := flash.Read(dev, start, buf[:bufLen]); err != nil {
			return err
		}
		feed(buf[jump:bufLen])
		start += int64(bufLen)
		remaining -= bufLen
		jump = 0
	}
	return nil
}

// ctrIncrement advances the 16-byte big-endian counter by one block:
// byte 15 (the low-order byte) is incremented first, and a carry
// propagates toward byte 0, matching the source's backward byte loop
// exactly so ciphertexts produced against it still decrypt.
func ctrIncrement(ctr *[16]byte) {
	for i := 15; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			break
		}
	}
}

// AesCtr XORs buf in place with the AES-128-CTR keystream starting from
// ctr, advancing ctr one block at a time. On return ctr holds the state
// after the last consumed block, so callers can resume a stream across
// multiple calls (the swap engine processes a sector in several 512-byte
// chunks against the same logical counter).
func AesCtr(buf []byte, ctr *[16]byte, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return bootutil.ChildBootError(err, "crypto: aes key schedule failed")
	}
	var stream [16]byte
	for i := 0; i < len(buf); i++ {
		blkOff := i & 15
		if blkOff == 0 {
			block.Encrypt(stream[:], ctr[:])
			ctrIncrement(ctr)
		}
		buf[i] ^= stream[blkOff]
	}
	return nil
}

// EcdsaVerify walks the root public key table and returns success (nil)
// for the first key under which signature is a valid ECDSA-P256
// signature over hash. It returns an error only once every key has been
// tried and failed, matching zb_sign_verify's "any root key will do"
// policy.
func (f *Facade) EcdsaVerify(hash [32]byte, signature [SignatureBytes]byte) error {
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])

	for _, raw := range f.rootPubKeys {
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(raw[:32]),
			Y:     new(big.Int).SetBytes(raw[32:]),
		}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			continue
		}
		if ecdsa.Verify(pub, hash[:], r, s) {
			return nil
		}
	}
	return bootutil.NewBootError("crypto: signature not valid under any root key")
}

// DeriveContentKey performs ECDH-P256 between the bootloader's private
// key and ephemeralPub, then applies KDF1(SHA-256) over
// shared_secret‖0x00000000 and truncates to the first 16 bytes, matching
// zb_get_encr_key. It rejects an invalid or off-curve ephemeralPub.
func (f *Facade) DeriveContentKey(ephemeralPub [PublicKeyBytes]byte) ([ContentKeyBytes]byte, error) {
	var key [ContentKeyBytes]byte

	sec1 := make([]byte, 1+PublicKeyBytes)
	sec1[0] = 0x04
	copy(sec1[1:], ephemeralPub[:])

	pub, err := ecdh.P256().NewPublicKey(sec1)
	if err != nil {
		return key, bootutil.ChildBootError(err, "crypto: invalid ephemeral public key")
	}

	secret, err := f.bootPriv.ECDH(pub)
	if err != nil {
		return key, bootutil.ChildBootError(err, "crypto: ecdh failed")
	}
	defer zero(secret)

	h := sha256.New()
	h.Write(secret)
	h.Write([]byte{0x00, 0x00, 0x00, 0x00})
	digest := h.Sum(nil)
	defer zero(digest)

	copy(key[:], digest[:ContentKeyBytes])
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Cmd is the 4-byte on-flash command record (§3.5). It is declared here,
// next to the CRC-8 routines that seal/verify it, rather than in the
// journal package, to keep the wire-format/seal pairing obvious.
type Cmd struct {
	Cmd1 uint8
	Cmd2 uint8
	Cmd3 uint8
	Crc8 uint8
}

// crc8Ccitt implements CRC-8/CCITT (polynomial 0x07, MSB-first, no
// reflection, no final XOR) the way Zephyr's crc8_ccitt does, which the
// original bootloader relies on bit-exactly for its command log.
func crc8Ccitt(seed uint8, data []byte) uint8 {
	val := seed
	for _, b := range data {
		val ^= b
		for i := 0; i < 8; i++ {
			if val&0x80 != 0 {
				val = (val << 1) ^ 0x07
			} else {
				val <<= 1
			}
		}
	}
	return val
}

// Seal computes the CRC-8 over cmd's first three bytes and stores it in
// cmd.Crc8, preparing the record to be written to flash.
func Seal(cmd *Cmd) {
	cmd.Crc8 = crc8Ccitt(0xFF, []byte{cmd.Cmd1, cmd.Cmd2, cmd.Cmd3})
}

// Verify reports whether cmd's stored CRC-8 matches its payload. Unlike
// the original zb_cmd_crc8 (which both verified and overwrote the field
// in one call), Seal and Verify are split per design note §9 so callers
// can't accidentally destroy a record's CRC while trying to check it.
func Verify(cmd Cmd) bool {
	return crc8Ccitt(0xFF, []byte{cmd.Cmd1, cmd.Cmd2, cmd.Cmd3}) == cmd.Crc8
}
