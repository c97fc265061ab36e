// Package imagebuild assembles valid signed (and optionally encrypted)
// TLV images for tests and the zepboot-sim command, playing the role a
// real signing toolchain plays in production but entirely in-process
// since the bootloader itself never builds images, only verifies them.
// It is grounded on apache-mynewt-newt's artifact/image.ImageCreator/
// BuildSigTlvs/GenerateImage, which assembles a structurally similar
// signed-trailer image for Mynewt's own build pipeline.
package imagebuild

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/image"
	"github.com/Laczen/ZEPboot/tlv"
)

// Spec describes the image to build: its payload, target slot address,
// version and optional RAM-load destination. Encrypt, when non-nil, is
// the bootloader's ECDH public key to encrypt the payload against; the
// builder generates a fresh ephemeral key pair per image, matching how
// a real signing step would never reuse an ephemeral key across images.
type Spec struct {
	Payload     []byte
	SlotOffset  int64
	LoadAddress uint32
	Version     image.Version
	Type        uint8
	Encrypt     *ecdh.PublicKey
}

// Result is a built image ready to be written to flash: the TLV header
// plus entries (Header), and the image payload (Payload), which is
// ciphertext when Spec.Encrypt was set.
type Result struct {
	Header  []byte
	Payload []byte
}

// Build signs spec's payload under priv and returns the header+payload
// pair ready to be written at spec.SlotOffset.
func Build(spec Spec, priv *ecdsa.PrivateKey) (*Result, error) {
	payload := append([]byte(nil), spec.Payload...)

	infoEntry := make([]byte, 2+20)
	infoEntry[0] = tlv.EntryImageInfo
	infoEntry[1] = 20

	typeEntry := []byte{tlv.EntryImageType, 1, spec.Type}

	body := append(append([]byte(nil), typeEntry...), infoEntry...)

	var ephPriv *ecdh.PrivateKey
	var pubEntry []byte
	if spec.Encrypt != nil {
		var err error
		ephPriv, err = ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, bootutil.ChildBootError(err, "imagebuild: generating ephemeral key")
		}
		ephPub := ephPriv.PublicKey().Bytes() // 0x04 || X || Y
		pubEntry = append([]byte{tlv.EntryImageEpubKey, crypto.PublicKeyBytes}, ephPub[1:]...)
		body = append(body, pubEntry...)
	}

	hashEntry := make([]byte, 2+32)
	hashEntry[0] = tlv.EntryImageHash
	hashEntry[1] = 32
	payloadHash := sha256.Sum256(payload)
	copy(hashEntry[2:], payloadHash[:])
	body = append(body, hashEntry...)

	totalSize := tlv.HeaderSize + len(body)
	if totalSize < tlv.MinTotalSize {
		totalSize = tlv.MinTotalSize
	}
	// The payload follows the TLV area directly, so its start relative to
	// the header is totalSize.
	infoOff := len(typeEntry) + 2
	binary.LittleEndian.PutUint32(body[infoOff:infoOff+4], uint32(totalSize))
	binary.LittleEndian.PutUint32(body[infoOff+4:infoOff+8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(body[infoOff+8:infoOff+12], spec.LoadAddress)
	body[infoOff+12] = spec.Version.Major
	body[infoOff+13] = spec.Version.Minor
	binary.LittleEndian.PutUint16(body[infoOff+14:infoOff+16], spec.Version.Revision)
	binary.LittleEndian.PutUint32(body[infoOff+16:infoOff+20], spec.Version.Build)

	// §4.C requires 256 <= total_size <= 1024; pad the signed region out
	// to totalSize with erased 0xFF bytes when the entries alone are
	// smaller than that floor.
	if pad := totalSize - tlv.HeaderSize - len(body); pad > 0 {
		padding := make([]byte, pad)
		for i := range padding {
			padding[i] = 0xFF
		}
		body = append(body, padding...)
	}

	if spec.Encrypt != nil {
		secret, err := ephPriv.ECDH(spec.Encrypt)
		if err != nil {
			return nil, bootutil.ChildBootError(err, "imagebuild: ecdh failed")
		}
		h := sha256.New()
		h.Write(secret)
		h.Write([]byte{0, 0, 0, 0})
		key := h.Sum(nil)[:crypto.ContentKeyBytes]

		var ctr [16]byte
		if err := crypto.AesCtr(payload, &ctr, key); err != nil {
			return nil, err
		}
		// IMAGE_HASH covers the bytes as stored on flash: the ciphertext.
		cipherHash := sha256.Sum256(payload)
		hashOff := len(typeEntry) + len(infoEntry) + len(pubEntry) + 2
		copy(body[hashOff:hashOff+32], cipherHash[:])
	}

	hash := sha256.Sum256(body)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, bootutil.ChildBootError(err, "imagebuild: signing failed")
	}
	var sig [tlv.SignatureBytes]byte
	rb, sb := r.Bytes(), s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)

	hdr := make([]byte, tlv.HeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], tlv.Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(totalSize))
	hdr[6] = tlv.AreaTypeImage
	hdr[7] = tlv.SigTypeEcdsaP256
	copy(hdr[8:], sig[:])

	return &Result{Header: append(hdr, body...), Payload: payload}, nil
}

// Write assembles and writes spec to dev at spec.SlotOffset, erasing
// neither the header nor payload region first; callers are expected to
// have erased the target slot already, mirroring how the bootloader
// never erases a slot it didn't itself just finish swapping.
func Write(dev flash.Device, spec Spec, priv *ecdsa.PrivateKey) error {
	result, err := Build(spec, priv)
	if err != nil {
		return err
	}
	if err := flash.Write(dev, spec.SlotOffset, result.Header); err != nil {
		return err
	}
	payloadOff := spec.SlotOffset + int64(len(result.Header))
	return flash.Write(dev, payloadOff, result.Payload)
}
