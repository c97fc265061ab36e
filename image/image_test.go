package image

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/simflash"
	"github.com/Laczen/ZEPboot/tlv"
)

func writeImageInfoEntry(start, size, loadAddr uint32, version Version) []byte {
	e := make([]byte, 2+20)
	e[0] = tlv.EntryImageInfo
	e[1] = 20
	binary.LittleEndian.PutUint32(e[2:6], start)
	binary.LittleEndian.PutUint32(e[6:10], size)
	binary.LittleEndian.PutUint32(e[10:14], loadAddr)
	e[14] = version.Major
	e[15] = version.Minor
	binary.LittleEndian.PutUint16(e[16:18], version.Revision)
	binary.LittleEndian.PutUint32(e[18:22], version.Build)
	return e
}

func writeImageHashEntry(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	e := make([]byte, 2+32)
	e[0] = tlv.EntryImageHash
	e[1] = 32
	copy(e[2:], sum[:])
	return e
}

func buildSignedImage(t *testing.T, dev *simflash.Device, hdrStart int64, priv *ecdsa.PrivateKey, payloadSize int, version Version) [crypto.PublicKeyBytes]byte {
	t.Helper()

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	body := append([]byte{tlv.EntryImageType, 1, TypeNormal}, writeImageInfoEntry(0, uint32(payloadSize), 0, version)...)
	body = append(body, writeImageHashEntry(payload)...)
	totalSize := tlv.HeaderSize + len(body)
	if totalSize < tlv.MinTotalSize {
		totalSize = tlv.MinTotalSize
	}
	start := hdrStart + int64(totalSize)

	// patch the IMAGE_INFO start field now that totalSize is known
	binary.LittleEndian.PutUint32(body[2+1+2:2+1+2+4], uint32(start))

	if pad := totalSize - tlv.HeaderSize - len(body); pad > 0 {
		padding := make([]byte, pad)
		for i := range padding {
			padding[i] = 0xFF
		}
		body = append(body, padding...)
	}

	hash := sha256.Sum256(body)
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
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

	if err := dev.Write(hdrStart, append(hdr, body...)); err != nil {
		t.Fatalf("write header+body: %v", err)
	}
	if err := dev.Write(start, payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	var pub [crypto.PublicKeyBytes]byte
	xb, yb := priv.PublicKey.X.Bytes(), priv.PublicKey.Y.Bytes()
	copy(pub[32-len(xb):32], xb)
	copy(pub[64-len(yb):64], yb)
	return pub
}

func TestGetInfoWSCResolvesFields(t *testing.T) {
	dev := simflash.New("sim0", 8192, 8)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	version := Version{Major: 1, Minor: 2, Revision: 3}
	pub := buildSignedImage(t, dev, 0, priv, 256, version)

	bootPriv, _ := ecdh.P256().GenerateKey(rand.Reader)
	f, err := crypto.NewFacade(bootPriv.Bytes(), pub[:])
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	info, err := GetInfoWSC(dev, 0, f, true)
	if err != nil {
		t.Fatalf("GetInfoWSC: %v", err)
	}
	if !info.Signed {
		t.Fatal("expected Signed to be true")
	}
	if info.Version != version {
		t.Fatalf("version mismatch: got %+v want %+v", info.Version, version)
	}
	if info.End-info.Start != 256 {
		t.Fatalf("size mismatch: got %d want 256", info.End-info.Start)
	}
	if info.Type != TypeNormal {
		t.Fatalf("type mismatch: got %d want %d", info.Type, TypeNormal)
	}
}

func TestImgCheckRejectsOutOfBoundsAndDowngrade(t *testing.T) {
	dev := simflash.New("sim0", 8192, 8)
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	version := Version{Major: 1, Minor: 0, Revision: 0}
	pub := buildSignedImage(t, dev, 0, priv, 4096, version)

	bootPriv, _ := ecdh.P256().GenerateKey(rand.Reader)
	f, _ := crypto.NewFacade(bootPriv.Bytes(), pub[:])

	info, err := GetInfoWSC(dev, 0, f, true)
	if err != nil {
		t.Fatalf("GetInfoWSC: %v", err)
	}

	tooSmall := flash.Region{Device: dev, Offset: 0, Size: 128}
	if err := ImgCheck(info, tooSmall, nil); err == nil {
		t.Fatal("expected out-of-bounds rejection")
	}

	fits := flash.Region{Device: dev, Offset: 0, Size: 8192}
	newer := Version{Major: 2, Minor: 0, Revision: 0}
	if err := ImgCheck(info, fits, &newer); err == nil {
		t.Fatal("expected downgrade rejection")
	}
	older := Version{Major: 0, Minor: 1, Revision: 0}
	if err := ImgCheck(info, fits, &older); err != nil {
		t.Fatalf("expected upgrade to be accepted, got %v", err)
	}
}
