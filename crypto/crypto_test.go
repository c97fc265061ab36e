package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/Laczen/ZEPboot/simflash"
)

func mustBootKey(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate boot key: %v", err)
	}
	return priv
}

func rawPub(pub *ecdh.PublicKey) [PublicKeyBytes]byte {
	var out [PublicKeyBytes]byte
	b := pub.Bytes() // 0x04 || X || Y
	copy(out[:], b[1:])
	return out
}

func TestDeriveContentKeyMatchesPeer(t *testing.T) {
	bootPriv := mustBootKey(t)
	bootPrivBytes := bootPriv.Bytes()

	f, err := NewFacade(bootPrivBytes, nil)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}

	ephPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ephemeral key: %v", err)
	}

	key, err := f.DeriveContentKey(rawPub(ephPriv.PublicKey()))
	if err != nil {
		t.Fatalf("DeriveContentKey: %v", err)
	}

	secret, err := ephPriv.ECDH(bootPriv.PublicKey())
	if err != nil {
		t.Fatalf("peer ecdh: %v", err)
	}
	h := sha256.New()
	h.Write(secret)
	h.Write([]byte{0, 0, 0, 0})
	want := h.Sum(nil)[:ContentKeyBytes]

	if !bytes.Equal(key[:], want) {
		t.Fatalf("content key mismatch: got %x want %x", key, want)
	}
}

func TestDeriveContentKeyRejectsInvalidPoint(t *testing.T) {
	f, err := NewFacade(mustBootKey(t).Bytes(), nil)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	var garbage [PublicKeyBytes]byte
	for i := range garbage {
		garbage[i] = 0xAA
	}
	if _, err := f.DeriveContentKey(garbage); err == nil {
		t.Fatal("expected error for off-curve ephemeral key")
	}
}

func TestAesCtrRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	plain := make([]byte, 512)
	for i := range plain {
		plain[i] = byte(i)
	}

	var ctr [16]byte
	cipherText := append([]byte(nil), plain...)
	if err := AesCtr(cipherText, &ctr, key); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ctr = [16]byte{}
	decoded := append([]byte(nil), cipherText...)
	if err := AesCtr(decoded, &ctr, key); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decoded, plain) {
		t.Fatal("AES-CTR round trip did not recover plaintext")
	}
}

func TestAesCtrChunkedMatchesSinglePass(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	plain := make([]byte, 1024)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	var ctrWhole [16]byte
	whole := append([]byte(nil), plain...)
	if err := AesCtr(whole, &ctrWhole, key); err != nil {
		t.Fatalf("whole: %v", err)
	}

	var ctrChunked [16]byte
	chunked := append([]byte(nil), plain...)
	if err := AesCtr(chunked[:512], &ctrChunked, key); err != nil {
		t.Fatalf("chunk1: %v", err)
	}
	if err := AesCtr(chunked[512:], &ctrChunked, key); err != nil {
		t.Fatalf("chunk2: %v", err)
	}

	if !bytes.Equal(whole, chunked) {
		t.Fatal("chunked AES-CTR diverged from single-pass encryption")
	}
}

func TestCtrIncrementCarries(t *testing.T) {
	ctr := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF}
	ctrIncrement(&ctr)
	want := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	if ctr != want {
		t.Fatalf("carry propagation wrong: got % x want % x", ctr, want)
	}
}

func TestEcdsaVerify(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	hash := sha256.Sum256([]byte("image bytes"))
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var sig [SignatureBytes]byte
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)

	table := make([]byte, PublicKeyBytes)
	xb := priv.PublicKey.X.Bytes()
	yb := priv.PublicKey.Y.Bytes()
	copy(table[32-len(xb):32], xb)
	copy(table[64-len(yb):64], yb)

	f, err := NewFacade(mustBootKey(t).Bytes(), table)
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	if err := f.EcdsaVerify(hash, sig); err != nil {
		t.Fatalf("EcdsaVerify: %v", err)
	}

	hash[0] ^= 0xFF
	if err := f.EcdsaVerify(hash, sig); err == nil {
		t.Fatal("expected verification failure on tampered hash")
	}
}

func TestSealVerifyRoundTrip(t *testing.T) {
	cmd := Cmd{Cmd1: 0x11, Cmd2: 0x14, Cmd3: 3}
	Seal(&cmd)
	if !Verify(cmd) {
		t.Fatal("sealed command should verify")
	}
	cmd.Cmd3 = 4
	if Verify(cmd) {
		t.Fatal("mutated command should not verify")
	}
}

func TestSha256FlashAndCrc32FlashHandleUnalignedOffset(t *testing.T) {
	dev := simflash.New("sim0", 4096, 8)
	payload := bytes.Repeat([]byte{0x5A}, 100)
	if err := dev.Write(20, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Sha256Flash(dev, 20, len(payload))
	if err != nil {
		t.Fatalf("Sha256Flash: %v", err)
	}
	want := sha256.Sum256(payload)
	if got != want {
		t.Fatalf("sha256 mismatch: got %x want %x", got, want)
	}

	crc, err := Crc32Flash(dev, 20, len(payload))
	if err != nil {
		t.Fatalf("Crc32Flash: %v", err)
	}
	if crc == 0 {
		t.Fatal("expected nonzero crc32 for nonzero payload")
	}
}
