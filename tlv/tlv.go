// Package tlv implements the TLV area header and entry walker (spec
// component 4.C): opening a signed image header region and stepping
// through its type/length/value entries. It is grounded on zb_tlv.c/
// zb_tlv.h from the original ZEPboot bootloader and on the TLV
// reader/writer in apache-mynewt-newt's artifact/image package, which
// walks a structurally similar (if differently tagged) trailer format.
package tlv

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
)

// Magic identifies a valid TLV area header, the on-flash ASCII "TLVA"
// read as a little-endian uint32.
const Magic uint32 = 0x544c5641

// SignatureBytes is the size of the header's embedded ECDSA-P256
// signature, preceding the TLV entry stream.
const SignatureBytes = crypto.SignatureBytes

// HeaderSize is the fixed, unsigned portion of the TLV header: magic(4)
// + total_size(2) + area_type(1) + sig_type(1) + signature(64).
const HeaderSize = 4 + 2 + 1 + 1 + SignatureBytes

const (
	// MinTotalSize and MaxTotalSize bound a TLV area's declared size,
	// matching zb_tlv.c's sanity check against implausible headers
	// read from erased or corrupted flash.
	MinTotalSize = 256
	MaxTotalSize = 1024
)

// Recognized entry types (§3.2).
const (
	EntryImageType   uint8 = 0x10 // 1 byte
	EntryImageInfo   uint8 = 0x20 // start, size, load_address, version
	EntryImageHash   uint8 = 0x30 // 32-byte SHA-256
	EntryImageEpubKey uint8 = 0x40 // 64-byte ECDH ephemeral public key
)

// AreaType values distinguish what the signature covers.
const (
	AreaTypeImage uint8 = 0x01
)

// SigType values select the signature algorithm in use. ZEPboot defines
// only ECDSA-P256 today; the field exists so a future bootloader build
// can add algorithms without changing the header layout.
const (
	SigTypeEcdsaP256 uint8 = 0x01
)

// Area is an opened, bounds-checked TLV region: the parsed header plus
// the raw entry bytes ready for StepTLV. Callers that need integrity
// verification call VerifySignature explicitly, keeping "read the
// header" and "trust the header" as separate steps per design note §9.
type Area struct {
	Offset     int64
	TotalSize  uint32
	AreaType   uint8
	SigType    uint8
	Signature  [SignatureBytes]byte
	body       []byte // the bytes covered by the signature: everything after it
}

// OpenTLVArea reads and validates the fixed header at off on dev. It
// does not verify the signature; call VerifySignature for that once the
// caller is ready to trust (or reject) the area's contents.
func OpenTLVArea(dev flash.Device, off int64) (*Area, error) {
	hdr := make([]byte, HeaderSize)
	if err := flash.Read(dev, off, hdr); err != nil {
		return nil, bootutil.ChildBootError(err, "tlv: header read failed at 0x%x", off)
	}

	magic := binary.LittleEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return nil, bootutil.FmtBootError("tlv: bad magic 0x%x at 0x%x", magic, off)
	}

	totalSize := uint32(binary.LittleEndian.Uint16(hdr[4:6]))
	if totalSize < MinTotalSize || totalSize > MaxTotalSize {
		return nil, bootutil.FmtBootError("tlv: implausible total_size %d at 0x%x", totalSize, off)
	}

	a := &Area{
		Offset:    off,
		TotalSize: totalSize,
		AreaType:  hdr[6],
		SigType:   hdr[7],
	}
	copy(a.Signature[:], hdr[8:8+SignatureBytes])

	bodyLen := int(totalSize) - HeaderSize
	if bodyLen < 0 {
		return nil, bootutil.FmtBootError("tlv: total_size %d smaller than header", totalSize)
	}
	a.body = make([]byte, bodyLen)
	if err := flash.Read(dev, off+HeaderSize, a.body); err != nil {
		return nil, bootutil.ChildBootError(err, "tlv: body read failed at 0x%x", off)
	}

	return a, nil
}

// VerifySignature checks the area's embedded signature over its body
// (the TLV entry stream, not the header fields that precede it) under
// the facade's root key table. Only SigTypeEcdsaP256 is supported; any
// other SigType is rejected rather than silently trusted.
func (a *Area) VerifySignature(f *crypto.Facade) error {
	if a.SigType != SigTypeEcdsaP256 {
		return bootutil.FmtBootError("tlv: unsupported sig_type %d", a.SigType)
	}
	hash := sha256.Sum256(a.body)
	return f.EcdsaVerify(hash, a.Signature)
}

// Entry is one decoded type/length/value record from an Area's body.
type Entry struct {
	Type   uint8
	Length uint8
	Value  []byte // a sub-slice of the Area's body; do not retain past reuse
}

// StepTLV iterates the area's entries front to back, stopping when the
// remaining bytes are exhausted or malformed. The original zb_tlv_step
// trusted the in-flash length field without a bounds check; this
// implementation resolves that open question by bounds-checking every
// entry and returning an error rather than reading past the body, per
// the design note recommending explicit (buffer, offset, length)
// triples over raw pointer walks.
func (a *Area) StepTLV(visit func(Entry) error) error {
	off := 0
	for off < len(a.body) {
		if off+2 > len(a.body) {
			return bootutil.NewBootError("tlv: truncated entry header")
		}
		t := a.body[off]
		if t == 0xFF {
			// total_size is padded up to a 256-1024 byte range (§4.C);
			// an erased 0xFF type byte marks the end of real entries
			// rather than the start of garbage.
			return nil
		}
		l := a.body[off+1]
		valStart := off + 2
		valEnd := valStart + int(l)
		if valEnd > len(a.body) {
			return bootutil.FmtBootError("tlv: entry type %d length %d exceeds area body", t, l)
		}
		if err := visit(Entry{Type: t, Length: l, Value: a.body[valStart:valEnd]}); err != nil {
			return err
		}
		off = valEnd
	}
	return nil
}
