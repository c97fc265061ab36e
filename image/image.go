// Package image builds the resolved, in-memory image descriptor the
// swap engine and boot dispatcher operate on (spec component 4.D): the
// TLV area is opened and walked once, and the scattered TLV entries are
// collapsed into a single struct with absolute flash addresses. It is
// grounded on zb_image.c/zb_image.h from the original ZEPboot bootloader
// and on the header-parsing half of apache-mynewt-newt's
// artifact/image.Image, which plays the same "parse once, hand callers a
// struct" role for Mynewt's image format.
package image

import (
	"encoding/binary"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/tlv"
)

// Type values carried by the IMAGE_TYPE TLV entry.
const (
	TypeNormal  uint8 = 0x01 // flash-resident, executed in place
	TypeRAMLoad uint8 = 0x02 // copied to SRAM before execution
)

// Info is the resolved descriptor for one slot's image: everything a
// caller needs to move, decrypt, hash-check or jump to the image,
// without re-walking its TLV header.
type Info struct {
	Device      flash.Device
	HdrStart    int64 // offset of the TLV area (magic, size, signature, entries)
	Start       int64 // offset of the first image byte after the header
	EncStart    int64 // offset where AES-CTR decryption begins; equals End when unencrypted
	End         int64 // offset one past the last image byte
	LoadAddress int64 // SRAM destination for TypeRAMLoad images
	Version     Version
	Type        uint8
	ImageHash   [32]byte
	HasHash     bool
	EncKey      [crypto.ContentKeyBytes]byte
	HasEncKey   bool
	Signed      bool // true once the TLV signature has been verified
}

// imageInfoEntry is the on-flash layout of an EntryImageInfo TLV value:
// start/size/load_address as little-endian uint32, followed by the
// version sub-structure {major:u8, minor:u8, revision:u16, build:u32}.
const imageInfoEntrySize = 20

type imageInfoEntry struct {
	Start       uint32
	Size        uint32
	LoadAddress uint32
	Version     Version
}

func parseImageInfoEntry(v []byte) (imageInfoEntry, error) {
	var e imageInfoEntry
	if len(v) != imageInfoEntrySize {
		return e, bootutil.FmtBootError("image: IMAGE_INFO entry wrong length %d", len(v))
	}
	e.Start = binary.LittleEndian.Uint32(v[0:4])
	e.Size = binary.LittleEndian.Uint32(v[4:8])
	e.LoadAddress = binary.LittleEndian.Uint32(v[8:12])
	e.Version = Version{
		Major:    v[12],
		Minor:    v[13],
		Revision: binary.LittleEndian.Uint16(v[14:16]),
		Build:    binary.LittleEndian.Uint32(v[16:20]),
	}
	return e, nil
}

// GetInfoWSC ("with signature check") opens the TLV area at hdrStart,
// verifies its signature under f, and on success walks its entries into
// a resolved Info. Use this for any image about to be trusted: moved
// into slot 0, decrypted or jumped into. validateBody additionally
// requires the IMAGE_HASH TLV to match a fresh SHA-256 over the image
// body, as img_check requires for a candidate slot-1 image.
func GetInfoWSC(dev flash.Device, hdrStart int64, f *crypto.Facade, validateBody bool) (*Info, error) {
	return getInfo(dev, hdrStart, f, true, validateBody)
}

// GetInfoNSC ("no signature check") parses the header without verifying
// its signature. It exists for callers that only need bookkeeping
// fields (e.g. reading the version of an image already proven valid on
// a prior boot, recorded in the parameter record) and would otherwise
// pay a redundant ECDSA verification on every boot.
func GetInfoNSC(dev flash.Device, hdrStart int64, validateBody bool) (*Info, error) {
	return getInfo(dev, hdrStart, nil, false, validateBody)
}

// GetInfo dispatches to GetInfoWSC or GetInfoNSC depending on checkSig,
// matching the spec's naming for the general entry point alongside its
// two named variants.
func GetInfo(dev flash.Device, hdrStart int64, f *crypto.Facade, checkSig, validateBody bool) (*Info, error) {
	return getInfo(dev, hdrStart, f, checkSig, validateBody)
}

func getInfo(dev flash.Device, hdrStart int64, f *crypto.Facade, checkSig, validateBody bool) (*Info, error) {
	area, err := tlv.OpenTLVArea(dev, hdrStart)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Device:   dev,
		HdrStart: hdrStart,
		Start:    hdrStart + int64(area.TotalSize),
	}

	if checkSig {
		if f == nil {
			return nil, bootutil.NewBootError("image: signature check requested with nil facade")
		}
		if err := area.VerifySignature(f); err != nil {
			return nil, err
		}
		info.Signed = true
	}

	var haveImageInfo bool
	var ephemeralPub [crypto.PublicKeyBytes]byte
	var haveEphemeralPub bool

	err = area.StepTLV(func(e tlv.Entry) error {
		switch e.Type {
		case tlv.EntryImageType:
			if e.Length != 1 {
				return bootutil.FmtBootError("image: IMAGE_TYPE wrong length %d", e.Length)
			}
			info.Type = e.Value[0]
		case tlv.EntryImageInfo:
			parsed, err := parseImageInfoEntry(e.Value)
			if err != nil {
				return err
			}
			info.End = info.Start + int64(parsed.Size)
			info.LoadAddress = int64(parsed.LoadAddress)
			info.Version = parsed.Version
			haveImageInfo = true
		case tlv.EntryImageHash:
			if e.Length != 32 {
				return bootutil.FmtBootError("image: IMAGE_HASH wrong length %d", e.Length)
			}
			copy(info.ImageHash[:], e.Value)
			info.HasHash = true
		case tlv.EntryImageEpubKey:
			if e.Length != crypto.PublicKeyBytes {
				return bootutil.FmtBootError("image: IMAGE_EPUBKEY wrong length %d", e.Length)
			}
			copy(ephemeralPub[:], e.Value)
			haveEphemeralPub = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !haveImageInfo {
		return nil, bootutil.NewBootError("image: missing IMAGE_INFO entry")
	}
	if !info.HasHash {
		return nil, bootutil.NewBootError("image: missing IMAGE_HASH entry")
	}

	if validateBody {
		gotHash, err := crypto.Sha256Flash(dev, info.Start, int(info.End-info.Start))
		if err != nil {
			return nil, err
		}
		if gotHash != info.ImageHash {
			return nil, bootutil.NewBootError("image: body hash mismatch")
		}
	}

	info.EncStart = info.End
	if haveEphemeralPub {
		info.EncStart = info.Start
		if f == nil {
			return nil, bootutil.NewBootError("image: encrypted image requires a facade to derive its content key")
		}
		key, err := f.DeriveContentKey(ephemeralPub)
		if err != nil {
			return nil, err
		}
		info.EncKey = key
		info.HasEncKey = true
	}

	return info, nil
}

// CalcCRC32 computes the CRC-32/IEEE checksum over the image's payload
// bytes [Start, End), the same range the parameter record's per-slot
// CRC32 field covers.
func (info *Info) CalcCRC32() (uint32, error) {
	return crypto.Crc32Flash(info.Device, info.Start, int(info.End-info.Start))
}

// ImgVersionU32 packs v the way the parameter record stores a slot's
// version, named to match the spec's image-info-builder operation list.
func ImgVersionU32(v Version) uint32 {
	return v.U32()
}

// ImgCheck validates a freshly-parsed Info against the slot region it is
// about to occupy and, when storedVersion is non-nil, enforces
// anti-rollback: an incoming image strictly older than the slot's
// currently recorded version is rejected. ImgCheck itself only checks
// slot fit and version: it neither verifies the signature nor hashes the
// body, so those checks have run only if the caller obtained info via
// GetInfoWSC/GetInfo with the corresponding flags set.
func ImgCheck(info *Info, slot flash.Region, storedVersion *Version) error {
	if info.Start < slot.Offset || info.End > slot.End() {
		return bootutil.FmtBootError("image: image [0x%x,0x%x) does not fit in slot [0x%x,0x%x)",
			info.Start, info.End, slot.Offset, slot.End())
	}
	if info.End <= info.Start {
		return bootutil.NewBootError("image: non-positive image size")
	}
	if storedVersion != nil && info.Version.Less(*storedVersion) {
		return bootutil.FmtBootError("image: version %+v older than stored version %+v", info.Version, *storedVersion)
	}
	return nil
}
