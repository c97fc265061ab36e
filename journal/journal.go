// Package journal implements the append-only command log and parameter
// record that make the swap engine resumable after a reset (spec
// component 4.E). It is grounded on the command-log scan/append/erase
// routines in zb_flash.c and on the record layouts in zb_flash.h from
// the original ZEPboot bootloader; there is no teacher analogue for an
// append-only log, so the scan/seal/verify shape follows the C source
// directly rather than a Go library.
package journal

import (
	"encoding/binary"

	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
)

// Cmd1 flag bits (§3.5).
const (
	Cmd1SwpPerm    uint8 = 0x01
	Cmd1SwpRequest uint8 = 0x10
	Cmd1Bt0Request uint8 = 0x20
	Cmd1Error      uint8 = 0x80
)

// Cmd2 carries the swap phase in its low bits and the in-place flag in
// its high bits.
const (
	Cmd2InPlace uint8 = 0x20

	PhaseSwpStart uint8 = 0x10
	PhaseMoveUp   uint8 = 0x12
	PhaseSwpP1    uint8 = 0x14
	PhaseSwpP2    uint8 = 0x16
	PhaseSwpP3    uint8 = 0x18
	PhaseSwpP4    uint8 = 0x19
	PhaseSwpEnd   uint8 = 0x1F
)

// Phase extracts the phase value from cmd.Cmd2, masking off the
// in-place flag.
func Phase(cmd crypto.Cmd) uint8 {
	return cmd.Cmd2 &^ Cmd2InPlace
}

// InPlace reports whether cmd.Cmd2 carries the in-place flag.
func InPlace(cmd crypto.Cmd) bool {
	return cmd.Cmd2&Cmd2InPlace != 0
}

// ValidPhase reports whether p falls in the inclusive/exclusive range
// [PhaseSwpStart, PhaseSwpEnd), the same bound the original bootloader
// uses to recognize a resumable in-progress swap versus a completed or
// uninitialized one.
func ValidPhase(p uint8) bool {
	return p >= PhaseSwpStart && p < PhaseSwpEnd
}

// recordStep is the on-flash stride between successive command records:
// 4 logical bytes rounded up to the device's write-block size, since
// NOR write granularity can exceed the record size.
func recordStep(dev flash.Device) int {
	return flash.AlignUp(dev, 4)
}

// empty reports whether raw (a write-block-sized slice) is entirely
// 0xFF, the erased-flash sentinel marking "never written".
func empty(raw []byte) bool {
	for _, b := range raw {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func decode(raw []byte) crypto.Cmd {
	return crypto.Cmd{Cmd1: raw[0], Cmd2: raw[1], Cmd3: raw[2], Crc8: raw[3]}
}

func encode(cmd crypto.Cmd) []byte {
	return []byte{cmd.Cmd1, cmd.Cmd2, cmd.Cmd3, cmd.Crc8}
}

// Log is an append-only command record region: the swpstat area, or the
// tail command log embedded after the parameter record at the end of
// slot 0 or slot 1.
type Log struct {
	Region flash.Region
}

// ErrNotFound is returned by ReadLast when the log holds no valid
// record (freshly erased, or every record so far has a bad CRC).
var ErrNotFound = bootutil.NewBootError("journal: no valid command record found")

// ReadLast scans the log from its start and returns the last record with
// a valid CRC-8 seal that precedes the first empty (erased) slot. It
// stops at the first empty slot rather than scanning the whole region,
// matching the append-only invariant: once a slot is skipped over as
// empty, nothing legitimate is ever written past it without an erase.
func (l Log) ReadLast() (crypto.Cmd, error) {
	dev := l.Region.Device
	step := recordStep(dev)
	raw := make([]byte, step)

	var last crypto.Cmd
	found := false

	for off := l.Region.Offset; off < l.Region.End(); off += int64(step) {
		if err := flash.Read(dev, off, raw); err != nil {
			return crypto.Cmd{}, err
		}
		if empty(raw) {
			break
		}
		cmd := decode(raw)
		if crypto.Verify(cmd) {
			last = cmd
			found = true
		}
	}
	if !found {
		return crypto.Cmd{}, ErrNotFound
	}
	return last, nil
}

// Append seals cmd and writes it to the first empty slot in the log. It
// returns an error if the log has no room left, which the swap engine
// treats as fatal since a full log means more phase transitions are
// needed than the region was provisioned for.
func (l Log) Append(cmd crypto.Cmd) error {
	dev := l.Region.Device
	step := recordStep(dev)
	raw := make([]byte, step)

	crypto.Seal(&cmd)

	for off := l.Region.Offset; off < l.Region.End(); off += int64(step) {
		if err := flash.Read(dev, off, raw); err != nil {
			return err
		}
		if empty(raw) {
			return flash.Write(dev, off, encode(cmd))
		}
	}
	return bootutil.NewBootError("journal: command log full")
}

// Erase resets the whole log region to the erased (0xFF) state. The boot
// dispatcher erases the swap-progress log this way before it starts a
// new swap, so each swap begins with an empty log.
func (l Log) Erase() error {
	return flash.Erase(l.Region.Device, l.Region.Offset, int(l.Region.Size))
}

// Param is the fixed-layout parameter record stored at the start of
// slot 0's reserved trailer, ahead of its command log (§3.4): the
// primary and secondary load addresses and the CRC32/version bookkeeping used
// for the primary/secondary boot gate and anti-rollback checks.
type Param struct {
	PriLoadAddress uint32
	SecLoadAddress uint32
	Slt0Crc32      uint32
	Slt1Crc32      uint32
	Slt0Version    uint32
	Slt1Version    uint32
}

// ParamSize is the on-flash size of a Param record: six little-endian
// uint32 fields.
const ParamSize = 6 * 4

// ReadParam reads and decodes the parameter record at off.
func ReadParam(dev flash.Device, off int64) (Param, error) {
	var p Param
	raw := make([]byte, ParamSize)
	if err := flash.Read(dev, off, raw); err != nil {
		return p, err
	}
	p.PriLoadAddress = binary.LittleEndian.Uint32(raw[0:4])
	p.SecLoadAddress = binary.LittleEndian.Uint32(raw[4:8])
	p.Slt0Crc32 = binary.LittleEndian.Uint32(raw[8:12])
	p.Slt1Crc32 = binary.LittleEndian.Uint32(raw[12:16])
	p.Slt0Version = binary.LittleEndian.Uint32(raw[16:20])
	p.Slt1Version = binary.LittleEndian.Uint32(raw[20:24])
	return p, nil
}

// WriteParam encodes and writes p at off. Callers must erase the
// surrounding block first; WriteParam does not erase since it shares
// the block with the command log that follows it.
func WriteParam(dev flash.Device, off int64, p Param) error {
	raw := make([]byte, ParamSize)
	binary.LittleEndian.PutUint32(raw[0:4], p.PriLoadAddress)
	binary.LittleEndian.PutUint32(raw[4:8], p.SecLoadAddress)
	binary.LittleEndian.PutUint32(raw[8:12], p.Slt0Crc32)
	binary.LittleEndian.PutUint32(raw[12:16], p.Slt1Crc32)
	binary.LittleEndian.PutUint32(raw[16:20], p.Slt0Version)
	binary.LittleEndian.PutUint32(raw[20:24], p.Slt1Version)
	return flash.Write(dev, off, raw)
}
