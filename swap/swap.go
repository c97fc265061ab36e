// Package swap implements the fault-tolerant sector-by-sector image-swap
// state machine (spec component 4.F): exchanging slot 0 and slot 1's
// contents (or decrypting slot 1 in place) one sector at a time,
// recording each phase transition to a durable journal so a reset
// mid-swap resumes exactly where it left off instead of corrupting
// either slot. It is grounded on the phase enumeration and per-sector
// move routines in zb_move.c/zb_move.h from the original ZEPboot
// bootloader; there is no teacher analogue for a flash-resident state
// machine, so its phase/journal shape follows the C source's design
// directly, expressed with Go's explicit error returns and struct-based
// configuration in place of the original's global statics.
package swap

import (
	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/journal"
)

// Engine holds everything the state machine needs to drive a swap:
// the two image slots, the scratch sector used to shuttle one sector's
// worth of data between them, and the journal log recording progress.
// It is resolved once at slot-area construction (per design note §9,
// a FlashDevice/area's capabilities are never re-resolved mid-swap) and
// reused across an arbitrary number of Step calls.
type Engine struct {
	Slot0      flash.Region
	Slot1      flash.Region
	Scratch    flash.Region // one sector, erased and rewritten on every shuttle move
	SectorSize int
	Progress   journal.Log // durable {phase, sector} record; must not share an erase sector with Scratch
}

// NumSectors returns how many whole sectors Slot0 (equivalently Slot1)
// spans. The engine walks sectors top-down, from NumSectors()-1 to 0.
func (e Engine) NumSectors() int {
	return int(e.Slot0.Size) / e.SectorSize
}

// sectorOffset returns the absolute flash offset of sector i within
// region r.
func sectorOffset(r flash.Region, i, sectorSize int) int64 {
	return r.Offset + int64(i)*int64(sectorSize)
}

// Resume reports the phase and sector the engine should continue from,
// based on the last valid record in Progress. A nil error with
// ok == false means there is no swap in progress.
func (e Engine) Resume() (phase uint8, sector int, inPlace bool, ok bool, err error) {
	cmd, err := e.Progress.ReadLast()
	if err == journal.ErrNotFound {
		return 0, 0, false, false, nil
	}
	if err != nil {
		return 0, 0, false, false, err
	}
	p := journal.Phase(cmd)
	if !journal.ValidPhase(p) {
		return 0, 0, false, false, nil
	}
	return p, int(cmd.Cmd3), journal.InPlace(cmd), true, nil
}

func (e Engine) commit(phase uint8, sector int, inPlace bool) error {
	cmd2 := phase
	if inPlace {
		cmd2 |= journal.Cmd2InPlace
	}
	cmd := crypto.Cmd{Cmd1: journal.Cmd1SwpRequest, Cmd2: cmd2, Cmd3: uint8(sector)}
	return e.Progress.Append(cmd)
}

// Start begins a classic (two-slot exchange) swap from the top sector,
// recording the initial SwpStart marker. Callers normally reach this
// only when Resume reports ok == false; StartInPlace is its in-place
// counterpart.
func (e Engine) Start() error {
	return e.commit(journal.PhaseSwpStart, e.NumSectors()-1, false)
}

// StartInPlace begins an in-place decryption pass over Slot1 without
// copying anything into Slot0, leaving the image in Slot1 to be executed
// from there. Within this module only the swap tests call it; the boot
// dispatcher starts classic swaps only.
func (e Engine) StartInPlace() error {
	return e.commit(journal.PhaseMoveUp, e.NumSectors()-1, true)
}

// counterAt pre-advances a zero CTR counter by the number of whole
// 16-byte blocks between encBase (where the keystream starts, i.e. the
// image's EncStart) and off. A sector move starting mid-stream needs
// this so its keystream lines up with what a full-image decrypt from
// encBase would have produced at that same offset.
func counterAt(encBase, off int64) [16]byte {
	var ctr [16]byte
	blocks := (off - encBase) / 16
	for blocks > 0 {
		incrementBE(&ctr)
		blocks--
	}
	return ctr
}

func incrementBE(ctr *[16]byte) {
	for i := 15; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			break
		}
	}
}

// moveSector copies sectorSize bytes from srcDev/srcOff to dstDev/dstOff,
// erasing the destination sector first. When encKey is non-nil the bytes
// are decrypted in place after the copy, with the counter pre-advanced
// for srcOff's position relative to encBase.
func moveSector(srcDev flash.Device, srcOff int64, dstDev flash.Device, dstOff int64, sectorSize int, encKey *[crypto.ContentKeyBytes]byte, encBase int64) error {
	buf := make([]byte, sectorSize)
	if err := flash.Read(srcDev, srcOff, buf); err != nil {
		return err
	}
	if encKey != nil && srcOff+int64(sectorSize) > encBase {
		start := 0
		base := srcOff
		if base < encBase {
			start = int(encBase - base)
			base = encBase
		}
		ctr := counterAt(encBase, base)
		if err := crypto.AesCtr(buf[start:], &ctr, encKey[:]); err != nil {
			return err
		}
	}
	if err := flash.Erase(dstDev, dstOff, sectorSize); err != nil {
		return err
	}
	return flash.Write(dstDev, dstOff, buf)
}

// ImgMove performs one (src, dst) sector move as required by phases
// SwpP1-SwpP3, decrypting if encKey is non-nil.
func ImgMove(srcDev flash.Device, srcOff int64, dstDev flash.Device, dstOff int64, sectorSize int, encKey *[crypto.ContentKeyBytes]byte, encBase int64) error {
	return moveSector(srcDev, srcOff, dstDev, dstOff, sectorSize, encKey, encBase)
}

// Step executes exactly one phase of the classic swap for the sector
// recorded in Progress (or the top sector if no swap is in progress and
// the caller has just called Start). It is idempotent: re-running Step
// after a reset that interrupted a prior call redoes that same phase
// rather than skipping or double-applying it, since flash writes
// commute with themselves when the source data hasn't moved yet.
//
// encKey/encBase describe slot 1's content: non-nil encKey means slot
// 1 holds an encrypted image starting at encBase, and bytes moved into
// slot 0 (which always holds plaintext) are decrypted as they cross.
func (e Engine) Step(encKey *[crypto.ContentKeyBytes]byte, encBase int64) (done bool, err error) {
	phase, sector, inPlace, ok, err := e.Resume()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, bootutil.NewBootError("swap: Step called with no swap in progress")
	}
	if inPlace {
		return e.stepInPlace(phase, sector, encKey, encBase)
	}
	return e.stepClassic(phase, sector, encKey, encBase)
}

func (e Engine) stepClassic(phase uint8, sector int, encKey *[crypto.ContentKeyBytes]byte, encBase int64) (bool, error) {
	slot0Off := sectorOffset(e.Slot0, sector, e.SectorSize)
	slot1Off := sectorOffset(e.Slot1, sector, e.SectorSize)

	switch phase {
	case journal.PhaseSwpStart:
		return false, e.commit(journal.PhaseSwpP1, sector, false)

	case journal.PhaseSwpP1:
		// slot1[sector] (possibly encrypted) -> scratch, decrypted.
		if err := moveSector(e.Slot1.Device, slot1Off, e.Scratch.Device, e.Scratch.Offset, e.SectorSize, encKey, encBase); err != nil {
			return false, err
		}
		return false, e.commit(journal.PhaseSwpP2, sector, false)

	case journal.PhaseSwpP2:
		// slot0[sector] (already plaintext) -> slot1[sector].
		if err := moveSector(e.Slot0.Device, slot0Off, e.Slot1.Device, slot1Off, e.SectorSize, nil, 0); err != nil {
			return false, err
		}
		return false, e.commit(journal.PhaseSwpP3, sector, false)

	case journal.PhaseSwpP3:
		// scratch (decrypted) -> slot0[sector].
		if err := moveSector(e.Scratch.Device, e.Scratch.Offset, e.Slot0.Device, slot0Off, e.SectorSize, nil, 0); err != nil {
			return false, err
		}
		return false, e.commit(journal.PhaseSwpP4, sector, false)

	case journal.PhaseSwpP4:
		if sector == 0 {
			if err := e.commit(journal.PhaseSwpEnd, 0, false); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, e.commit(journal.PhaseSwpP1, sector-1, false)

	default:
		return false, bootutil.FmtBootError("swap: unexpected phase 0x%x", phase)
	}
}

func (e Engine) stepInPlace(phase uint8, sector int, encKey *[crypto.ContentKeyBytes]byte, encBase int64) (bool, error) {
	slot1Off := sectorOffset(e.Slot1, sector, e.SectorSize)

	switch phase {
	case journal.PhaseMoveUp:
		if err := moveSector(e.Slot1.Device, slot1Off, e.Slot1.Device, slot1Off, e.SectorSize, encKey, encBase); err != nil {
			return false, err
		}
		if sector == 0 {
			if err := e.commit(journal.PhaseSwpEnd, 0, true); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, e.commit(journal.PhaseMoveUp, sector-1, true)

	default:
		return false, bootutil.FmtBootError("swap: unexpected in-place phase 0x%x", phase)
	}
}

// Run drives Step to completion (or until err != nil), returning once
// SWP_END is recorded. Callers that want to observe or interrupt
// individual phases (e.g. power-loss injection tests) should call Step
// directly instead.
func (e Engine) Run(encKey *[crypto.ContentKeyBytes]byte, encBase int64) error {
	for {
		done, err := e.Step(encKey, encBase)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// ImgRamMove copies a RAM-load image's bytes from its flash location
// directly into SRAM, decrypting as it goes if encKey is non-nil. It
// bypasses the slot-swap state machine entirely since a RAM-load image
// is never executed in place and has no slot-exchange durability
// requirement: if power is lost mid-copy, the next boot simply redoes
// the copy from the still-intact flash source.
func ImgRamMove(dev flash.Device, srcOff int64, length int, encKey *[crypto.ContentKeyBytes]byte, encBase int64, dst []byte) error {
	if len(dst) < length {
		return bootutil.FmtBootError("swap: RAM destination too small: have %d need %d", len(dst), length)
	}
	if err := flash.Read(dev, srcOff, dst[:length]); err != nil {
		return err
	}
	if encKey != nil {
		start := 0
		base := srcOff
		if base < encBase {
			start = int(encBase - base)
			base = encBase
		}
		if start < length {
			ctr := counterAt(encBase, base)
			if err := crypto.AesCtr(dst[start:length], &ctr, encKey[:]); err != nil {
				return err
			}
		}
	}
	return nil
}
