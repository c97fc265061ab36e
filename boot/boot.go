// Package boot implements the boot dispatcher (spec component 4.G): the
// entry point that reads the parameter record, drives the swap engine
// to completion if a swap is in progress, resolves the primary load
// address through slot 1, slot 0 or RAM under the CRC32 gate (falling
// back to the secondary address when slot 1 doesn't check out), copies
// a RAM-load image into SRAM when that's where resolution landed, and
// hands off to the caller's jump/load collaborator. It is grounded on
// main.c and slotmap.c from the original ZEPboot bootloader, which
// plays the same "iterate configured slot areas, decide, jump" role
// this package's Dispatch does.
package boot

import (
	"github.com/Laczen/ZEPboot/bootutil"
	"github.com/Laczen/ZEPboot/crypto"
	"github.com/Laczen/ZEPboot/flash"
	"github.com/Laczen/ZEPboot/image"
	"github.com/Laczen/ZEPboot/journal"
	"github.com/Laczen/ZEPboot/swap"
)

// SlotArea bundles one bootable slot pair's geometry: the active slot
// (0), the staging slot (1), each slot's reserved trailer holding its
// command log (slot 0's additionally holds the parameter record), and
// the scratch sector the swap engine shuttles a sector through.
type SlotArea struct {
	Name string

	Slot0    flash.Region // excludes the reserved trailer
	Slot1    flash.Region // excludes the reserved trailer
	Slt0End  flash.Region // parameter record + command log
	Slt1End  flash.Region // command log only
	Scratch  flash.Region
	SectorSize int

	SRAM flash.SramRegion // zero value disables RAM-load support
}

// slt0CmdLogRegion returns the portion of Slt0End reserved for the
// command log, immediately following the fixed-size parameter record
// that occupies the region's first ParamSize bytes.
func (a SlotArea) slt0CmdLogRegion() flash.Region {
	return flash.Region{
		Device: a.Slt0End.Device,
		Offset: a.Slt0End.Offset + journal.ParamSize,
		Size:   a.Slt0End.Size - journal.ParamSize,
	}
}

// Outcome describes what Dispatch decided: which slot to run, and,
// for a RAM-load image, the bytes already copied (and decrypted) into
// SRAM alongside the flag saying so.
type Outcome struct {
	Area        SlotArea
	Info        *image.Info
	CopiedToRAM bool
	RAMImage    []byte
}

// Jumper is the external collaborator that hands control to the chosen
// image; the bootloader never returns once it's called. Tests supply a
// Jumper that just records the call instead of resetting the CPU.
type Jumper func(Outcome) error

// Dispatch evaluates every configured slot area in order and jumps into
// the first one that resolves to a valid image, via jump. A real Jumper
// never returns; when jump does return (as a test or simulator Jumper
// does), Dispatch returns jump's result. On failure (no area yields a bootable image) it
// returns an error so the caller can fall back to a recovery mode or
// halt, since the bootloader itself has no further options.
func Dispatch(areas []SlotArea, f *crypto.Facade, jump Jumper) error {
	for _, area := range areas {
		outcome, err := dispatchArea(area, f)
		if err != nil {
			bootutil.Warnf("boot: slot area %s not bootable: %v", area.Name, err)
			continue
		}
		return jump(*outcome)
	}
	return bootutil.NewBootError("boot: no slot area produced a bootable image")
}

func dispatchArea(area SlotArea, f *crypto.Facade) (*Outcome, error) {
	engine := swap.Engine{
		Slot0:      area.Slot0,
		Slot1:      area.Slot1,
		Scratch:    area.Scratch,
		SectorSize: area.SectorSize,
		Progress:   journal.Log{Region: area.Scratch},
	}

	param, err := journal.ReadParam(area.Slt0End.Device, area.Slt0End.Offset)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "boot: reading parameter record")
	}

	slt0Log := journal.Log{Region: area.slt0CmdLogRegion()}
	lastCmd, cmdErr := slt0Log.ReadLast()
	hasCmd := cmdErr == nil

	if _, _, _, inProgress, err := engine.Resume(); err != nil {
		return nil, err
	} else if inProgress {
		if err := engine.Run(nil, 0); err != nil {
			return nil, bootutil.ChildBootError(err, "boot: resuming in-progress swap")
		}
	} else if hasCmd && lastCmd.Cmd1&journal.Cmd1SwpRequest != 0 {
		if err := engine.Progress.Erase(); err != nil {
			return nil, err
		}
		if err := engine.Start(); err != nil {
			return nil, err
		}
		if err := runSwap(&engine, area, f); err != nil {
			return nil, err
		}
		if lastCmd.Cmd1&journal.Cmd1SwpPerm != 0 {
			if err := slt0Log.Erase(); err != nil {
				return nil, err
			}
		}
	}

	slt1EndLog := journal.Log{Region: area.Slt1End}
	if lastSlt1Cmd, err := slt1EndLog.ReadLast(); err == nil && lastSlt1Cmd.Cmd1&journal.Cmd1Bt0Request != 0 {
		// A one-shot request from the running image to ignore the
		// primary load address and boot whatever the secondary one
		// points to instead. Pure bookkeeping: no flash is touched.
		param.PriLoadAddress = param.SecLoadAddress
	}

	return resolveBootAddress(area, param)
}

func runSwap(engine *swap.Engine, area SlotArea, f *crypto.Facade) error {
	info, err := image.GetInfoWSC(area.Slot1.Device, area.Slot1.Offset, f, true)
	if err != nil {
		return err
	}
	var key *[crypto.ContentKeyBytes]byte
	if info.HasEncKey {
		key = &info.EncKey
	}
	return engine.Run(key, info.EncStart)
}

// resolveBootAddress walks the parameter record's primary load address
// through slot 1, then slot 0 or RAM, CRC-gating each candidate (§4.G
// steps 3-4). Slot 1 falls back to the secondary address on a CRC
// mismatch or an unparseable image; slot 0/RAM is fatal on mismatch,
// since by then there is nowhere left to fall back to. The images
// considered here were already signature- and hash-checked when they
// were written or swapped into place, so resolution only re-verifies
// the cheap per-slot CRC32, matching zb_img_get_info_nsc's "no sig
// check" contract.
func resolveBootAddress(area SlotArea, param journal.Param) (*Outcome, error) {
	priAddr := int64(param.PriLoadAddress)

	if area.Slot1.Contains(priAddr) {
		if info, err := image.GetInfoNSC(area.Slot1.Device, area.Slot1.Offset, false); err == nil {
			if gotCrc, err := info.CalcCRC32(); err == nil && gotCrc == param.Slt1Crc32 {
				return finish(area, info)
			}
		}
		priAddr = int64(param.SecLoadAddress)
	}

	if !area.Slot0.Contains(priAddr) && !flash.InRAM(area.SRAM, priAddr) {
		return nil, bootutil.FmtBootError("boot: load address 0x%x not in slot0, slot1 or RAM", priAddr)
	}

	info, err := image.GetInfoNSC(area.Slot0.Device, area.Slot0.Offset, false)
	if err != nil {
		return nil, bootutil.ChildBootError(err, "boot: slot0 image invalid")
	}
	if err := image.ImgCheck(info, area.Slot0, nil); err != nil {
		return nil, err
	}
	gotCrc, err := info.CalcCRC32()
	if err != nil {
		return nil, err
	}
	if gotCrc != param.Slt0Crc32 {
		return nil, bootutil.FmtBootError("boot: slot0 CRC32 mismatch (got 0x%x want 0x%x)", gotCrc, param.Slt0Crc32)
	}

	outcome, err := finish(area, info)
	if err != nil {
		return nil, err
	}
	if flash.InRAM(area.SRAM, priAddr) {
		dst := make([]byte, info.End-info.Start)
		var key *[crypto.ContentKeyBytes]byte
		if info.HasEncKey {
			key = &info.EncKey
		}
		if err := swap.ImgRamMove(info.Device, info.Start, len(dst), key, info.EncStart, dst); err != nil {
			return nil, err
		}
		outcome.CopiedToRAM = true
		outcome.RAMImage = dst
	}
	return outcome, nil
}

func finish(area SlotArea, info *image.Info) (*Outcome, error) {
	if info.Type == image.TypeRAMLoad {
		if area.SRAM.Size == 0 {
			return nil, bootutil.NewBootError("boot: RAM-load image but no SRAM region configured")
		}
		if !flash.InRAM(area.SRAM, info.LoadAddress) {
			return nil, bootutil.FmtBootError("boot: load address 0x%x outside configured SRAM", info.LoadAddress)
		}
	}
	return &Outcome{Area: area, Info: info}, nil
}
