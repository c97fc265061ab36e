// Package flash implements the write-block alignment, erase/read/write
// wrappers and slot-area address predicates that every other ZEPboot
// package funnels through (spec component 4.A). It is grounded on the
// FlashArea/device-lookup model in apache-mynewt-newt's artifact/flash
// package and on the zb_flash.c alignment/erase/write routines from the
// original ZEPboot C bootloader.
package flash

import "github.com/Laczen/ZEPboot/bootutil"

// AlignBufSize bounds the scratch buffer used to pad a sub-write-block
// write up to the device's write granularity. Devices whose write block
// is 16 bytes or larger are rejected by Write, matching the
// original BUILD_ASSERT_MSG in zb_flash.h.
const AlignBufSize = 16

// Device is the narrow driver contract the bootloader expects from the
// platform (§6): block size discovery, write-protect toggling and raw
// erase/read/write. The bootloader never retries or reinterprets a
// driver error, it just propagates it.
type Device interface {
	Name() string
	WriteBlockSize() int
	SetWriteProtect(enabled bool) error
	Erase(off int64, length int) error
	Read(off int64, buf []byte) error
	Write(off int64, data []byte) error
}

// AlignUp rounds length up to the device's write-block size.
func AlignUp(dev Device, length int) int {
	wbs := dev.WriteBlockSize()
	if wbs <= 1 {
		return length
	}
	return (length + wbs - 1) &^ (wbs - 1)
}

// AlignDown rounds an offset down to the device's write-block size.
func AlignDown(dev Device, off int64) int64 {
	wbs := int64(dev.WriteBlockSize())
	if wbs <= 1 {
		return off
	}
	return off &^ (wbs - 1)
}

// Erase erases an erase-block aligned range. Callers are responsible for
// supplying block-aligned offsets/lengths; the flash layer does not
// second-guess the caller's geometry.
func Erase(dev Device, off int64, length int) error {
	if dev == nil {
		return bootutil.NewBootError("flash: nil device")
	}
	if err := dev.SetWriteProtect(false); err != nil {
		return bootutil.ChildBootError(err, "flash: write-protect clear failed")
	}
	err := dev.Erase(off, length)
	_ = dev.SetWriteProtect(true)
	if err != nil {
		return bootutil.ChildBootError(err, "flash: erase at 0x%x failed", off)
	}
	return nil
}

// Write writes data honoring the device's write-block granularity. Any
// trailing bytes short of a full write block are padded with 0xFF, the
// NOR erased-pattern byte, so that a partial final block still reads
// back as an empty sentinel for any bytes the caller didn't intend.
func Write(dev Device, off int64, data []byte) error {
	if dev == nil {
		return bootutil.NewBootError("flash: nil device")
	}
	if wbs := dev.WriteBlockSize(); wbs >= AlignBufSize {
		return bootutil.FmtBootError("flash: write block size %d not below %d", wbs, AlignBufSize)
	}
	if err := dev.SetWriteProtect(false); err != nil {
		return bootutil.ChildBootError(err, "flash: write-protect clear failed")
	}
	err := write(dev, off, data)
	_ = dev.SetWriteProtect(true)
	if err != nil {
		return bootutil.ChildBootError(err, "flash: write at 0x%x failed", off)
	}
	return nil
}

func write(dev Device, off int64, data []byte) error {
	wbs := dev.WriteBlockSize()
	blen := len(data) &^ (wbs - 1)
	if blen > 0 {
		if err := dev.Write(off, data[:blen]); err != nil {
			return err
		}
		off += int64(blen)
		data = data[blen:]
	}
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, wbs)
	copy(buf, data)
	for i := len(data); i < wbs; i++ {
		buf[i] = 0xFF
	}
	return dev.Write(off, buf)
}

// Read reads len(buf) bytes starting at off, surfacing the driver error
// verbatim.
func Read(dev Device, off int64, buf []byte) error {
	if dev == nil {
		return bootutil.NewBootError("flash: nil device")
	}
	return dev.Read(off, buf)
}

// Region describes a contiguous, erase-block aligned flash extent on a
// named device, e.g. one of slt0, slt1 or swpstat (§3.1).
type Region struct {
	Device Device
	Offset int64
	Size   int64
}

func (r Region) End() int64 {
	return r.Offset + r.Size
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr int64) bool {
	return addr >= r.Offset && addr < r.Offset+r.Size
}

// SramRegion describes the bounds of on-chip RAM used by InRAM.
type SramRegion struct {
	Base int64
	Size int64
}

// InRAM reports whether addr lies in the configured SRAM window. A zero
// sram Region (Size == 0) never matches, which is the right behavior for
// slot areas with no RAM-load images configured.
func InRAM(sram SramRegion, addr int64) bool {
	return addr >= sram.Base && addr < sram.Base+sram.Size
}
