// Package simflash provides an in-memory flash.Device used by the test
// suites and the zepboot-sim command. Real ZEPboot deployments obtain a
// device from the platform's flash driver (§6); this package stands in
// for that driver when there is no SoC underneath, the same role the
// teacher's os/bsp layer plays for apache-mynewt-newt's build tooling
// but implemented here since image-swap tests need a byte-addressable,
// erase-tracking backing store rather than a project-file tree.
package simflash

import "github.com/Laczen/ZEPboot/bootutil"

// Device is a RAM-backed NOR flash simulator. Erased bytes read as 0xFF.
// Write does not simulate program-only-over-erased restrictions; tests
// that need to catch "write without erase" bugs should inspect the
// Writes and Erases records.
type Device struct {
	name           string
	writeBlockSize int
	buf            []byte
	protected      bool

	// Writes records every Write() call's offset/length for tests that
	// want to assert on write traffic (e.g. idempotent-resume checks).
	Writes []WriteCall
	// Erases records every Erase() call similarly.
	Erases []EraseCall
}

type WriteCall struct {
	Off int64
	Len int
}

type EraseCall struct {
	Off int64
	Len int
}

// New creates a simulated device of the given size, erased (all 0xFF).
func New(name string, size int, writeBlockSize int) *Device {
	d := &Device{
		name:           name,
		writeBlockSize: writeBlockSize,
		buf:            make([]byte, size),
	}
	for i := range d.buf {
		d.buf[i] = 0xFF
	}
	return d
}

func (d *Device) Name() string           { return d.name }
func (d *Device) WriteBlockSize() int    { return d.writeBlockSize }
func (d *Device) SetWriteProtect(enabled bool) error {
	d.protected = enabled
	return nil
}

func (d *Device) Erase(off int64, length int) error {
	if off < 0 || int(off)+length > len(d.buf) {
		return bootutil.FmtBootError("simflash: erase out of range [%d,%d)", off, int(off)+length)
	}
	for i := 0; i < length; i++ {
		d.buf[int(off)+i] = 0xFF
	}
	d.Erases = append(d.Erases, EraseCall{Off: off, Len: length})
	return nil
}

func (d *Device) Read(off int64, buf []byte) error {
	if off < 0 || int(off)+len(buf) > len(d.buf) {
		return bootutil.FmtBootError("simflash: read out of range [%d,%d)", off, int(off)+len(buf))
	}
	copy(buf, d.buf[off:int(off)+len(buf)])
	return nil
}

func (d *Device) Write(off int64, data []byte) error {
	if off < 0 || int(off)+len(data) > len(d.buf) {
		return bootutil.FmtBootError("simflash: write out of range [%d,%d)", off, int(off)+len(data))
	}
	copy(d.buf[off:], data)
	d.Writes = append(d.Writes, WriteCall{Off: off, Len: len(data)})
	return nil
}

// Bytes exposes the raw backing buffer for assertions in tests.
func (d *Device) Bytes() []byte {
	return d.buf
}

// Size returns the total capacity of the simulated device.
func (d *Device) Size() int {
	return len(d.buf)
}

// Clone deep-copies the device, backing buffer and op counters included.
// Power-loss injection tests snapshot a Clone before a mutating call and
// can therefore always get back to "as if that write never finished".
func (d *Device) Clone() *Device {
	c := &Device{
		name:           d.name,
		writeBlockSize: d.writeBlockSize,
		buf:            append([]byte(nil), d.buf...),
		Writes:         append([]WriteCall(nil), d.Writes...),
		Erases:         append([]EraseCall(nil), d.Erases...),
	}
	return c
}

// Crashing wraps a Device so that its (N+1)th mutating call (Write or
// Erase, combined) fails with an error instead of completing, simulating
// power loss mid-operation. Calls after the injected failure continue to
// fail, mirroring a device that never comes back until reset.
type Crashing struct {
	*Device
	budget int
	tripped bool
}

// FailAfter returns a Crashing device that allows n more mutating calls
// to succeed before every subsequent Write/Erase fails.
func FailAfter(d *Device, n int) *Crashing {
	return &Crashing{Device: d, budget: n}
}

func (c *Crashing) Erase(off int64, length int) error {
	if c.tripped {
		return bootutil.NewBootError("simflash: power loss (erase)")
	}
	if c.budget == 0 {
		c.tripped = true
		return bootutil.NewBootError("simflash: power loss (erase)")
	}
	c.budget--
	return c.Device.Erase(off, length)
}

func (c *Crashing) Write(off int64, data []byte) error {
	if c.tripped {
		return bootutil.NewBootError("simflash: power loss (write)")
	}
	if c.budget == 0 {
		c.tripped = true
		return bootutil.NewBootError("simflash: power loss (write)")
	}
	c.budget--
	return c.Device.Write(off, data)
}
