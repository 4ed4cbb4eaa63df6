// Package ata is a reference block driver implementing ATA PIO mode
// (spec §10.3): single-sector LBA28 read/write plus a cache flush,
// driven entirely through legacy I/O ports. It exists to give
// internal/block a concrete, hardware-grounded Ops implementation
// without depending on the NVMe bring-up state machine. The resolved
// Open Question from spec §10.3 — issue the command, then wait for
// DRQ, rather than waiting for DRQ before issuing — follows the
// teacher's own pci.Idebuf_t/Disk_i contract in pci/olddiski.go, where
// Start() always issues the command immediately and completion is
// observed later via Intr()/Complete().
package ata

import (
	"kerncore/internal/kerr"
)

// Primary/secondary ATA bus port bases (spec §6).
const (
	PrimaryData    = 0x1F0
	PrimaryControl = 0x3F6

	SecondaryData    = 0x170
	SecondaryControl = 0x376
)

// Register offsets relative to the data port base.
const (
	regData     = 0
	regError    = 1
	regSecCount = 2
	regLBALo    = 3
	regLBAMid   = 4
	regLBAHi    = 5
	regDrvHead  = 6
	regStatus   = 7
	regCommand  = 7
)

const (
	statusERR = 1 << 0
	statusDRQ = 1 << 3
	statusSRV = 1 << 4
	statusDF  = 1 << 5
	statusRDY = 1 << 6
	statusBSY = 1 << 7
)

const (
	cmdReadSectors  = 0x20
	cmdWriteSectors = 0x30
	cmdFlushCache   = 0xE7
)

const sectorSize = 512

// IO is the legacy port-I/O seam ATA drives its registers through
// (internal/port.IO's In8/Out8/In16/Out16 subset).
type IO interface {
	In8(addr uint16) uint8
	In16(addr uint16) uint16
	Out8(addr uint16, v uint8)
	Out16(addr uint16, v uint16)
}

// Drive is one ATA PIO device: a bus (primary/secondary), a master/
// slave select, and the sector count reported during identify.
type Drive struct {
	io          IO
	dataBase    uint16
	controlBase uint16
	slave       bool
	label       string
	sectors     uint64

	// MaxSpinIterations bounds every busy-wait loop (spec §5: timeouts
	// are iteration counts in busy-wait loops at this layer, not
	// time-based).
	MaxSpinIterations int
}

// NewDrive constructs a drive bound to io at the given bus, with a
// preconfigured sector count (as obtained by a prior IDENTIFY, which
// this reference driver does not itself issue).
func NewDrive(io IO, dataBase, controlBase uint16, slave bool, label string, sectors uint64) *Drive {
	return &Drive{
		io:                io,
		dataBase:          dataBase,
		controlBase:       controlBase,
		slave:             slave,
		label:             label,
		sectors:           sectors,
		MaxSpinIterations: 1 << 20,
	}
}

func (d *Drive) port(reg uint16) uint16 { return d.dataBase + reg }

func (d *Drive) status() uint8 { return d.io.In8(d.port(regStatus)) }

// waitNotBusy spins until BSY clears.
func (d *Drive) waitNotBusy() kerr.Kind {
	for i := 0; i < d.MaxSpinIterations; i++ {
		if d.status()&statusBSY == 0 {
			return kerr.Ok
		}
	}
	return kerr.Timeout
}

// waitDRQ spins until DRQ sets (data ready) or ERR/DF sets.
func (d *Drive) waitDRQ() kerr.Kind {
	for i := 0; i < d.MaxSpinIterations; i++ {
		s := d.status()
		if s&(statusERR|statusDF) != 0 {
			return kerr.Hardware
		}
		if s&statusDRQ != 0 {
			return kerr.Ok
		}
	}
	return kerr.Timeout
}

// selectLBA28 programs the drive/head, LBA, and sector-count
// registers for a 28-bit LBA command.
func (d *Drive) selectLBA28(lba uint32) {
	head := uint8(0xE0)
	if d.slave {
		head |= 1 << 4
	}
	head |= uint8((lba >> 24) & 0x0F)
	d.io.Out8(d.port(regDrvHead), head)
	d.io.Out8(d.port(regSecCount), 1)
	d.io.Out8(d.port(regLBALo), uint8(lba))
	d.io.Out8(d.port(regLBAMid), uint8(lba>>8))
	d.io.Out8(d.port(regLBAHi), uint8(lba>>16))
}

// issueThenWait issues the command register write, then waits for DRQ
// (the Open Question resolution noted above) rather than waiting for
// DRQ before writing the command.
func (d *Drive) issueThenWait(cmd uint8) kerr.Kind {
	if k := d.waitNotBusy(); k != kerr.Ok {
		return k
	}
	d.io.Out8(d.port(regCommand), cmd)
	return d.waitDRQ()
}

// Label returns the device's registration label (block.Ops).
func (d *Drive) Label() string { return d.label }

// BlockSize is always 512 bytes for ATA PIO (block.Ops).
func (d *Drive) BlockSize() int { return sectorSize }

// BlockCount returns the drive's reported sector count (block.Ops).
func (d *Drive) BlockCount() uint64 { return d.sectors }

// Read performs a single-sector LBA28 PIO read into buf (spec §10.3).
func (d *Drive) Read(lba uint64, buf []byte) kerr.Kind {
	if len(buf) < sectorSize {
		return kerr.InvalidArgument
	}
	d.selectLBA28(uint32(lba))
	if k := d.issueThenWait(cmdReadSectors); k != kerr.Ok {
		return k
	}
	for i := 0; i < sectorSize/2; i++ {
		w := d.io.In16(d.port(regData))
		buf[2*i] = uint8(w)
		buf[2*i+1] = uint8(w >> 8)
	}
	return kerr.Ok
}

// Write performs a single-sector LBA28 PIO write from buf (spec §10.3).
func (d *Drive) Write(lba uint64, buf []byte) kerr.Kind {
	if len(buf) < sectorSize {
		return kerr.InvalidArgument
	}
	d.selectLBA28(uint32(lba))
	if k := d.issueThenWait(cmdWriteSectors); k != kerr.Ok {
		return k
	}
	for i := 0; i < sectorSize/2; i++ {
		w := uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
		d.io.Out16(d.port(regData), w)
	}
	return kerr.Ok
}

// Flush issues CACHE FLUSH and waits for it to complete (spec §10.3).
func (d *Drive) Flush() kerr.Kind {
	if k := d.waitNotBusy(); k != kerr.Ok {
		return k
	}
	d.io.Out8(d.port(regCommand), cmdFlushCache)
	return d.waitNotBusy()
}
