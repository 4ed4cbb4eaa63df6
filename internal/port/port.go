// Package port is the single seam between this module's drivers (PCI
// config space, NVMe MMIO, ATA PIO) and the real hardware. On actual
// freestanding hardware this package's bodies are replaced by inline
// `IN`/`OUT`/volatile-load intrinsics; everything above this package
// (nvme with its PCI scan, ata) is oblivious to the difference and is exercised in
// tests against the Sim implementation below.
package port

import "sync/atomic"

// IO is legacy x86 I/O port space (0xCF8/0xCFC PCI config access,
// 0x1F0-0x3F6 ATA registers).
type IO interface {
	In8(addr uint16) uint8
	In16(addr uint16) uint16
	In32(addr uint16) uint32
	Out8(addr uint16, v uint8)
	Out16(addr uint16, v uint16)
	Out32(addr uint16, v uint32)
}

// MMIO is a memory-mapped register window (NVMe BAR0, APIC).
//
// A compiler memory barrier must precede and follow every doorbell
// write per spec §4.7; MMIO.Store32 performs an atomic store, which
// both orders the write on the issuing core and matches the teacher's
// discipline of never letting the optimizer reorder volatile MMIO
// accesses.
type MMIO interface {
	Load32(off uintptr) uint32
	Load64(off uintptr) uint64
	Store32(off uintptr, v uint32)
	Store64(off uintptr, v uint64)
}

// Sim is an in-memory MMIO window used by tests and by the NVMe/ATA
// virtual-device harness; it is not a hardware shim.
type Sim struct {
	regs []uint32
}

// NewSim allocates a simulated MMIO window of size bytes.
func NewSim(size int) *Sim {
	return &Sim{regs: make([]uint32, (size+3)/4)}
}

func (s *Sim) idx(off uintptr) int { return int(off / 4) }

func (s *Sim) Load32(off uintptr) uint32 {
	return atomic.LoadUint32(&s.regs[s.idx(off)])
}

func (s *Sim) Load64(off uintptr) uint64 {
	lo := uint64(s.Load32(off))
	hi := uint64(s.Load32(off + 4))
	return lo | hi<<32
}

func (s *Sim) Store32(off uintptr, v uint32) {
	atomic.StoreUint32(&s.regs[s.idx(off)], v)
}

func (s *Sim) Store64(off uintptr, v uint64) {
	s.Store32(off, uint32(v))
	s.Store32(off+4, uint32(v>>32))
}

// IOSim is a simulated legacy I/O port space. It models an
// address/data port pair (like 0xCF8/0xCFC) plus arbitrary single
// registers, enough to exercise PCI config space scanning and ATA PIO
// register sequencing in tests without real ports.
type IOSim struct {
	regs map[uint16]uint32

	// AddressPort/DataPort implement the address-latch + data-window
	// pattern used by PCI config space: a write to AddressPort selects
	// which entry of configSpace subsequent DataPort accesses reach.
	AddressPort uint16
	DataPort    uint16
	configSpace map[uint32]uint32
	lastAddress uint32
}

// NewIOSim creates an empty simulated I/O port space. addressPort and
// dataPort are the two ports that implement the address/data window
// pattern (0xCF8/0xCFC for PCI); pass 0,0 to disable that behavior.
func NewIOSim(addressPort, dataPort uint16) *IOSim {
	return &IOSim{
		regs:        make(map[uint16]uint32),
		AddressPort: addressPort,
		DataPort:    dataPort,
		configSpace: make(map[uint32]uint32),
	}
}

// SetConfigDWord preloads the value returned for a given PCI config
// address (as built by bus/device/function/offset), for tests that
// drive ScanForController.
func (s *IOSim) SetConfigDWord(addr uint32, v uint32) {
	s.configSpace[addr&^0x3] = v
}

func (s *IOSim) In8(addr uint16) uint8   { return uint8(s.regs[addr]) }
func (s *IOSim) In16(addr uint16) uint16 { return uint16(s.regs[addr]) }

func (s *IOSim) In32(addr uint16) uint32 {
	if addr == s.DataPort {
		return s.configSpace[s.lastAddress&^0x3]
	}
	return s.regs[addr]
}

func (s *IOSim) Out8(addr uint16, v uint8)   { s.regs[addr] = uint32(v) }
func (s *IOSim) Out16(addr uint16, v uint16) { s.regs[addr] = uint32(v) }

func (s *IOSim) Out32(addr uint16, v uint32) {
	if addr == s.AddressPort {
		s.lastAddress = v
		return
	}
	if addr == s.DataPort {
		s.configSpace[s.lastAddress&^0x3] = v
		return
	}
	s.regs[addr] = v
}
