// Package nvme brings up an NVMe controller and exposes its
// namespaces as block devices (spec §4.7, the hardest piece of the
// spec). Register access goes through internal/port's MMIO interface
// so the bring-up state machine and the phase-bit completion protocol
// can be driven in tests against a simulated register file instead of
// real hardware, the same separation the teacher draws between a
// Disk_i contract and its concrete ahci/virtio backends.
package nvme

import (
	"context"
	"encoding/binary"

	"github.com/cenkalti/backoff/v5"

	"kerncore/internal/kerr"
	"kerncore/internal/klog"
	"kerncore/internal/port"
)

// Register offsets within the 64 KiB NVMe MMIO BAR (spec §6).
const (
	regCAP   = 0x00
	regVS    = 0x08
	regINTMS = 0x0C
	regINTMC = 0x10
	regCC    = 0x14
	regCSTS  = 0x1C
	regAQA   = 0x24
	regASQ   = 0x28
	regACQ   = 0x30

	doorbellBase = 0x1000
)

const (
	ccEN     = 1 << 0
	ccIOSQES = 6 << 16
	ccIOCQES = 4 << 20

	cstsRDY = 1 << 0
	cstsCFS = 1 << 1
)

// PCI config space constants (spec §6).
const (
	pciConfigAddr = 0xCF8
	pciConfigData = 0xCFC

	pciCommandOffset = 0x04
	pciClassOffset   = 0x08
	pciBAR0Offset    = 0x10
	pciBAR1Offset    = 0x14

	pciCommandMemSpace   = 1 << 1
	pciCommandBusMaster  = 1 << 2

	nvmeClass   = 0x01
	nvmeSubcls  = 0x08
	nvmeProgIf  = 0x02
)

// PCIAddress identifies one PCI function.
type PCIAddress struct {
	Bus, Device, Function int
}

func configAddress(a PCIAddress, offset uint8) uint32 {
	return uint32(1<<31) | uint32(a.Bus)<<16 | uint32(a.Device)<<11 | uint32(a.Function)<<8 | uint32(offset&0xFC)
}

// readConfig32/writeConfig32 implement PCI configuration space access
// via the legacy 0xCF8/0xCFC I/O ports (spec §6).
func readConfig32(io port.IO, a PCIAddress, offset uint8) uint32 {
	io.Out32(pciConfigAddr, configAddress(a, offset))
	return io.In32(pciConfigData)
}

func writeConfig32(io port.IO, a PCIAddress, offset uint8, v uint32) {
	io.Out32(pciConfigAddr, configAddress(a, offset))
	io.Out32(pciConfigData, v)
}

// ScanForController enumerates PCI buses 0..255, devices 0..31,
// function 0, looking for the first NVMe mass-storage controller
// (class 0x01, subclass 0x08, prog-if 0x02) per spec §4.7 step 1.
func ScanForController(io port.IO) (PCIAddress, bool) {
	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < 32; dev++ {
			a := PCIAddress{Bus: bus, Device: dev, Function: 0}
			vendorDevice := readConfig32(io, a, 0x00)
			vendor := vendorDevice & 0xFFFF
			if vendor == 0xFFFF || vendor == 0 {
				continue
			}
			class := readConfig32(io, a, pciClassOffset)
			progIf := uint8(class >> 8)
			subclass := uint8(class >> 16)
			baseClass := uint8(class >> 24)
			if baseClass == nvmeClass && subclass == nvmeSubcls && progIf == nvmeProgIf {
				return a, true
			}
		}
	}
	return PCIAddress{}, false
}

// EnableBusMasterAndMemory sets the PCI command register's memory-space
// and bus-master bits (spec §4.7 step 2).
func EnableBusMasterAndMemory(io port.IO, a PCIAddress) {
	cmd := readConfig32(io, a, pciCommandOffset)
	cmd |= pciCommandMemSpace | pciCommandBusMaster
	writeConfig32(io, a, pciCommandOffset, cmd)
}

// BAR0PhysAddr reads BAR0/BAR1 as a 64-bit physical MMIO base address
// (spec §4.7 step 3).
func BAR0PhysAddr(io port.IO, a PCIAddress) uint64 {
	low := readConfig32(io, a, pciBAR0Offset) &^ 0xF
	high := readConfig32(io, a, pciBAR1Offset)
	return uint64(high)<<32 | uint64(low)
}

// sqEntrySize/cqEntrySize are the fixed queue entry sizes (spec
// §4.7: IOSQES=6 -> 64 bytes, IOCQES=4 -> 16 bytes).
const (
	sqEntrySize = 64
	cqEntrySize = 16
)

// Completion is a decoded NVMe completion queue entry.
type Completion struct {
	DW0    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status uint16 // (raw status field >> 1) & 0x7FF
}

// QueuePair is one admin or I/O submission/completion queue pair. sq
// and cq are host-memory stand-ins for DMA-visible queue memory; Phys
// gives the physical addresses a real build would program into
// ASQ/ACQ or a Create I/O Queue command.
type QueuePair struct {
	mm   port.MMIO
	dbStride uint32

	sq     []byte // sqSize * sqEntrySize bytes
	sqSize uint32
	sqTail uint32
	sqPhys uint64

	cq           []byte // cqSize * cqEntrySize bytes
	cqSize       uint32
	cqHead       uint32
	cqPhys       uint64
	expectPhase  bool

	qid    uint16
	nextCID uint16
}

// NewQueuePair allocates host-memory-backed queue storage sized for
// sqSize/cqSize entries, bound to doorbells at the given queue id.
func NewQueuePair(mm port.MMIO, qid uint16, sqSize, cqSize uint32, sqPhys, cqPhys uint64, dbStride uint32) *QueuePair {
	return &QueuePair{
		mm:          mm,
		dbStride:    dbStride,
		sq:          make([]byte, uint32(sqEntrySize)*sqSize),
		sqSize:      sqSize,
		sqPhys:      sqPhys,
		cq:          make([]byte, uint32(cqEntrySize)*cqSize),
		cqSize:      cqSize,
		cqPhys:      cqPhys,
		expectPhase: true,
		qid:         qid,
	}
}

func (q *QueuePair) sqDoorbell() uintptr {
	if q.qid == 0 {
		return doorbellBase
	}
	return doorbellBase + uintptr(2*uint32(q.qid))*uintptr(q.dbStride)
}

func (q *QueuePair) cqDoorbell() uintptr {
	if q.qid == 0 {
		return doorbellBase + 4
	}
	return doorbellBase + uintptr(2*uint32(q.qid)+1)*uintptr(q.dbStride)
}

// Submit copies a 64-byte command into the tail slot, assigns it the
// next command identifier, advances sq_tail, and rings the submission
// doorbell (spec §4.7 queue-pair protocol).
func (q *QueuePair) Submit(cmd [16]uint32) uint16 {
	cid := q.nextCID
	q.nextCID++
	cmd[0] = (cmd[0] &^ 0xFFFF0000) | uint32(cid)<<16 // cdw0[31:16] carries the CID

	off := q.sqTail * sqEntrySize
	for i, w := range cmd {
		binary.LittleEndian.PutUint32(q.sq[off+uint32(i)*4:], w)
	}
	q.sqTail = (q.sqTail + 1) % q.sqSize
	// A full 32-bit MMIO store with a preceding compiler memory barrier
	// (spec §4.7 invariant); port.MMIO's Store32 is the memory barrier
	// boundary in this hosted model.
	q.mm.Store32(q.sqDoorbell(), q.sqTail)
	return cid
}

// decodeCompletion reads one completion entry at cq_head.
func (q *QueuePair) decodeCompletion() Completion {
	off := q.cqHead * cqEntrySize
	dw0 := binary.LittleEndian.Uint32(q.cq[off:])
	dw2 := binary.LittleEndian.Uint32(q.cq[off+8:])
	dw3 := binary.LittleEndian.Uint32(q.cq[off+12:])
	status := uint16(dw3 >> 16)
	return Completion{
		DW0:    dw0,
		SQHead: uint16(dw2),
		SQID:   uint16(dw2 >> 16),
		CID:    uint16(dw3),
		Phase:  status&1 != 0,
		Status: (status >> 1) & 0x7FF,
	}
}

// WaitCompletion polls cq_head for a valid entry matching cid, bounded
// by a backoff-governed retry budget (spec §4.7 timeouts: expiry
// returns Timeout). The phase bit is examined before any other field
// per spec §4.7's invariant.
func (q *QueuePair) WaitCompletion(ctx context.Context, cid uint16, maxAttempts uint64) (Completion, kerr.Kind) {
	var result Completion
	attempts := uint64(0)
	op := func() (Completion, error) {
		attempts++
		c := q.decodeCompletion()
		if c.Phase != q.expectPhase {
			if attempts >= maxAttempts {
				return Completion{}, backoff.Permanent(errTimeout)
			}
			return Completion{}, errNotYet
		}
		if c.CID != cid {
			if attempts >= maxAttempts {
				return Completion{}, backoff.Permanent(errTimeout)
			}
			return Completion{}, errNotYet
		}
		q.cqHead = (q.cqHead + 1) % q.cqSize
		if q.cqHead == 0 {
			q.expectPhase = !q.expectPhase
		}
		q.mm.Store32(q.cqDoorbell(), q.cqHead)
		return c, nil
	}
	result, err := backoff.Retry(ctx, op, backoff.WithBackOff(&backoff.ZeroBackOff{}), backoff.WithMaxTries(uint(maxAttempts)))
	if err != nil {
		klog.Fail("nvme", "WaitCompletion", kerr.Timeout)
		return Completion{}, kerr.Timeout
	}
	return result, kerr.Ok
}

var errNotYet = simpleErr("completion not yet posted")
var errTimeout = simpleErr("completion wait exceeded attempt budget")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// Controller owns one NVMe controller's register window and its
// admin/IO queue pairs (spec §4.7).
type Controller struct {
	mm       port.MMIO
	dbStride uint32
	Admin    *QueuePair
	IO       *QueuePair
	nn       uint32 // number of namespaces, from Identify Controller
}

// NewController wraps an already-mapped 64 KiB MMIO window (spec §4.7
// step 3's mapping itself is the platform's job; this layer consumes
// whatever port.MMIO the platform hands it).
func NewController(mm port.MMIO) *Controller {
	cap_ := mm.Load64(regCAP)
	dbStride := uint32(4) << ((cap_ >> 32) & 0xF) // CAP.DSTRD, doorbell stride in bytes
	return &Controller{mm: mm, dbStride: dbStride}
}

// DisableController clears CC.EN and spins until CSTS.RDY==0 (spec
// §4.7 step 4).
func (c *Controller) DisableController(ctx context.Context, maxAttempts uint64) kerr.Kind {
	cc := c.mm.Load32(regCC)
	c.mm.Store32(regCC, cc&^ccEN)
	return c.waitReady(ctx, false, maxAttempts)
}

func (c *Controller) waitReady(ctx context.Context, want bool, maxAttempts uint64) kerr.Kind {
	attempts := uint64(0)
	op := func() (struct{}, error) {
		attempts++
		csts := c.mm.Load32(regCSTS)
		if csts&cstsCFS != 0 {
			return struct{}{}, backoff.Permanent(errFatal)
		}
		ready := csts&cstsRDY != 0
		if ready == want {
			return struct{}{}, nil
		}
		if attempts >= maxAttempts {
			return struct{}{}, backoff.Permanent(errTimeout)
		}
		return struct{}{}, errNotYet
	}
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(&backoff.ZeroBackOff{}), backoff.WithMaxTries(uint(maxAttempts)))
	if err == errFatal {
		return kerr.Hardware
	}
	if err != nil {
		return kerr.Timeout
	}
	return kerr.Ok
}

var errFatal = simpleErr("CSTS.CFS set during bring-up")

// AllocAdminQueuePair programs ASQ/ACQ/AQA with freshly allocated
// queue memory (spec §4.7 step 5).
func (c *Controller) AllocAdminQueuePair(sqSize, cqSize uint32, sqPhys, cqPhys uint64) {
	c.Admin = NewQueuePair(c.mm, 0, sqSize, cqSize, sqPhys, cqPhys, c.dbStride)
	c.mm.Store32(regAQA, (cqSize-1)<<16|(sqSize-1))
	c.mm.Store64(regASQ, sqPhys)
	c.mm.Store64(regACQ, cqPhys)
}

// EnableController sets CC per spec §4.7 step 6 and spins until
// CSTS.RDY==1.
func (c *Controller) EnableController(ctx context.Context, mpsmin uint8, maxAttempts uint64) kerr.Kind {
	cc := uint32(ccEN) | ccIOSQES | ccIOCQES | uint32(mpsmin)<<7
	c.mm.Store32(regCC, cc)
	return c.waitReady(ctx, true, maxAttempts)
}

// IdentifyController issues CNS=1 nsid=0 and extracts NN (spec §4.7
// step 7). dataBuf must be at least 4096 bytes; offset 516 in the
// Identify Controller structure holds NN (a 4-byte little-endian
// field per the NVMe spec).
func (c *Controller) IdentifyController(ctx context.Context, dataBuf []byte, dataPhys uint64, maxAttempts uint64) kerr.Kind {
	var cmd [16]uint32
	cmd[0] = 0x06 // opcode: Identify
	cmd[6] = uint32(dataPhys)
	cmd[7] = uint32(dataPhys >> 32)
	cmd[10] = 1 // CNS=1 (controller)
	cid := c.Admin.Submit(cmd)
	comp, k := c.Admin.WaitCompletion(ctx, cid, maxAttempts)
	if k != kerr.Ok {
		return k
	}
	if comp.Status != 0 {
		return kerr.Hardware
	}
	c.nn = binary.LittleEndian.Uint32(dataBuf[516:])
	return kerr.Ok
}

// NamespaceCount returns nn from the last successful IdentifyController.
func (c *Controller) NamespaceCount() uint32 { return c.nn }

// IdentifyNamespace issues CNS=0 for the given namespace id and
// extracts nsze and the active LBA format's block size (spec §4.7
// step 9).
func (c *Controller) IdentifyNamespace(ctx context.Context, nsid uint32, dataBuf []byte, dataPhys uint64, maxAttempts uint64) (nsze uint64, blockSize uint32, k kerr.Kind) {
	var cmd [16]uint32
	cmd[0] = 0x06
	cmd[1] = nsid
	cmd[6] = uint32(dataPhys)
	cmd[7] = uint32(dataPhys >> 32)
	cmd[10] = 0 // CNS=0 (namespace)
	cid := c.Admin.Submit(cmd)
	comp, k := c.Admin.WaitCompletion(ctx, cid, maxAttempts)
	if k != kerr.Ok {
		return 0, 0, k
	}
	if comp.Status != 0 {
		return 0, 0, kerr.Hardware
	}
	nsze = binary.LittleEndian.Uint64(dataBuf[0:])
	flbas := dataBuf[26] & 0xF
	lbafOff := 128 + int(flbas)*4
	lbads := dataBuf[lbafOff+2]
	return nsze, 1 << lbads, kerr.Ok
}

// AllocIOQueuePair issues Create I/O Completion Queue then Create I/O
// Submission Queue admin commands (spec §4.7 step 8).
func (c *Controller) AllocIOQueuePair(ctx context.Context, sqSize, cqSize uint32, sqPhys, cqPhys uint64, maxAttempts uint64) kerr.Kind {
	const ioQueueID = 1
	var createCQ [16]uint32
	createCQ[0] = 0x05 // opcode: Create I/O Completion Queue
	createCQ[6] = uint32(cqPhys)
	createCQ[7] = uint32(cqPhys >> 32)
	createCQ[10] = uint32(cqSize-1)<<16 | ioQueueID
	createCQ[11] = 1 // physically contiguous

	cid := c.Admin.Submit(createCQ)
	comp, k := c.Admin.WaitCompletion(ctx, cid, maxAttempts)
	if k != kerr.Ok || comp.Status != 0 {
		if k == kerr.Ok {
			k = kerr.Hardware
		}
		return k
	}

	var createSQ [16]uint32
	createSQ[0] = 0x01 // opcode: Create I/O Submission Queue
	createSQ[6] = uint32(sqPhys)
	createSQ[7] = uint32(sqPhys >> 32)
	createSQ[10] = uint32(sqSize-1)<<16 | ioQueueID
	createSQ[11] = 1<<16 | ioQueueID // CQID, physically contiguous

	cid = c.Admin.Submit(createSQ)
	comp, k = c.Admin.WaitCompletion(ctx, cid, maxAttempts)
	if k != kerr.Ok {
		return k
	}
	if comp.Status != 0 {
		return kerr.Hardware
	}

	c.IO = NewQueuePair(c.mm, ioQueueID, sqSize, cqSize, sqPhys, cqPhys, c.dbStride)
	return kerr.Ok
}

// ReadWrite issues a single-block read (opcode 0x02) or write (opcode
// 0x01) against the I/O queue, using prp1 only (spec §4.7: single-block
// I/O needs exactly one page).
func (c *Controller) ReadWrite(ctx context.Context, write bool, nsid uint32, lba uint64, bufPhys uint64, maxAttempts uint64) kerr.Kind {
	var cmd [16]uint32
	if write {
		cmd[0] = 0x01
	} else {
		cmd[0] = 0x02
	}
	cmd[1] = nsid
	cmd[6] = uint32(bufPhys)
	cmd[7] = uint32(bufPhys >> 32)
	cmd[10] = uint32(lba)
	cmd[11] = uint32(lba >> 32)
	cmd[12] = 0 // NLB=0 -> one block

	cid := c.IO.Submit(cmd)
	comp, k := c.IO.WaitCompletion(ctx, cid, maxAttempts)
	if k != kerr.Ok {
		return k
	}
	if comp.Status != 0 {
		return kerr.Hardware
	}
	return kerr.Ok
}
