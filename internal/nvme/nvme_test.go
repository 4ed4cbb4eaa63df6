package nvme

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerncore/internal/kerr"
	"kerncore/internal/port"
)

func TestScanForControllerFindsMatch(t *testing.T) {
	io := port.NewIOSim(pciConfigAddr, pciConfigData)
	a := PCIAddress{Bus: 0, Device: 3, Function: 0}
	io.SetConfigDWord(configAddress(a, 0x00), 0x1234_8086) // vendor=0x8086
	classWord := uint32(nvmeProgIf)<<8 | uint32(nvmeSubcls)<<16 | uint32(nvmeClass)<<24
	io.SetConfigDWord(configAddress(a, pciClassOffset), classWord)

	got, ok := ScanForController(io)
	require.True(t, ok, "expected to find a controller")
	assert.Equal(t, a, got)
}

func TestScanForControllerSkipsAbsentFunctions(t *testing.T) {
	io := port.NewIOSim(pciConfigAddr, pciConfigData)
	// every config read returns 0 (the map's zero value, since
	// SetConfigDWord is never called), so vendor == 0 in every slot and
	// ScanForController should skip them all and report no match.
	_, ok := ScanForController(io)
	assert.False(t, ok, "expected no controller in an empty bus")
}

func TestQueuePairSubmitAdvancesTailAndRingsDoorbell(t *testing.T) {
	mm := port.NewSim(0x2000)
	q := NewQueuePair(mm, 0, 4, 4, 0x1000, 0x2000, 0)

	var cmd [16]uint32
	cmd[0] = 0x02 // read opcode, low 16 bits preserved, CID overwritten
	cid := q.Submit(cmd)
	require.EqualValues(t, 0, cid, "expected first command id 0")
	assert.EqualValues(t, 1, q.sqTail, "expected sq_tail advanced to 1")
	assert.EqualValues(t, 1, mm.Load32(q.sqDoorbell()), "expected doorbell written with new tail 1")

	cid2 := q.Submit(cmd)
	assert.EqualValues(t, 1, cid2, "expected monotonically increasing command ids")
}

func writeCompletion(cq []byte, slot uint32, cid uint16, status uint16, phase bool) {
	off := slot * cqEntrySize
	var p uint16
	if phase {
		p = 1
	}
	dw3 := uint32(cid) | uint32(status<<1|p)<<16
	binary.LittleEndian.PutUint32(cq[off+12:], dw3)
}

func TestWaitCompletionHonorsPhaseBit(t *testing.T) {
	mm := port.NewSim(0x2000)
	q := NewQueuePair(mm, 0, 4, 4, 0x1000, 0x2000, 0)

	// stale entry from the previous phase: must be ignored.
	writeCompletion(q.cq, 0, 0, 0, false)
	_, k := q.WaitCompletion(context.Background(), 0, 10)
	require.Equal(t, kerr.Timeout, k, "expected stale entry to be ignored")
	assert.EqualValues(t, 0, q.cqHead, "expected cq_head not to move past a stale entry")

	writeCompletion(q.cq, 0, 0, 0, true) // valid: matches expectPhase==true
	comp, k := q.WaitCompletion(context.Background(), 0, 10)
	require.Equal(t, kerr.Ok, k, "expected completion")
	assert.EqualValues(t, 0, comp.CID)
	assert.EqualValues(t, 0, comp.Status)
	assert.EqualValues(t, 1, q.cqHead, "expected cq_head advanced to 1")
}

func TestWaitCompletionTimesOut(t *testing.T) {
	mm := port.NewSim(0x2000)
	q := NewQueuePair(mm, 0, 4, 4, 0x1000, 0x2000, 0)
	// leave cq all-zero: phase bit never matches expectPhase==true
	_, k := q.WaitCompletion(context.Background(), 0, 3)
	assert.Equal(t, kerr.Timeout, k)
}

func TestDisableControllerSucceedsWhenAlreadyNotReady(t *testing.T) {
	mm := port.NewSim(0x2000)
	c := NewController(mm)
	assert.Equal(t, kerr.Ok, c.DisableController(context.Background(), 5))
}

func TestEnableControllerReportsFatalOnCFS(t *testing.T) {
	mm := port.NewSim(0x2000)
	mm.Store32(regCSTS, cstsCFS)
	c := NewController(mm)
	assert.Equal(t, kerr.Hardware, c.EnableController(context.Background(), 0, 5), "expected Hardware on CSTS.CFS")
}

func TestEnableControllerTimesOutWithoutRDY(t *testing.T) {
	mm := port.NewSim(0x2000)
	c := NewController(mm)
	assert.Equal(t, kerr.Timeout, c.EnableController(context.Background(), 0, 3))
}
