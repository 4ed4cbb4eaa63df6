package ata

import (
	"testing"

	"kerncore/internal/kerr"
	"kerncore/internal/port"
)

// statusSim wraps port.IOSim so the primary status register keeps its
// own value: the command register shares its port number, and on a real
// drive a command write does not change what a status read returns.
type statusSim struct {
	*port.IOSim
	status uint8
}

func newStatusSim() *statusSim { return &statusSim{IOSim: port.NewIOSim(0, 0)} }

func (s *statusSim) In8(addr uint16) uint8 {
	if addr == PrimaryData+regStatus {
		return s.status
	}
	return s.IOSim.In8(addr)
}

func (s *statusSim) Out8(addr uint16, v uint8) {
	if addr == PrimaryData+regCommand {
		return
	}
	s.IOSim.Out8(addr, v)
}

func TestReadSector(t *testing.T) {
	io := newStatusSim()
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 1024)

	// simulate the drive reporting DRQ immediately and a fixed data word.
	io.status = statusDRQ
	io.Out16(PrimaryData+regData, 0xBEEF)

	buf := make([]byte, 512)
	if k := d.Read(5, buf); k != kerr.Ok {
		t.Fatalf("read failed: %v", k)
	}
	if buf[0] != 0xEF || buf[1] != 0xBE {
		t.Fatalf("expected little-endian 0xBEEF in first word, got %x %x", buf[0], buf[1])
	}
}

func TestReadErrorStatusIsHardware(t *testing.T) {
	io := newStatusSim()
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 1024)
	io.status = statusERR

	buf := make([]byte, 512)
	if k := d.Read(0, buf); k != kerr.Hardware {
		t.Fatalf("expected Hardware on ERR status, got %v", k)
	}
}

func TestReadTimesOutWithoutDRQ(t *testing.T) {
	io := newStatusSim()
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 1024)
	d.MaxSpinIterations = 4 // status register stays zero: BSY clear, DRQ never sets

	buf := make([]byte, 512)
	if k := d.Read(0, buf); k != kerr.Timeout {
		t.Fatalf("expected Timeout, got %v", k)
	}
}

func TestWriteSector(t *testing.T) {
	io := newStatusSim()
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 1024)
	io.status = statusDRQ

	buf := make([]byte, 512)
	for i := 0; i < len(buf); i += 2 {
		buf[i], buf[i+1] = 0xCD, 0xAB
	}
	if k := d.Write(0, buf); k != kerr.Ok {
		t.Fatalf("write failed: %v", k)
	}
	if got := io.In16(PrimaryData + regData); got != 0xABCD {
		t.Fatalf("expected last word written 0xABCD, got %#x", got)
	}
}

func TestFlush(t *testing.T) {
	io := newStatusSim()
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 1024)
	if k := d.Flush(); k != kerr.Ok {
		t.Fatalf("flush failed: %v", k)
	}
}

func TestBlockOpsSurface(t *testing.T) {
	io := port.NewIOSim(0, 0)
	d := NewDrive(io, PrimaryData, PrimaryControl, false, "hda", 2048)
	if d.BlockSize() != 512 {
		t.Fatalf("expected 512-byte blocks, got %d", d.BlockSize())
	}
	if d.BlockCount() != 2048 {
		t.Fatalf("expected 2048 blocks, got %d", d.BlockCount())
	}
	if d.Label() != "hda" {
		t.Fatalf("expected label hda, got %q", d.Label())
	}
}
