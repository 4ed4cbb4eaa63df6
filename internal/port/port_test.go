package port

import "testing"

func TestSimLoadStore32(t *testing.T) {
	s := NewSim(4096)
	s.Store32(0x14, 0xDEADBEEF)
	if got := s.Load32(0x14); got != 0xDEADBEEF {
		t.Fatalf("expected 0xDEADBEEF, got %#x", got)
	}
}

func TestSimLoadStore64(t *testing.T) {
	s := NewSim(4096)
	s.Store64(0x28, 0x1122334455667788)
	if got := s.Load64(0x28); got != 0x1122334455667788 {
		t.Fatalf("expected round trip, got %#x", got)
	}
}

func TestIOSimConfigSpaceWindow(t *testing.T) {
	io := NewIOSim(0xCF8, 0xCFC)
	addr := uint32(1<<31 | 0<<16 | 3<<11 | 0<<8)
	io.SetConfigDWord(addr, 0x12345678)

	io.Out32(0xCF8, addr)
	if got := io.In32(0xCFC); got != 0x12345678 {
		t.Fatalf("expected preloaded config dword, got %#x", got)
	}
}
