// Package tty implements the kernel's line discipline: a lock-free
// single-producer single-consumer ring buffer fed by the keyboard
// interrupt handler and drained by whichever task is blocked reading
// the console (spec §5's TTY line buffer; spec §10.1). The ring's
// head/tail wraparound arithmetic is grounded on the teacher's
// circbuf.Circbuf_t, adapted from a general page-backed byte buffer
// shared with userspace copies into a fixed-size host-memory ring
// meant to be touched from exactly one producer and one consumer.
package tty

import "sync/atomic"

// RingSize is the capacity of one TTY ring buffer in bytes.
const RingSize = 256

// Ring is a single-producer single-consumer circular byte buffer. The
// producer (interrupt context) calls only Push; the consumer (task
// context) calls only Pop. head and tail are never written by both
// sides, matching spec §5's interrupt-reentrancy rule.
type Ring struct {
	buf  [RingSize]byte
	head uint32 // next write position, producer-owned
	tail uint32 // next read position, consumer-owned
}

// Full reports whether the ring cannot accept more bytes.
func (r *Ring) Full() bool {
	head := atomic.LoadUint32(&r.head)
	tail := atomic.LoadUint32(&r.tail)
	return head-tail == RingSize
}

// Empty reports whether the ring has no unread bytes.
func (r *Ring) Empty() bool {
	head := atomic.LoadUint32(&r.head)
	tail := atomic.LoadUint32(&r.tail)
	return head == tail
}

// Used returns the number of unread bytes currently buffered.
func (r *Ring) Used() int {
	head := atomic.LoadUint32(&r.head)
	tail := atomic.LoadUint32(&r.tail)
	return int(head - tail)
}

// Push appends one byte from the producer side. It silently drops the
// byte if the ring is full, matching the teacher's circbuf behavior of
// never blocking the interrupt handler.
func (r *Ring) Push(b byte) bool {
	if r.Full() {
		return false
	}
	head := atomic.LoadUint32(&r.head)
	r.buf[head%RingSize] = b
	atomic.StoreUint32(&r.head, head+1)
	return true
}

// Pop removes and returns one byte from the consumer side.
func (r *Ring) Pop() (byte, bool) {
	if r.Empty() {
		return 0, false
	}
	tail := atomic.LoadUint32(&r.tail)
	b := r.buf[tail%RingSize]
	atomic.StoreUint32(&r.tail, tail+1)
	return b, true
}

// Device is a TTY: a ring buffer plus the wake-up hook used to unblock
// a task sleeping on input (spec §5: drivers that service interrupts
// unblock one waiting task).
type Device struct {
	Ring    Ring
	Waiting bool
	Wake    func()
}

// NewDevice creates an empty, unblocked TTY device.
func NewDevice() *Device {
	return &Device{}
}

// Input is called from the keyboard interrupt handler: it pushes the
// byte and wakes the waiting reader, if any.
func (d *Device) Input(b byte) {
	d.Ring.Push(b)
	if d.Waiting && d.Wake != nil {
		d.Waiting = false
		d.Wake()
	}
}

// Read drains up to len(buf) bytes already buffered, returning the
// count read. It never blocks itself; callers needing blocking
// semantics set Waiting and call task_block via Wake's owner before
// retrying.
func (d *Device) Read(buf []byte) int {
	n := 0
	for n < len(buf) {
		b, ok := d.Ring.Pop()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n
}
