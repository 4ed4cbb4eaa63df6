// Command kernel wires every subsystem together in the order spec §2
// requires: physical memory, then virtual memory, then the buddy heap,
// then slab caches, then the driver registry and the devices it brings
// up, then the scheduler. It consumes only what spec §6 says the boot
// stub hands off: a virtual kernel base and a physical heap base+size.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"kerncore/internal/block"
	"kerncore/internal/buddy"
	"kerncore/internal/driver"
	"kerncore/internal/kerr"
	"kerncore/internal/klog"
	"kerncore/internal/pmm"
	"kerncore/internal/sched"
	"kerncore/internal/slab"
	"kerncore/internal/tty"
	"kerncore/internal/vfs"
	"kerncore/internal/vmm"
)

// BootConfig is what the boot stub hands the kernel entry point (spec
// §6). There is no configuration file format at this layer — before a
// filesystem or any I/O driver exists there is nowhere to read one
// from — so BootConfig is a plain struct literal assembled by the
// entry stub, not a parsed document.
type BootConfig struct {
	VirtualKernelBase uintptr
	PhysHeapBase      pmm.PhysAddr
	PhysHeapSize      uint64
	ReservedRegions   []pmm.Region
}

// Kernel holds every subsystem once boot has brought it up.
type Kernel struct {
	PMM    *pmm.Allocator
	VMM    *vmm.Manager
	Buddy  *buddy.Allocator
	Slab   *slab.Allocator
	Driver *driver.Registry
	Block  *block.Registry
	Sched  *sched.Scheduler
	TTY    *tty.Device
	VFS    *vfs.Ramfs
}

// directMap simulates the kernel's fixed physical-to-virtual offset
// (spec §9) with a Go-level table, standing in for the identity-plus-
// higher-half mapping the boot stub has already installed before the
// kernel gains control.
func directMap(backing map[pmm.PhysAddr]*vmm.Table) vmm.DirectMap {
	return func(p pmm.PhysAddr) *vmm.Table {
		aligned := p &^ (vmm.PhysAddr(pmm.PageSize) - 1)
		t, ok := backing[aligned]
		if !ok {
			t = &vmm.Table{}
			backing[aligned] = t
		}
		return t
	}
}

// Boot brings up every subsystem in dependency order and returns the
// assembled Kernel.
func Boot(cfg BootConfig) (*Kernel, error) {
	klog.Info("boot", "starting", zap.Uint64("heap_size", cfg.PhysHeapSize))

	phys := pmm.New(cfg.PhysHeapBase, cfg.PhysHeapSize)
	phys.Init(cfg.ReservedRegions)

	backing := make(map[pmm.PhysAddr]*vmm.Table)
	rootPhys, ok := phys.AllocPage()
	if !ok {
		return nil, errors.Wrap(kerr.New(kerr.OutOfMemory, "boot:root-page-table"), "boot")
	}
	virt := vmm.New(phys, directMap(backing), rootPhys)

	heapSize := nextPowerOfTwo(cfg.PhysHeapSize / 2)
	heapBase, ok := phys.AllocPages(int(heapSize / pmm.PageSize))
	if !ok {
		return nil, errors.Wrap(kerr.New(kerr.OutOfMemory, "boot:buddy-heap-region"), "boot")
	}
	buddyAlloc := buddy.Init(heapBase, heapSize)
	slabAlloc := slab.Init(buddyAlloc)

	drivers := driver.New(64)
	blocks := block.New()
	scheduler := sched.New(256)
	scheduler.SchedulerInit()

	ttyDev := tty.NewDevice()
	fs := vfs.NewRamfs()

	klog.Info("boot", "subsystems ready")

	return &Kernel{
		PMM:    phys,
		VMM:    virt,
		Buddy:  buddyAlloc,
		Slab:   slabAlloc,
		Driver: drivers,
		Block:  blocks,
		Sched:  scheduler,
		TTY:    ttyDev,
		VFS:    fs,
	}, nil
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return pmm.PageSize
	}
	p := uint64(pmm.PageSize)
	for p < n {
		p <<= 1
	}
	return p
}

// Run brings every driver up via the registry's bring-up algorithm and
// reports which, if any, never resolved their dependencies.
func (k *Kernel) Run(ctx context.Context) {
	unresolved := k.Driver.InitAllConcurrent(ctx)
	for _, name := range unresolved {
		klog.Fail("boot", "driver:"+name, kerr.NotFound)
	}
}

func main() {
	cfg := BootConfig{
		VirtualKernelBase: 0xFFFF_8000_0000_0000,
		PhysHeapBase:      0,
		PhysHeapSize:      256 << 20,
	}

	k, err := Boot(cfg)
	if err != nil {
		klog.Printf("boot failed: %+v\n", err)
		os.Exit(1)
	}
	k.Run(context.Background())
	klog.Sync()
}
