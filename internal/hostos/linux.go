// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package hostos

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pagemapEntryPresent is the present bit in a /proc/self/pagemap entry.
const pagemapEntryPresent = 1 << 63

// pagemapPFNMask masks the page frame number out of a pagemap entry.
const pagemapPFNMask = (1 << 55) - 1

var (
	pageSizeOnce sync.Once
	cachedPage   int
)

func pageSize() int {
	pageSizeOnce.Do(func() { cachedPage = unix.Getpagesize() })
	return cachedPage
}

func isPageAligned(n int) bool {
	return n%pageSize() == 0
}

// LinuxAllocator allocates locked, page-aligned anonymous mappings via mmap
// and resolves their physical backing via /proc/self/pagemap. It satisfies
// both PageAllocator and AddressTranslator. A mapping is contiguous in
// virtual memory only; its pages' physical frames are not guaranteed to be
// contiguous.
type LinuxAllocator struct {
	mu      sync.Mutex
	regions map[PageHandle][]byte
	next    atomic.Uint64

	pagemap *os.File
}

// NewLinuxAllocator opens /proc/self/pagemap and returns an allocator ready
// for use. Translating addresses requires CAP_SYS_RAWIO on most kernels.
func NewLinuxAllocator() (*LinuxAllocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("hostos: open pagemap: %w", err)
	}
	return &LinuxAllocator{
		regions: make(map[PageHandle][]byte),
		pagemap: f,
	}, nil
}

// Close releases the pagemap file descriptor.
func (a *LinuxAllocator) Close() error {
	return a.pagemap.Close()
}

// AllocateContiguous implements PageAllocator.
func (a *LinuxAllocator) AllocateContiguous(length int) ([]byte, PageHandle, error) {
	if length <= 0 || !isPageAligned(length) {
		return nil, 0, fmt.Errorf("hostos: length %d is not a positive page-aligned size", length)
	}

	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, 0, fmt.Errorf("hostos: mmap %d bytes: %w", length, err)
	}
	if err := unix.Mlock(buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, 0, fmt.Errorf("hostos: mlock %d bytes: %w", length, err)
	}

	handle := PageHandle(a.next.Add(1))
	a.mu.Lock()
	a.regions[handle] = buf
	a.mu.Unlock()
	return buf, handle, nil
}

// Release implements PageAllocator.
func (a *LinuxAllocator) Release(handle PageHandle) error {
	a.mu.Lock()
	buf, ok := a.regions[handle]
	if ok {
		delete(a.regions, handle)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostos: release: unknown handle %d", handle)
	}
	_ = unix.Munlock(buf)
	return unix.Munmap(buf)
}

// PhysicalAddress implements AddressTranslator by reading the page's frame
// number out of /proc/self/pagemap.
func (a *LinuxAllocator) PhysicalAddress(p []byte) (PhysAddr, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("hostos: PhysicalAddress of empty slice")
	}
	addr := uintptr(unsafe.Pointer(&p[0])) //nolint:gosec
	if addr%uintptr(pageSize()) != 0 {
		return 0, fmt.Errorf("hostos: PhysicalAddress: address %#x is not page-aligned", addr)
	}

	const entrySize = 8
	off := int64(addr/uintptr(pageSize())) * entrySize

	var raw [entrySize]byte
	if _, err := a.pagemap.ReadAt(raw[:], off); err != nil {
		return 0, fmt.Errorf("hostos: read pagemap at offset %#x: %w", off, err)
	}
	entry := binary.LittleEndian.Uint64(raw[:])
	if entry&pagemapEntryPresent == 0 {
		return 0, fmt.Errorf("hostos: page at %#x is not resident", addr)
	}
	pfn := entry & pagemapPFNMask
	return PhysAddr(pfn*uint64(pageSize())) | PhysAddr(addr%uintptr(pageSize())), nil //nolint:gosec
}

// ACPIIRQDiscoverer finds the VMBus IRQ by walking /sys/bus/acpi/devices for
// the VMBUS HID, the Linux sysfs analogue of an ACPI namespace walk.
type ACPIIRQDiscoverer struct {
	// Root overrides the sysfs root, for tests. Defaults to /sys/bus/acpi/devices.
	Root string
}

func (d *ACPIIRQDiscoverer) root() string {
	if d.Root != "" {
		return d.Root
	}
	return "/sys/bus/acpi/devices"
}

// BusIRQ implements IRQDiscoverer.
func (d *ACPIIRQDiscoverer) BusIRQ() (uint8, error) {
	entries, err := os.ReadDir(d.root())
	if err != nil {
		return 0, fmt.Errorf("hostos: read %s: %w", d.root(), err)
	}
	for _, e := range entries {
		hid, err := os.ReadFile(filepath.Join(d.root(), e.Name(), "hid")) //nolint:gosec
		if err != nil {
			continue
		}
		if trimTrailingNewline(hid) != "VMBUS" {
			continue
		}
		irqPath := filepath.Join(d.root(), e.Name(), "irq")
		raw, err := os.ReadFile(irqPath) //nolint:gosec
		if err != nil {
			return 0, fmt.Errorf("hostos: read %s: %w", irqPath, err)
		}
		var irq uint64
		if _, err := fmt.Sscanf(trimTrailingNewline(raw), "%d", &irq); err != nil {
			return 0, fmt.Errorf("hostos: parse irq from %s: %w", irqPath, err)
		}
		return uint8(irq), nil //nolint:gosec
	}
	return 0, fmt.Errorf("hostos: no ACPI device with HID %q found under %s", "VMBUS", d.root())
}

func trimTrailingNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

// SysfsNodePublisher publishes device-node attributes as plain files under
// a directory per channel, standing in for the host-OS device manager's
// child-node publication API.
type SysfsNodePublisher struct {
	// Root is the directory nodes are published under. Created if absent.
	Root string

	Log *slog.Logger

	mu    sync.Mutex
	next  atomic.Uint64
	nodes map[NodeHandle]string
}

// NewSysfsNodePublisher returns a publisher rooted at root.
func NewSysfsNodePublisher(root string, log *slog.Logger) *SysfsNodePublisher {
	if log == nil {
		log = slog.Default()
	}
	return &SysfsNodePublisher{Root: root, Log: log, nodes: make(map[NodeHandle]string)}
}

// Publish implements NodePublisher.
func (p *SysfsNodePublisher) Publish(ctx context.Context, attrs ChannelAttrs) (NodeHandle, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	dir := filepath.Join(p.Root, fmt.Sprintf("channel-%d", attrs.ChannelID))
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec
		return 0, fmt.Errorf("hostos: mkdir %s: %w", dir, err)
	}
	files := map[string]string{
		"bus":           attrs.Bus,
		"pretty_name":   attrs.PrettyName,
		"channel_id":    fmt.Sprintf("%d", attrs.ChannelID),
		"type_uuid":     attrs.TypeUUID,
		"instance_uuid": attrs.InstanceUUID,
	}
	for name, val := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(val+"\n"), 0o644); err != nil { //nolint:gosec
			return 0, fmt.Errorf("hostos: write %s/%s: %w", dir, name, err)
		}
	}

	handle := NodeHandle(p.next.Add(1))
	p.mu.Lock()
	p.nodes[handle] = dir
	p.mu.Unlock()
	p.Log.Debug("published channel node", "channel_id", attrs.ChannelID, "type_uuid", attrs.TypeUUID, "path", dir)
	return handle, nil
}

// Withdraw implements NodePublisher.
func (p *SysfsNodePublisher) Withdraw(ctx context.Context, handle NodeHandle) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	p.mu.Lock()
	dir, ok := p.nodes[handle]
	if ok {
		delete(p.nodes, handle)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostos: withdraw: unknown handle %d", handle)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("hostos: remove %s: %w", dir, err)
	}
	p.Log.Debug("withdrew channel node", "path", dir)
	return nil
}

// LinuxInterruptInstaller delivers the VMBus interrupt line through the
// Linux UIO framework: the uio_hv_generic kernel driver binds to the VMBus
// ACPI device and exposes its interrupt as a /dev/uioN character device. A
// blocking 4-byte read on that device returns once per interrupt; writing
// the same 4 bytes back re-arms it. UIO hands the whole line to one fd with
// no per-CPU routing, so every delivery is reported as CPU 0.
type LinuxInterruptInstaller struct {
	// Root overrides the sysfs root used to find the UIO device bound to
	// a given irq, for tests. Defaults to /sys/class/uio.
	Root string

	Log *slog.Logger

	mu      sync.Mutex
	cancels map[uint8]context.CancelFunc
	files   map[uint8]*os.File
}

func (in *LinuxInterruptInstaller) root() string {
	if in.Root != "" {
		return in.Root
	}
	return "/sys/class/uio"
}

func (in *LinuxInterruptInstaller) log() *slog.Logger {
	if in.Log != nil {
		return in.Log
	}
	return slog.Default()
}

// findDevice walks the UIO class directory for the device bound to irq,
// matching on the interrupt number exposed under its parent device node.
func (in *LinuxInterruptInstaller) findDevice(irq uint8) (string, error) {
	entries, err := os.ReadDir(in.root())
	if err != nil {
		return "", fmt.Errorf("hostos: read %s: %w", in.root(), err)
	}
	for _, e := range entries {
		irqPath := filepath.Join(in.root(), e.Name(), "device", "irq")
		raw, err := os.ReadFile(irqPath) //nolint:gosec
		if err != nil {
			continue
		}
		var got uint64
		if _, err := fmt.Sscanf(trimTrailingNewline(raw), "%d", &got); err != nil {
			continue
		}
		if uint8(got) == irq { //nolint:gosec
			return filepath.Join("/dev", e.Name()), nil
		}
	}
	return "", fmt.Errorf("hostos: no UIO device bound to irq %d found under %s", irq, in.root())
}

// Install implements InterruptInstaller.
func (in *LinuxInterruptInstaller) Install(irq uint8, handler func(cpu int)) error {
	devPath, err := in.findDevice(irq)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(devPath, os.O_RDWR, 0) //nolint:gosec
	if err != nil {
		return fmt.Errorf("hostos: open %s: %w", devPath, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.mu.Lock()
	if in.cancels == nil {
		in.cancels = make(map[uint8]context.CancelFunc)
		in.files = make(map[uint8]*os.File)
	}
	in.cancels[irq] = cancel
	in.files[irq] = f
	in.mu.Unlock()

	go in.run(ctx, f, handler)
	return nil
}

func (in *LinuxInterruptInstaller) run(ctx context.Context, f *os.File, handler func(cpu int)) {
	var count [4]byte
	for {
		n, err := f.Read(count[:])
		if err != nil {
			if ctx.Err() == nil {
				in.log().Warn("uio interrupt read failed", "error", err)
			}
			return
		}
		if n != len(count) {
			continue
		}
		handler(0)
		if _, err := f.Write(count[:]); err != nil {
			in.log().Warn("uio interrupt re-enable failed", "error", err)
			return
		}
	}
}

// Uninstall implements InterruptInstaller.
func (in *LinuxInterruptInstaller) Uninstall(irq uint8) error {
	in.mu.Lock()
	cancel := in.cancels[irq]
	f := in.files[irq]
	delete(in.cancels, irq)
	delete(in.files, irq)
	in.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if f == nil {
		return nil
	}
	return f.Close()
}

// LinuxCPUBroadcaster runs a function on every online CPU by spawning one
// goroutine per CPU, locking each to its own OS thread and pinning that
// thread's affinity mask before calling fn, so fn observes the MSRs of the
// CPU it was asked to run on rather than whichever one the scheduler last
// placed the goroutine on.
type LinuxCPUBroadcaster struct{}

// NumCPU implements CPUBroadcaster.
func (LinuxCPUBroadcaster) NumCPU() int { return runtime.NumCPU() }

// RunOnEach implements CPUBroadcaster.
func (b LinuxCPUBroadcaster) RunOnEach(fn func(cpu int)) error {
	n := b.NumCPU()
	errs := make([]error, n)

	var wg sync.WaitGroup
	for cpu := 0; cpu < n; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			var set unix.CPUSet
			set.Zero()
			set.Set(cpu)
			if err := unix.SchedSetaffinity(0, &set); err != nil {
				errs[cpu] = fmt.Errorf("hostos: pin thread to cpu%d: %w", cpu, err)
				return
			}
			fn(cpu)
		}(cpu)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
