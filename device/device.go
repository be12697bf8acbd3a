package device

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/cpu"
)

type DeviceType uint8

// Supported device types.
const (
	CpuDevice DeviceType = 1 << iota
	OtherDevice
	AllDevices = 0xFF
)

func (dt DeviceType) String() string {
	switch dt {
	case CpuDevice:
		return "CPU"
	case OtherDevice:
		return "Other"
	}
	panic("cpu device: unsupported device type")
}

// KernelStat aggregates the launches of a single kernel.
type KernelStat struct {
	Name     string
	Launches int
	Time     time.Duration
}

// A Device executes kernels on a bounded pool of goroutines.
type Device struct {
	Name string
	Type DeviceType

	// Max number of work groups executing concurrently.
	Workers int

	// Instruction set extensions detected on the host.
	Features []string

	statsMu sync.Mutex
	stats   map[string]*KernelStat
}

// A list of devices.
type DeviceList []*Device

// New creates a CPU device. If workers is <= 0 the device uses GOMAXPROCS workers.
func New(name string, workers int) *Device {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Device{
		Name:     name,
		Type:     CpuDevice,
		Workers:  workers,
		Features: cpuFeatures(),
		stats:    make(map[string]*KernelStat),
	}
}

// CPUDevices returns the devices available on the host.
func CPUDevices() DeviceList {
	return DeviceList{New(fmt.Sprintf("%s/%s host", runtime.GOOS, runtime.GOARCH), 0)}
}

// Implements Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("Name: %s\nType: %s\nWorkers: %d\nFeatures: %v", d.Name, d.Type, d.Workers, d.Features)
}

// Kernel wraps fn as a named kernel that runs on this device.
func (d *Device) Kernel(name string, fn KernelFunc) *Kernel {
	return &Kernel{
		device: d,
		name:   name,
		fn:     fn,
	}
}

// KernelStats returns the accumulated per-kernel timings sorted by name.
func (d *Device) KernelStats() []KernelStat {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	out := make([]KernelStat, 0, len(d.stats))
	for _, st := range d.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetStats clears the accumulated kernel timings.
func (d *Device) ResetStats() {
	d.statsMu.Lock()
	d.stats = make(map[string]*KernelStat)
	d.statsMu.Unlock()
}

func (d *Device) recordLaunch(name string, elapsed time.Duration) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	st, ok := d.stats[name]
	if !ok {
		st = &KernelStat{Name: name}
		d.stats[name] = st
	}
	st.Launches++
	st.Time += elapsed
}

func cpuFeatures() []string {
	var features []string
	flags := []struct {
		name string
		ok   bool
	}{
		{"sse4.1", cpu.X86.HasSSE41},
		{"sse4.2", cpu.X86.HasSSE42},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512f", cpu.X86.HasAVX512F},
		{"asimd", cpu.ARM64.HasASIMD},
		{"fphp", cpu.ARM64.HasFPHP},
		{"atomics", cpu.ARM64.HasATOMICS},
	}
	for _, f := range flags {
		if f.ok {
			features = append(features, f.name)
		}
	}
	return features
}

func (d *Device) workers() int {
	return max(1, d.Workers)
}
