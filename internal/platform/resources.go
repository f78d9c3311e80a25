package platform

import (
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// detectLimits reads the host's hard resource caps using gopsutil, the
// same library the teacher's internal/cpu_resource package uses to seed
// its allocator with HardMaxCores/HardMaxMem. Here there is no allocator —
// the profile simply reports what the host has, once, for the lifetime of
// the process.
func detectLimits() (limits Limits, err kv.Error) {
	infos, errGo := cpu.Info()
	if errGo != nil {
		return limits, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	limits.CPUCount = uint(len(infos))
	if limits.CPUCount == 0 {
		if n, errGo := cpu.Counts(true); errGo == nil {
			limits.CPUCount = uint(n)
		}
	}

	vm, errGo := mem.VirtualMemory()
	if errGo != nil {
		return limits, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	limits.MemoryMiB = vm.Available / (1024 * 1024)

	usage, errGo := disk.Usage("/")
	if errGo != nil {
		return limits, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	limits.DiskMiB = usage.Free / (1024 * 1024)

	return limits, nil
}
