package platform

// GPU detection shells out to nvidia-smi and parses its CSV query output,
// generalizing the teacher's internal/cuda package (which binds directly
// to NVML via cgo) into a portable, cgo-free probe appropriate for a
// process that must start cleanly on hosts with no CUDA toolchain at all.
// See DESIGN.md for why the NVML binding itself was not carried forward.

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const gpuProbeTimeout = 5 * time.Second

// detectGPUs reports the zero-or-more accelerators visible to this
// process. A host with no nvidia-smi (or no GPUs) yields an empty, non-nil
// slice and a nil error — absence of a GPU is not a probe failure.
func detectGPUs() (gpus []GPU, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), gpuProbeTimeout)
	defer cancel()

	path, errGo := exec.LookPath("nvidia-smi")
	if errGo != nil {
		return []GPU{}, nil
	}

	// #nosec G204 -- fixed argument list, no user input reaches this command
	cmd := exec.CommandContext(ctx, path,
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits")

	var out bytes.Buffer
	cmd.Stdout = &out
	if errGo := cmd.Run(); errGo != nil {
		return []GPU{}, nil
	}

	return parseNvidiaSMI(out.String()), nil
}

func parseNvidiaSMI(output string) []GPU {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	gpus := make([]GPU, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		memMiB, _ := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		cudaVer := ""
		if len(fields) >= 3 {
			cudaVer = strings.TrimSpace(fields[2])
		}
		gpus = append(gpus, GPU{Name: name, MemoryMiB: memMiB, CUDAVersion: cudaVer})
	}
	return gpus
}
