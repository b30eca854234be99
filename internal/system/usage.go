package system

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a point-in-time view of the process and its host.
type Usage struct {
	RSS        uint64
	CPUPercent float64
	Goroutines int
	HostTotal  uint64
	HostUsed   float64 // percent
	CPUs       int
}

// ReadUsage samples the current process. Fields the platform cannot report
// stay zero.
func ReadUsage() Usage {
	u := Usage{Goroutines: runtime.NumGoroutine(), CPUs: runtime.NumCPU()}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		u.CPUs = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		u.HostTotal = vm.Total
		u.HostUsed = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			u.RSS = mi.RSS
		}
		if c, err := p.CPUPercent(); err == nil {
			u.CPUPercent = c
		}
	}
	return u
}

// Report is the performance summary printed after a run.
type Report struct {
	Elapsed     time.Duration
	Images      int
	FrameClips  int
	Transitions int
	Failures    int
	Usage       Usage
}

func (r Report) Write(w io.Writer) {
	fmt.Fprintln(w, "\n========================================")
	fmt.Fprintln(w, "         PRODUCTION REPORT")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "Elapsed:             %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Images rendered:     %d\n", r.Images)
	fmt.Fprintf(w, "Frame clips:         %d\n", r.FrameClips)
	fmt.Fprintf(w, "Transitions:         %d\n", r.Transitions)
	fmt.Fprintf(w, "Failed units:        %d\n", r.Failures)
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "Process RSS:         %s\n", formatBytes(r.Usage.RSS))
	fmt.Fprintf(w, "Process CPU:         %.1f%%\n", r.Usage.CPUPercent)
	fmt.Fprintf(w, "Goroutines:          %d\n", r.Usage.Goroutines)
	fmt.Fprintf(w, "Host memory:         %s (%.1f%% used)\n", formatBytes(r.Usage.HostTotal), r.Usage.HostUsed)
	fmt.Fprintf(w, "CPUs:                %d\n", r.Usage.CPUs)
	fmt.Fprintln(w, "========================================")
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
