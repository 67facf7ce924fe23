package supervisor

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	// defaultModelMemoryMB is assumed for identifiers absent from the table.
	defaultModelMemoryMB = 4096
	// headroomMB is extra free memory expected beyond the model need.
	headroomMB = 512
)

// modelMemoryMB maps model identifier substrings to their approximate
// resident memory need in MB. Checked in order; first match wins.
var modelMemoryMB = []struct {
	substr string
	mb     uint64
}{
	{"kokoro-v1.0", 3200},
	{"kokoro-v0.19", 3600},
	{"kokoro", 3300},
}

func estimateModelMemoryMB(modelID string) uint64 {
	id := strings.ToLower(modelID)
	for _, m := range modelMemoryMB {
		if strings.Contains(id, m.substr) {
			return m.mb
		}
	}
	return defaultModelMemoryMB
}

// checkMemoryHeadroom warns when free memory looks too small for the model.
// It never blocks a start: the estimate is coarse and swap may still carry
// the load.
func (s *Supervisor) checkMemoryHeadroom() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	need := (estimateModelMemoryMB(s.opts.ModelID) + headroomMB) * 1 << 20
	if vm.Available < need {
		s.log.Warn("low memory for worker start",
			"model", s.opts.ModelID,
			"available", humanize.IBytes(vm.Available),
			"recommended", humanize.IBytes(need))
	}
}
