package metrics

import (
	"fmt"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// ProcessPageFaults reads the page-fault counters of the running process.
// Platforms without support return an error and the collector reports zero.
func ProcessPageFaults() (PageFaults, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcess(int32(os.Getpid()))
	})
	if selfErr != nil {
		return PageFaults{}, fmt.Errorf("open process: %w", selfErr)
	}

	stat, err := self.PageFaults()
	if err != nil {
		return PageFaults{}, fmt.Errorf("read page faults: %w", err)
	}
	return PageFaults{Minor: stat.MinorFaults, Major: stat.MajorFaults}, nil
}
