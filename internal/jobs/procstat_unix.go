//go:build unix

package jobs

import (
	"syscall"
	"time"
)

// processCPUSeconds returns the cumulative user+system CPU time this
// process has consumed.
func processCPUSeconds() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	total := time.Duration(ru.Utime.Nano()) + time.Duration(ru.Stime.Nano())
	return total.Seconds()
}
