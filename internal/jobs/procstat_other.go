//go:build !unix

package jobs

// processCPUSeconds is unavailable on this platform; heartbeats report
// zero CPU.
func processCPUSeconds() float64 {
	return 0
}
