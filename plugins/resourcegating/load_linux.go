package resourcegating

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// siLoadShift is the fixed-point shift of sysinfo load averages.
const siLoadShift = 16

func systemLoad() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	load := float64(info.Loads[0]) / float64(uint64(1)<<siLoadShift)
	return load / float64(runtime.NumCPU()), nil
}
