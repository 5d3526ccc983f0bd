package sessionmgr

import (
	"os"
	"strconv"
	"strings"
)

// cgroupMemoryLimitBytes returns the container memory limit in bytes,
// supporting both cgroup v2 and v1, adapted from the teacher's cgroup.go.
// Returns 0 with a nil error when no limit is detected (bare metal, or a
// cgroup without a configured ceiling).
func cgroupMemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}
