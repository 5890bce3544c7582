package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// MinDiskSpaceBytes is the minimum free space under the data directory.
const MinDiskSpaceBytes = 100 * 1024 * 1024

// MinFileDescriptors is the minimum open-file limit. Every open bleve
// index holds several segment files.
const MinFileDescriptors = 1024

// writable checks that dir exists, or can be created, and accepts files.
func writable(name, dir string) Check {
	return func(context.Context) CheckResult {
		result := CheckResult{Name: name, Required: true}
		if dir == "" {
			result.Status = StatusPass
			result.Message = "in memory"
			return result
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
			return result
		}
		f, err := os.CreateTemp(dir, ".esindex-preflight-*")
		if err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("permission denied: %v", err)
			return result
		}
		_ = f.Close()
		_ = os.Remove(f.Name())

		result.Status = StatusPass
		result.Message = dir
		return result
	}
}

func diskSpace(dir string) Check {
	return func(context.Context) CheckResult {
		result := CheckResult{Name: "disk_space", Required: true}

		var stat syscall.Statfs_t
		if err := syscall.Statfs(existingParent(dir), &stat); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("failed to check disk space: %v", err)
			return result
		}
		available := stat.Bavail * uint64(stat.Bsize)
		result.Message = fmt.Sprintf("%s free (minimum: %s)", FormatBytes(available), FormatBytes(MinDiskSpaceBytes))
		if available < MinDiskSpaceBytes {
			result.Status = StatusFail
			return result
		}
		result.Status = StatusPass
		return result
	}
}

func fileDescriptors() Check {
	return func(context.Context) CheckResult {
		result := CheckResult{Name: "file_descriptors", Required: false}

		var limit syscall.Rlimit
		if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
			result.Status = StatusWarn
			result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
			return result
		}
		result.Message = fmt.Sprintf("%d (minimum: %d)", limit.Cur, MinFileDescriptors)
		if limit.Cur < MinFileDescriptors {
			result.Status = StatusWarn
			result.Details = "run 'ulimit -n 10240' before indexing many tables"
			return result
		}
		result.Status = StatusPass
		return result
	}
}

// existingParent returns dir or its closest existing ancestor.
func existingParent(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// FormatBytes formats a byte count for people.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
