package downloader

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// storageMargin is how many times the file size must be free before fetching.
const storageMargin = 3

// SpaceChecker reports the free bytes on the volume holding path.
type SpaceChecker interface {
	Free(path string) (uint64, error)
}

// DiskSpace queries the operating system for free space.
type DiskSpace struct{}

func (DiskSpace) Free(path string) (uint64, error) {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func hasRoomFor(free uint64, fileSize int64) bool {
	if fileSize <= 0 {
		return true
	}
	return free >= storageMargin*uint64(fileSize)
}
