//go:build unix

package fs

import (
	"fmt"
	"io/fs"
	"syscall"
	"time"
)

// statData holds platform-specific file metadata extracted from fs.FileInfo.
type statData struct {
	UID   uint32
	GID   uint32
	Ctime time.Time
}

// extractStatData extracts Unix-specific stat data from a FileInfo.
func extractStatData(info fs.FileInfo) (*statData, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("cannot extract stat data: expected *syscall.Stat_t, got %T", info.Sys())
	}

	return &statData{
		UID:   stat.Uid,
		GID:   stat.Gid,
		Ctime: time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec)),
	}, nil
}
