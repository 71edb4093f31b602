//go:build linux

package store

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// birthTime returns the creation time recorded by the filesystem, or the
// modification time when statx has no birth time for path.
func birthTime(path string, info fs.FileInfo) time.Time {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, unix.STATX_BTIME, &stx)
	if err != nil || stx.Mask&unix.STATX_BTIME == 0 {
		return info.ModTime()
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
}
