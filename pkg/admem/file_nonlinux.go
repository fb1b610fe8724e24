//go:build unix && !linux

package admem

import "golang.org/x/sys/unix"

func preallocate(fd int, size int64) error {
	return unix.Ftruncate(fd, size)
}
