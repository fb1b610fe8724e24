//go:build unix

package admem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/flier/admem/pkg/xunsafe/layout"
)

// fileOpen opens (and with create, allocates) the backing file and maps
// it read-write shared. The blob capacity is taken from the store at
// create time and from the file size at open time.
func (b *blob) fileOpen(path string, create bool) error {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	if create {
		size := layout.RoundUp(b.cap, 1<<12)
		if err = preallocate(fd, int64(size)); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("preallocate %d bytes: %w", size, err)
		}
		if err = unix.Fsync(fd); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("fsync: %w", err)
		}
		b.cap = size
	}

	var stat unix.Stat_t
	if err = unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("fstat: %w", err)
	}

	b.statSz = uint64(stat.Size)
	if b.cap == 0 {
		b.cap = b.statSz
	}
	b.log("file_open", "stat %s size %d", path, b.statSz)

	mapped, err := unix.Mmap(fd, 0, int(b.statSz), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("mmap: %w", err)
	}

	b.fd = fd
	b.mmap = mapped
	return nil
}

func munmapBacking(mapped []byte) error { return unix.Munmap(mapped) }

func closeBacking(fd int) error { return unix.Close(fd) }
