//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func osMap(f *os.File, size int, hint Hint) ([]byte, func([]byte) error, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	advice := unix.MADV_NORMAL
	switch hint {
	case HintRandom:
		advice = unix.MADV_RANDOM
	case HintSequential:
		advice = unix.MADV_SEQUENTIAL
	}
	// Advice is best effort; a kernel refusing it does not fail the mapping.
	_ = unix.Madvise(data, advice)
	return data, unix.Munmap, nil
}
