//go:build linux || darwin

package checkpoint

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is a read-only memory map of a file, pairing the open fd
// with the mapped slice so Close releases both in the right order.
type mappedFile struct {
	f *os.File
	b []byte
}

func openMapped(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: stat: %w", err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("checkpoint: empty file %q", path)
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: mmap: %w", err)
	}
	return &mappedFile{f: f, b: b}, nil
}

func (m *mappedFile) Bytes() []byte { return m.b }

func (m *mappedFile) Close() error {
	err0 := unix.Munmap(m.b)
	err1 := m.f.Close()
	if err0 != nil {
		return err0
	}
	return err1
}
