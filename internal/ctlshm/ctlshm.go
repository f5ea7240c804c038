// Package ctlshm implements the supervisor's shared-memory control
// block, read by every traced process instance at interceptor init time.
// Go cannot overlay a struct with string fields directly onto a shared
// memory region, so the block is a small length-prefixed binary encoding
// written into the mapped pages.
package ctlshm

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Name is the default shared-memory object name.
const Name = "/lktracectl"

// shmDir is where POSIX shared memory objects live on Linux; there is no
// shm_open wrapper in golang.org/x/sys/unix, but on Linux shm_open is
// itself implemented as open() against this tmpfs-backed directory, so
// opening the path directly is equivalent.
const shmDir = "/dev/shm"

// Size is the fixed size of the mapped control block. 4 KiB comfortably
// holds the trace-skip count plus three path strings.
const Size = 4096

// Control is the tracer configuration published by the supervisor and
// read by every traced process's interceptor.
type Control struct {
	TraceSkip  uint32
	Prefix     string
	WorkingDir string
	TargetDir  string
}

// Block is a handle to the mapped shared-memory control block.
type Block struct {
	fd   int
	data []byte
	path string
}

// Create opens (creating if necessary) the named POSIX shared-memory
// object, sizes it to Size, maps it, and encodes ctl into it. The caller
// must call Close when the supervisor exits to munmap and shm_unlink it.
func Create(name string, ctl Control) (*Block, error) {
	path := shmDir + name
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ctlshm: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, Size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctlshm: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctlshm: mmap: %w", err)
	}
	b := &Block{fd: fd, data: data, path: path}
	if err := b.encode(ctl); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Open maps an existing control block for reading, used by the
// interceptor shim inside the traced process. An empty name falls back
// to the default Name.
func Open(name string) (*Block, error) {
	if name == "" {
		name = Name
	}
	path := shmDir + name
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("ctlshm: open %s: %w", path, err)
	}
	data, err := unix.Mmap(fd, 0, Size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctlshm: mmap: %w", err)
	}
	return &Block{fd: fd, data: data, path: path}, nil
}

func (b *Block) encode(ctl Control) error {
	buf := b.data
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], ctl.TraceSkip)
	off += 4
	var err error
	for _, s := range []string{ctl.Prefix, ctl.WorkingDir, ctl.TargetDir} {
		off, err = putString(buf, off, s)
		if err != nil {
			return err
		}
	}
	return nil
}

func putString(buf []byte, off int, s string) (int, error) {
	if off+4+len(s) > len(buf) {
		return 0, fmt.Errorf("ctlshm: control block too small for %d-byte string", len(s))
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s)))
	off += 4
	copy(buf[off:], s)
	return off + len(s), nil
}

func getString(buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, fmt.Errorf("ctlshm: truncated control block")
	}
	n := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+n > len(buf) {
		return "", 0, fmt.Errorf("ctlshm: truncated control block string")
	}
	return string(buf[off : off+n]), off + n, nil
}

// Decode reads the Control value out of the mapped block.
func (b *Block) Decode() (Control, error) {
	var ctl Control
	buf := b.data
	if len(buf) < 4 {
		return ctl, fmt.Errorf("ctlshm: truncated control block")
	}
	ctl.TraceSkip = binary.LittleEndian.Uint32(buf[0:])
	off := 4
	var err error
	ctl.Prefix, off, err = getString(buf, off)
	if err != nil {
		return ctl, err
	}
	ctl.WorkingDir, off, err = getString(buf, off)
	if err != nil {
		return ctl, err
	}
	ctl.TargetDir, _, err = getString(buf, off)
	if err != nil {
		return ctl, err
	}
	return ctl, nil
}

// Close unmaps the block and closes its file descriptor.
func (b *Block) Close() error {
	var err error
	if b.data != nil {
		err = unix.Munmap(b.data)
		b.data = nil
	}
	if b.fd != 0 {
		unix.Close(b.fd)
	}
	return err
}

// Unlink removes the backing shared-memory object. Only the supervisor
// (which created the block) should call this, after Close.
func (b *Block) Unlink() error {
	return os.Remove(b.path)
}
