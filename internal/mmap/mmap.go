// Copyright 2022 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmap provides access to memory-mapped register windows.
package mmap // import "github.com/go-lpc/clamp/internal/mmap"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

var (
	errClosed = errors.New("mmap: closed")
)

// Handle is a memory-mapped window.
type Handle struct {
	data   []byte
	f      *os.File
	mapped bool
}

// Open maps size bytes of the named file (typically /dev/mem or a UIO
// device), starting at offset off.
func Open(fname string, off int64, size int) (*Handle, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap: could not open %q: %w", fname, err)
	}

	data, err := unix.Mmap(
		int(f.Fd()), off, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: could not mmap %q: %w", fname, err)
	}
	if len(data) != size {
		_ = unix.Munmap(data)
		_ = f.Close()
		return nil, fmt.Errorf("mmap: invalid mmap'd data: %d", len(data))
	}

	h := &Handle{data: data, f: f, mapped: true}
	runtime.SetFinalizer(h, (*Handle).Close)
	return h, nil
}

// FromBytes returns a handle over a plain memory buffer.
func FromBytes(data []byte) *Handle {
	return &Handle{data: data}
}

// Close unmaps the window.
func (h *Handle) Close() error {
	if h == nil {
		return os.ErrInvalid
	}

	if h.data == nil {
		return nil
	}
	data := h.data
	h.data = nil
	runtime.SetFinalizer(h, nil)

	if !h.mapped {
		return nil
	}
	err := unix.Munmap(data)
	if h.f != nil {
		if e := h.f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Len returns the size of the window.
func (h *Handle) Len() int {
	return len(h.data)
}

// ReadU32 reads the 32-bit little-endian register at offset off.
func (h *Handle) ReadU32(off int64) (uint32, error) {
	if err := h.check(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(h.data[off : off+4]), nil
}

// WriteU32 writes the 32-bit little-endian register at offset off.
func (h *Handle) WriteU32(off int64, v uint32) error {
	if err := h.check(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(h.data[off:off+4], v)
	return nil
}

func (h *Handle) check(off, n int64) error {
	switch {
	case h == nil:
		return os.ErrInvalid
	case h.data == nil:
		return errClosed
	case off < 0 || off+n > int64(len(h.data)):
		return errOffset
	}
	return nil
}

var errOffset = errors.New("mmap: invalid register offset")

// ReadAt implements the io.ReaderAt interface.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements the io.WriterAt interface.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h == nil {
		return 0, os.ErrInvalid
	}

	if h.data == nil {
		return 0, errClosed
	}
	if off < 0 || int64(len(h.data)) < off {
		return 0, fmt.Errorf("mmap: invalid WriteAt offset %d", off)
	}
	n := copy(h.data[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
	_ io.Closer   = (*Handle)(nil)
)
