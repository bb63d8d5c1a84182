// Package logbridge owns the temporary file an actor's logging link writes
// to and reopens it for readers.
package logbridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// Pattern is the os.CreateTemp pattern of actor log files.
const Pattern = "actor-*.log"

// Handle keeps an actor's log file alive until Close.
type Handle struct {
	file *os.File
	path string
	once sync.Once
	err  error
}

var _ ports.LogReaderFactory = (*Handle)(nil)

// Create makes a fresh, private log file under dir.
func Create(dir string) (*Handle, error) {
	f, err := os.CreateTemp(dir, Pattern)
	if err != nil {
		return nil, fmt.Errorf("creating actor log file in %s: %w", dir, err)
	}
	return &Handle{file: f, path: f.Name()}, nil
}

// Path is where the logging provider should write.
func (h *Handle) Path() string {
	return h.path
}

// NewReader opens an independent read-only stream positioned at the start
// of the file. It ends at whatever was written by the time it reaches EOF.
func (h *Handle) NewReader() (io.ReadCloser, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("opening actor log %s: %w", h.path, err)
	}
	return f, nil
}

// Close releases the file and removes it. Later calls return the first
// result.
func (h *Handle) Close() error {
	h.once.Do(func() {
		cerr := h.file.Close()
		rerr := os.Remove(h.path)
		if errors.Is(rerr, os.ErrNotExist) {
			rerr = nil
		}
		h.err = errors.Join(cerr, rerr)
	})
	return h.err
}
