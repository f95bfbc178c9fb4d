package logging

import (
	"fmt"
	"os"
	"sync"
)

var stdout = os.Stdout

// RotateWriter is an append-only file writer that renames the file to path.1,
// path.2, ... once it would grow past maxSize.
type RotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int
	mu         sync.Mutex
	file       *os.File
}

// NewRotateWriter opens path for appending. Non-positive limits default to 10MiB
// and 5 backups.
func NewRotateWriter(path string, maxSize int64, maxBackups int) (*RotateWriter, error) {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	rw := &RotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotateWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	rw.file = f
	return nil
}

// Write appends p, rotating first when p would push the file past maxSize.
func (rw *RotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	fi, err := rw.file.Stat()
	if err == nil && fi.Size() > 0 && fi.Size()+int64(len(p)) > rw.maxSize {
		_ = rw.file.Close()
		rw.rotate()
		if err := rw.open(); err != nil {
			rw.file = nil
			return 0, err
		}
	}
	return rw.file.Write(p)
}

func (rw *RotateWriter) rotate() {
	for i := rw.maxBackups - 1; i >= 1; i-- {
		older := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	_ = os.Rename(rw.path, rw.path+".1")
}

// Sync flushes the current file.
func (rw *RotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Sync()
	}
	return nil
}

// Close closes the current file. A later Write reopens it.
func (rw *RotateWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
