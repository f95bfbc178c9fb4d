package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/robotpdf/devkeys/internal/logging"
)

// Sink receives audit events.
type Sink interface {
	Log(event *Event) error
}

// Logger writes audit events as JSON lines to a size-rotated file.
// It is safe for concurrent use.
type Logger struct {
	file   *logging.RotateWriter
	writer io.Writer
	mutex  sync.Mutex
	path   string
}

// LoggerConfig holds configuration for the audit logger
type LoggerConfig struct {
	// FilePath is the path to the audit log file
	FilePath string
	// CreateDir determines whether to create parent directories if they don't exist
	CreateDir bool
	// MaxSize and MaxBackups bound rotation; zero selects the RotateWriter defaults.
	MaxSize    int64
	MaxBackups int
}

// NewLogger creates a new audit logger that writes to the configured file.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}

	if config.CreateDir {
		dir := filepath.Dir(config.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	rw, err := logging.NewRotateWriter(config.FilePath, config.MaxSize, config.MaxBackups)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &Logger{
		file:   rw,
		writer: rw,
		path:   config.FilePath,
	}, nil
}

// Log writes event as one JSON line and syncs it to disk.
func (l *Logger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	data = append(data, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.writer = io.Discard
		return err
	}
	return nil
}

// GetPath returns the file path of the audit log
func (l *Logger) GetPath() string {
	return l.path
}

// NewNullLogger creates a logger that discards all events.
func NewNullLogger() *Logger {
	return &Logger{
		writer: io.Discard,
	}
}
