package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CoordinatorLogName is the debug log file created in the log directory.
const CoordinatorLogName = "coordinator.log"

// maxLogSize is the size past which an existing log is rotated to .1 on open.
const maxLogSize = 10 << 20

var (
	pkgLogger   *DebugLogger
	pkgLoggerMu sync.RWMutex
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes through the logger of the most recently created
// Coordinator. The state machine and delegation queue log through it.
func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()

	l.Log(format, args...)
}

// DebugLogger is a file-backed, timestamped log of workflow decisions.
// A nil DebugLogger or one without a file discards everything.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// NewDebugLogger opens logPath for appending, creating parent directories.
// An existing file larger than 10MB is moved aside to logPath.1 first.
// An empty path yields a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if fi, err := os.Stat(logPath); err == nil && fi.Size() > maxLogSize {
		if err := os.Rename(logPath, logPath+".1"); err != nil {
			return nil, fmt.Errorf("rotate log file: %w", err)
		}
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &DebugLogger{file: f, now: time.Now}
	logger.Log("=== coordinator log opened %s (pid %d) ===", logger.now().Format(time.RFC3339), os.Getpid())
	return logger, nil
}

// NewDebugLoggerInDir opens CoordinatorLogName inside logDir, falling back
// to a no-op logger when the file cannot be opened.
func NewDebugLoggerInDir(logDir string) *DebugLogger {
	if logDir == "" {
		return &DebugLogger{}
	}
	logger, err := NewDebugLogger(filepath.Join(logDir, CoordinatorLogName))
	if err != nil {
		return &DebugLogger{}
	}
	return logger
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one timestamped line.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.file, "[%s] %s\n", l.now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	l.file.Sync()
}

// Write appends p as is so the logger can back a standard log.Logger.
func (l *DebugLogger) Write(p []byte) (int, error) {
	if l == nil || l.file == nil {
		return len(p), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Write(p)
}

// Close closes the log file. Safe on a nil or no-op logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}
