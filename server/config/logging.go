package config

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gear6io/polycall/pkg/errors"
	"github.com/rs/zerolog"
)

const backupTimeFormat = "2006-01-02T15-04-05.000000000"

// fileWriter appends log lines to a file and rotates it once a write would
// take it past maxSize. Rotated files are named <path>.<timestamp>; only
// the newest maxBackups are kept.
type fileWriter struct {
	path       string
	maxSize    int64
	maxBackups int
	// warn reports rotation trouble; the file itself may be the problem
	warn zerolog.Logger

	mu   sync.Mutex
	file *os.File
	size int64
}

// openFileWriter opens cfg.FilePath for appending, truncating it first
// when cfg.Cleanup is set
func openFileWriter(cfg *LogConfig, warn zerolog.Logger) (*fileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, errors.New(ErrLogDirectoryCreationFailed, "failed to create log directory", err).
			AddContext("path", cfg.FilePath)
	}

	w := &fileWriter{
		path:       cfg.FilePath,
		maxSize:    int64(cfg.MaxSize) << 20,
		maxBackups: cfg.MaxBackups,
		warn:       warn.With().Str("component", "log_file").Logger(),
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if cfg.Cleanup {
		flags |= os.O_TRUNC
	}
	if err := w.open(flags); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *fileWriter) open(flags int) error {
	f, err := os.OpenFile(w.path, flags, 0644)
	if err != nil {
		return errors.New(ErrLogFileOpenFailed, "failed to open log file", err).AddContext("path", w.path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.New(ErrLogFileOpenFailed, "failed to stat log file", err).AddContext("path", w.path)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, errors.New(ErrLogFileClosed, "log file is closed", nil).AddContext("path", w.path)
	}
	if w.maxSize > 0 && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			w.warn.Warn().Err(err).Str("path", w.path).Msg("Log rotation failed")
			if w.file == nil {
				return 0, err
			}
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate moves the current file aside and starts a new one. The writer is
// left without a file only when the new one cannot be opened.
func (w *fileWriter) rotate() error {
	_ = w.file.Close()
	w.file = nil

	backup := w.path + "." + time.Now().Format(backupTimeFormat)
	renameErr := os.Rename(w.path, backup)
	if err := w.open(os.O_CREATE | os.O_WRONLY | os.O_APPEND); err != nil {
		return err
	}
	if renameErr != nil {
		return errors.New(ErrLogRotationFailed, "failed to move log file aside", renameErr).
			AddContext("backup", backup)
	}
	w.prune()
	return nil
}

// prune removes the oldest backups beyond maxBackups. Backup names sort by
// age.
func (w *fileWriter) prune() {
	if w.maxBackups <= 0 {
		return
	}
	dir, base := filepath.Dir(w.path), filepath.Base(w.path)+"."

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.warn.Warn().Err(err).Str("dir", dir).Msg("Failed to list log backups")
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), base) {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)

	for len(backups) > w.maxBackups {
		path := filepath.Join(dir, backups[0])
		if err := os.Remove(path); err != nil {
			w.warn.Warn().
				Err(errors.New(ErrLogBackupRemoveFailed, "failed to remove log backup", err)).
				Str("backup", path).
				Msg("Failed to prune log backups")
		}
		backups = backups[1:]
	}
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// SetupLogger creates a configured zerolog logger based on the configuration.
// The returned closer releases the log file, if any.
func SetupLogger(cfg *Config) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if cfg.Log.Console {
		if cfg.Log.Format == "json" {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
			})
		}
	}

	var closer io.Closer = closerFunc(func() error { return nil })
	if cfg.Log.FilePath != "" {
		fw, err := openFileWriter(&cfg.Log, zerolog.New(os.Stderr).With().Timestamp().Logger())
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		// the file always gets JSON lines
		writers = append(writers, fw)
		closer = fw
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).With().
		Timestamp().
		Str("service", "polycall").
		Logger()

	return logger, closer, nil
}
