package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedSuffix = "20060102-150405.000"

// fileWriter appends log lines to Config.File. With MaxSize set it moves
// the file aside before a write would push it past the limit, optionally
// gzips the old segment and drops segments older than MaxAge days.
type fileWriter struct {
	mu       sync.Mutex
	path     string
	limit    int64
	maxAge   time.Duration
	compress bool
	now      func() time.Time

	f    *os.File
	size int64
}

func openFileWriter(cfg Config) (*fileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &fileWriter{
		path:     cfg.File,
		limit:    int64(cfg.MaxSize) << 20,
		maxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
		compress: cfg.Compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *fileWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.f, w.size = f, info.Size()
	return nil
}

// Write implements io.Writer.
func (w *fileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close implements io.Closer. Later writes fail with os.ErrClosed.
func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *fileWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f = nil

	segment := w.path + "." + w.now().Format(rotatedSuffix)
	if err := os.Rename(w.path, segment); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	go func() {
		if w.compress {
			_ = gzipFile(segment)
		}
		w.prune()
	}()
	return nil
}

// prune removes rotated segments last modified more than maxAge ago.
func (w *fileWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	segments, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, seg := range segments {
		info, err := os.Stat(seg)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(seg)
		if !strings.HasSuffix(seg, ".gz") {
			_ = os.Remove(seg + ".gz")
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
