package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter writes to dated log files that roll over on a new UTC day
// and when the current file would exceed MaxBytes.
//
// For a base path logs/gateway.log, output files are named
// logs/gateway-2026-08-26.log, logs/gateway-2026-08-26-2.log, and so on.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens the sink for basePath. A base path of "-" writes
// to stderr instead of a file.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "" || strings.TrimSpace(basePath) == "-" {
		return nopCloser{os.Stderr}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	if err := w.rotate(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

func (w *RotatingWriter) rotate(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.size+incoming > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

type nopCloser struct{ w io.Writer }

func (n nopCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopCloser) Close() error                { return nil }
