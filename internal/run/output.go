package run

import (
	"bytes"
	"io"
	"sync"
)

// maxLine bounds a single captured chunk; longer output is split.
const maxLine = 64 * 1024

// lineWriter splits process output into lines, hands each to emit and tees the
// raw bytes into an optional archive.
type lineWriter struct {
	mu      sync.Mutex
	buf     []byte
	emit    func(line string)
	archive io.Writer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.archive != nil {
		_, _ = w.archive.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.buf[:i], []byte{'\r'})))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.emit(string(w.buf[:maxLine]))
		w.buf = w.buf[maxLine:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
