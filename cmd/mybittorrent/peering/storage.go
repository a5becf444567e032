package peering

import (
	"io"
	"os"
	"sync"
)

// FileWriter writes blocks into a file at their offsets. The file is opened,
// or created, on the first write. Nothing is synced.
type FileWriter struct {
	path string

	mu   sync.Mutex
	file *os.File
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func (w *FileWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return 0, err
		}
		w.file = file
	}
	return w.file.WriteAt(p, off)
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// OffsetWriter moves writes down by Base, so that a single piece addressed
// by its torrent offset lands at the start of its own file. When Size is set,
// blocks that do not fit inside [Base, Base+Size) are dropped and reported as
// written.
type OffsetWriter struct {
	W    io.WriterAt
	Base int64
	Size int64
}

func (o OffsetWriter) WriteAt(p []byte, off int64) (int, error) {
	if !o.Contains(off, len(p)) {
		return len(p), nil
	}
	return o.W.WriteAt(p, off-o.Base)
}

// Contains reports whether n bytes at off fall inside the window.
func (o OffsetWriter) Contains(off int64, n int) bool {
	if off < o.Base {
		return false
	}
	return o.Size <= 0 || off+int64(n) <= o.Base+o.Size
}
