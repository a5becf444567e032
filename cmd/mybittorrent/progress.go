package main

import (
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// progressWriter advances a progress bar by the size of every block written.
type progressWriter struct {
	w   io.WriterAt
	bar *progressbar.ProgressBar
}

func (p progressWriter) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	_ = p.bar.Add(n)
	return n, err
}

func (a *app) progress(w io.WriterAt, total int64, description string) io.WriterAt {
	if !a.cfg.Progress {
		return w
	}
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	return progressWriter{w: w, bar: bar}
}
