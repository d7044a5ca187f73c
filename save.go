package clipfetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// A context-aware io.Reader wrapper, so io.Copy can be cancelled.
type readerContext struct {
	ctx context.Context
	r   io.Reader
}

func (r *readerContext) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// progressWriter ignores the data but counts bytes, reporting monotonic
// progress. Use as the last writer in an io.MultiWriter so failed writes
// are not counted.
type progressWriter struct {
	written  int64
	total    int64
	started  time.Time
	lastEmit time.Time
	report   ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	now := time.Now()
	// Cap the callback rate; a final 100% report happens via flush.
	if w.report != nil && now.Sub(w.lastEmit) >= 200*time.Millisecond {
		w.lastEmit = now
		w.report(w.snapshot(now))
	}
	return len(p), nil
}

func (w *progressWriter) flush() {
	if w.report != nil {
		w.report(w.snapshot(time.Now()))
	}
}

func (w *progressWriter) snapshot(now time.Time) Progress {
	p := Progress{Bytes: w.written, TotalBytes: w.total}
	if w.total > 0 {
		p.Fraction = float64(w.written) / float64(w.total)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	if elapsed := now.Sub(w.started).Seconds(); elapsed > 0 {
		p.Speed = int64(float64(w.written) / elapsed)
		if p.Speed > 0 && w.total > w.written {
			p.ETA = time.Duration(float64(w.total-w.written)/float64(p.Speed)) * time.Second
		}
	}
	return p
}

// SaveStream downloads a stream to the named file, reporting progress as
// bytes arrive. The data is written to a temporary sibling first and only
// renamed into place on success, so a failure never leaves behind an
// artifact that looks complete.
func SaveStream(ctx context.Context, path string, stream io.Reader, total int64, report ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return fmt.Errorf("failed to create target dir: %w", err)
	}
	part := path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	pw := &progressWriter{total: total, started: time.Now(), report: report}
	_, err = io.Copy(io.MultiWriter(f, pw), &readerContext{ctx: ctx, r: stream})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("failed to save stream: %w", err)
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	pw.flush()
	return nil
}
