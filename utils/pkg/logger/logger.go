package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// New returns a colorized logger writing to stdout.
func New(verbose bool) *slog.Logger {
	return slog.New(newHandler(os.Stdout, verbose))
}

// NewWithFile returns a logger that writes to stdout and appends plain records to a daily
// file under dir, named <prefix>-YYYY-MM-DD.log and switched when the UTC date changes. The
// caller owns the returned closer.
func NewWithFile(verbose bool, dir, prefix string, clock clockwork.Clock) (*slog.Logger, io.Closer, error) {
	f, err := OpenDailyFile(dir, prefix, clock)
	if err != nil {
		return nil, nil, err
	}
	fileHandler := tint.NewHandler(f, &tint.Options{
		Level:       levelFor(verbose),
		NoColor:     true,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(slogmulti.Fanout(newHandler(os.Stdout, verbose), fileHandler)), f, nil
}

// DailyFile appends to <dir>/<prefix>-YYYY-MM-DD.log, reopening when the UTC date changes.
type DailyFile struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	dir    string
	prefix string
	day    string
	f      *os.File
}

func OpenDailyFile(dir, prefix string, clock clockwork.Clock) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	d := &DailyFile{clock: clock, dir: dir, prefix: prefix}
	if err := d.rotateLocked(clock.Now()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rotateLocked(d.clock.Now()); err != nil {
		return 0, err
	}
	return d.f.Write(p)
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *DailyFile) rotateLocked(now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	if d.f != nil && day == d.day {
		return nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s-%s.log", d.prefix, day))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if d.f != nil {
		_ = d.f.Close()
	}
	d.f, d.day = f, day
	return nil
}

func newHandler(w io.Writer, verbose bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:       levelFor(verbose),
		ReplaceAttr: replaceAttr,
	})
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		t := a.Value.Time().UTC()
		a.Value = slog.StringValue(formatRFC3339Millis(t))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
