package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keithlinneman/iplimit/internal/log"
	"github.com/keithlinneman/iplimit/internal/xerrors"
)

const (
	DefaultDir = "logs/iplimit"

	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05"
	startLayout    = "150405"
)

var header = []string{"datetime", "ip_address", "account_id", "account_username", "action"}

type CSVOptions struct {
	Logger log.Logger

	// Dir receives access_log_<date>_<start>.csv files. Created if missing.
	Dir string

	// Location is used for file dates and row timestamps. Defaults to
	// time.Local.
	Location *time.Location

	// OnRotate is called with the path of every file that is closed, either
	// because the date changed or because the sink was closed.
	OnRotate func(ctx context.Context, path string)

	Now func() time.Time
}

// CSVSink appends one row per event to a file named for the current date and
// the time the sink was created. A new file starts when the date changes.
// Each row is flushed before Record returns.
type CSVSink struct {
	dir      string
	loc      *time.Location
	start    string
	onRotate func(context.Context, string)
	logger   log.Logger

	mu   sync.Mutex
	date string
	path string
	f    *os.File
	w    *csv.Writer
}

var _ Sink = (*CSVSink)(nil)

func NewCSVSink(opts CSVOptions) (*CSVSink, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, xerrors.Wrapf(err, "create audit dir %s", opts.Dir)
	}
	return &CSVSink{
		dir:      opts.Dir,
		loc:      opts.Location,
		start:    opts.Now().In(opts.Location).Format(startLayout),
		onRotate: opts.OnRotate,
		logger:   log.OrNop(opts.Logger),
	}, nil
}

// Path returns the file currently being written, or "" before the first
// record.
func (s *CSVSink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *CSVSink) Record(ctx context.Context, ev Event) error {
	username := ev.Username
	if username == "" {
		username = UnknownUsername
	}
	t := ev.Time.In(s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(ctx, t.Format(dateLayout)); err != nil {
		return err
	}
	if err := s.w.Write([]string{
		t.Format(datetimeLayout),
		ev.Address,
		ev.Identity,
		username,
		string(ev.Action),
	}); err != nil {
		return xerrors.Wrap(err, "write audit row")
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return xerrors.Wrap(err, "flush audit row")
	}
	return nil
}

// ensureOpen must be called with mu held. Files only roll forward: a row
// dated before the open file's day lands in the open file.
func (s *CSVSink) ensureOpen(ctx context.Context, date string) error {
	if s.f != nil && date <= s.date {
		return nil
	}
	if s.f != nil {
		s.closeLocked(ctx)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("access_log_%s_%s.csv", date, s.start))
	_, statErr := os.Stat(path)
	exists := statErr == nil

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return xerrors.Wrapf(err, "open audit file %s", path)
	}
	w := csv.NewWriter(f)
	if !exists {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return xerrors.Wrap(err, "write audit header")
		}
	}

	s.f, s.w, s.date, s.path = f, w, date, path
	s.logger.Info(ctx, "audit log opened", "path", path, "new", !exists)
	return nil
}

func (s *CSVSink) closeLocked(ctx context.Context) {
	s.w.Flush()
	if err := s.f.Close(); err != nil {
		s.logger.Error(ctx, err, "close audit file", "path", s.path)
	}
	path := s.path
	s.f, s.w, s.date, s.path = nil, nil, "", ""
	if s.onRotate != nil {
		s.onRotate(ctx, path)
	}
}

// Close flushes and closes the current file.
func (s *CSVSink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.closeLocked(ctx)
	return nil
}
