// Package watch implements incremental change detection for an append-only
// CSV file.
//
// The Detector keeps a byte-offset cursor past the last consumed record, so
// a check never re-parses rows it has already delivered. A shrinking file
// violates the append-only assumption and is reported as a FileIntegrityError
// without touching the stored cursor, so a later regrowth is still diffed
// against the pre-truncation state. A rewrite that keeps or grows the byte
// size is caught by a fingerprint of the bytes just before the cursor, so
// the detector never parses from a stale mid-line position.
package watch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"

	"github.com/phenolab/streamnotify/internal/domain"
	"github.com/phenolab/streamnotify/internal/metrics"
)

// Options tune a Detector. The zero value is usable for a plain headerless
// CSV; the phenobase format uses SkipRows=2 (category banner + header line).
type Options struct {
	// SkipRows is the number of leading non-data lines. The last skipped
	// line is parsed as the column header; with SkipRows=0 columns are
	// named c0, c1, ...
	SkipRows int
	Clock    clockwork.Clock
}

// Detector tracks the watched file's state between checks.
type Detector struct {
	fs       afero.Fs
	path     string
	skipRows int
	clock    clockwork.Clock

	mu        sync.Mutex
	header    []string
	rowCount  int
	offset    int64  // byte offset of the next unread record
	tail      []byte // last consumed bytes ending at offset
	lastCheck time.Time
}

// tailSize is how many consumed bytes are kept to fingerprint the region
// just before the cursor. Long enough to cover a full data row.
const tailSize = 64

// NewDetector creates a detector for path on the given filesystem. The file
// does not need to exist yet; a missing file is reported as "no change"
// until it appears.
func NewDetector(fs afero.Fs, path string, opts Options) *Detector {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Detector{
		fs:       fs,
		path:     path,
		skipRows: opts.SkipRows,
		clock:    clock,
	}
}

// Baseline records the file's current content as already seen, so rows
// present before the watcher started are never delivered as new. A missing
// file leaves the zero state in place.
func (d *Detector) Baseline(ctx context.Context) error {
	rows, err := d.Check(ctx)
	if err != nil {
		return err
	}
	if n := len(rows); n > 0 {
		slog.Debug("Baselined existing rows", "path", d.path, "rows", n)
	}
	return nil
}

// RowCount returns the last observed data row count.
func (d *Detector) RowCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rowCount
}

// Check compares the file against the stored state and returns the rows
// appended since the previous call, in file order.
//
// A missing file yields (nil, nil). A file smaller than the stored cursor
// yields a *domain.FileIntegrityError and leaves the state untouched. Any
// other failure is transient: the state is also untouched and the same
// range is retried on the next call.
func (d *Detector) Check(ctx context.Context) ([]domain.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.clock.Now()
	defer func() {
		metrics.WatchCheckDuration.Observe(d.clock.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := d.fs.Stat(d.path)
	if os.IsNotExist(err) {
		// Not created yet, retried on the next tick.
		d.lastCheck = d.clock.Now()
		metrics.WatchChecksTotal.WithLabelValues("ok").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.WatchChecksTotal.WithLabelValues("transient").Inc()
		return nil, fmt.Errorf("stat %s: %w", d.path, err)
	}

	switch {
	case info.Size() < d.offset:
		metrics.WatchChecksTotal.WithLabelValues("integrity").Inc()
		return nil, &domain.FileIntegrityError{
			Path:     d.path,
			Expected: d.rowCount,
			Actual:   d.countRows(),
			Reason:   "file shrank below last observed size",
		}
	case info.Size() == d.offset:
		d.lastCheck = d.clock.Now()
		metrics.WatchChecksTotal.WithLabelValues("ok").Inc()
		return nil, nil
	}

	// More bytes than last time does not prove an append: a rewrite with
	// fewer but longer rows also grows the file. Verify the bytes just
	// before the cursor are still what was consumed there.
	if d.offset > 0 && len(d.tail) > 0 {
		match, err := d.tailMatches()
		if err != nil {
			metrics.WatchChecksTotal.WithLabelValues("transient").Inc()
			return nil, err
		}
		if !match {
			metrics.WatchChecksTotal.WithLabelValues("integrity").Inc()
			return nil, &domain.FileIntegrityError{
				Path:     d.path,
				Expected: d.rowCount,
				Actual:   d.countRows(),
				Reason:   "consumed region was rewritten",
			}
		}
	}

	res, err := d.readFrom()
	if err != nil {
		metrics.WatchChecksTotal.WithLabelValues("transient").Inc()
		return nil, err
	}
	rows := res.rows

	d.header = res.header
	d.offset = res.offset
	d.tail = res.tail
	d.rowCount += len(rows)
	d.lastCheck = d.clock.Now()

	metrics.WatchChecksTotal.WithLabelValues("ok").Inc()
	metrics.WatchRowsDetected.Add(float64(len(rows)))
	metrics.WatchLastRowCount.Set(float64(d.rowCount))

	return rows, nil
}

type readResult struct {
	rows   []domain.Row
	offset int64
	header []string
	tail   []byte
}

// readFrom reads complete records past the stored cursor. A trailing line
// without a newline is an append still in progress and is left for the
// next check.
func (d *Detector) readFrom() (readResult, error) {
	f, err := d.fs.Open(d.path)
	if err != nil {
		return readResult{}, fmt.Errorf("open %s: %w", d.path, err)
	}
	defer f.Close()

	offset := d.offset
	header := d.header
	tail := append([]byte(nil), d.tail...)
	br := bufio.NewReader(f)

	// First successful read: consume the leading non-data lines and
	// capture the header before positioning the cursor.
	if offset == 0 {
		for i := 0; i < d.skipRows; i++ {
			line, err := br.ReadString('\n')
			if err == io.EOF {
				// Header not fully written yet.
				return readResult{}, nil
			}
			if err != nil {
				return readResult{}, fmt.Errorf("read header of %s: %w", d.path, err)
			}
			offset += int64(len(line))
			tail = appendTail(tail, line)
			if i == d.skipRows-1 {
				header, err = parseRecord(line)
				if err != nil {
					return readResult{}, fmt.Errorf("parse header of %s: %w", d.path, err)
				}
			}
		}
	} else {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return readResult{}, fmt.Errorf("seek %s: %w", d.path, err)
		}
		br.Reset(f)
	}

	var rows []domain.Row
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			// Partial trailing line, or nothing left.
			break
		}
		if err != nil {
			return readResult{}, fmt.Errorf("read %s: %w", d.path, err)
		}

		record, perr := parseRecord(line)
		if perr != nil {
			return readResult{}, fmt.Errorf("parse row of %s: %w", d.path, perr)
		}

		offset += int64(len(line))
		tail = appendTail(tail, line)
		if len(record) == 0 {
			continue // blank line
		}
		rows = append(rows, makeRow(header, record))
	}

	return readResult{rows: rows, offset: offset, header: header, tail: tail}, nil
}

// tailMatches re-reads the fingerprinted bytes ending at the cursor and
// compares them against what was consumed there.
func (d *Detector) tailMatches() (bool, error) {
	f, err := d.fs.Open(d.path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", d.path, err)
	}
	defer f.Close()

	buf := make([]byte, len(d.tail))
	if _, err := f.ReadAt(buf, d.offset-int64(len(d.tail))); err != nil {
		return false, fmt.Errorf("read tail of %s: %w", d.path, err)
	}
	return bytes.Equal(buf, d.tail), nil
}

func appendTail(tail []byte, line string) []byte {
	tail = append(tail, line...)
	if len(tail) > tailSize {
		tail = tail[len(tail)-tailSize:]
	}
	return tail
}

// countRows does a full scan, used only to report the actual row count in
// an integrity error.
func (d *Detector) countRows() int {
	f, err := d.fs.Open(d.path)
	if err != nil {
		return -1
	}
	defer f.Close()

	count := 0
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			break
		}
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	count -= d.skipRows
	if count < 0 {
		count = 0
	}
	return count
}

func parseRecord(line string) ([]string, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(line))
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	return record, nil
}

func makeRow(header, record []string) domain.Row {
	row := make(domain.Row, len(record))
	for i, v := range record {
		switch {
		case i < len(header):
			row[header[i]] = v
		default:
			row[fmt.Sprintf("c%d", i)] = v
		}
	}
	return row
}
