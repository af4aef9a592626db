// Package sink durably records lookup outcomes as they arrive. The CSV
// sink appends one row per terminal outcome and flushes at a bounded
// row count, so killing the process loses at most one partial batch.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/geokit-dev/geodig/pkg/lookup"
)

var sinkRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geodig_sink_rows_total",
	Help: "Total result rows recorded by outcome status",
}, []string{"status"})

// DefaultFlushEvery is the row count between forced flushes.
const DefaultFlushEvery = 16

// header is the durable row schema.
var header = []string{
	"target", "status", "country", "country_code", "city",
	"isp", "org", "as", "latency_ms", "error",
}

// Error is an I/O failure of the sink destination. It is fatal to the
// run: once the sink cannot be trusted, output correctness cannot be
// either.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("result sink %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Sink records terminal outcomes. Implementations must be safe for
// concurrent invocation by all worker slots. The sink does not
// deduplicate across runs.
type Sink interface {
	Record(outcome lookup.Outcome) error
	Close() error
}

// CSVSink writes outcomes to a CSV file, append-only, with a UTF-8 BOM
// so spreadsheet tools detect the encoding.
type CSVSink struct {
	mu         sync.Mutex
	file       *os.File
	writer     *csv.Writer
	path       string
	pending    int
	flushEvery int
	logger     zerolog.Logger
}

// NewCSV creates the destination file, writes the header durably, and
// returns a sink flushing every flushEvery rows (DefaultFlushEvery when
// not positive).
func NewCSV(path string, flushEvery int) (*CSVSink, error) {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushEvery
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, &Error{Op: "create", Err: err}
	}

	if _, err := file.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		file.Close()
		return nil, &Error{Op: "write bom", Err: err}
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		file.Close()
		return nil, &Error{Op: "write header", Err: err}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return nil, &Error{Op: "flush header", Err: err}
	}

	return &CSVSink{
		file:       file,
		writer:     writer,
		path:       path,
		flushEvery: flushEvery,
		logger:     log.With().Str("component", "result-sink").Logger(),
	}, nil
}

// Path returns the destination file path.
func (s *CSVSink) Path() string {
	return s.path
}

// Record appends one durable row for a terminal outcome. Safe for
// concurrent callers.
func (s *CSVSink) Record(outcome lookup.Outcome) error {
	row := []string{
		outcome.Target,
		string(outcome.Status),
		outcome.Geo.Country,
		outcome.Geo.CountryCode,
		outcome.Geo.City,
		outcome.Geo.ISP,
		outcome.Geo.Org,
		outcome.Geo.AS,
		strconv.FormatInt(outcome.Latency.Milliseconds(), 10),
		outcome.ErrorDetail(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Write(row); err != nil {
		return &Error{Op: "append", Err: err}
	}

	s.pending++
	if s.pending >= s.flushEvery {
		s.writer.Flush()
		if err := s.writer.Error(); err != nil {
			return &Error{Op: "flush", Err: err}
		}
		s.pending = 0
	}

	sinkRowsTotal.WithLabelValues(string(outcome.Status)).Inc()
	return nil
}

// Close flushes pending rows and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return &Error{Op: "final flush", Err: err}
	}
	if err := s.file.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}

	s.logger.Debug().Str("path", s.path).Msg("Result sink closed")
	return nil
}
