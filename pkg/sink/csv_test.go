package sink

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geokit-dev/geodig/pkg/lookup"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	content := strings.TrimPrefix(string(data), "\xef\xbb\xbf")
	rows, err := csv.NewReader(strings.NewReader(content)).ReadAll()
	if err != nil {
		t.Fatalf("csv parse error = %v", err)
	}
	return rows
}

func TestCSVSink_RecordsOutcomes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s, err := NewCSV(path, 1)
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}

	outcomes := []lookup.Outcome{
		{
			Target: "example.org",
			Status: lookup.StatusSuccess,
			Geo: lookup.GeoInfo{
				Country:     "Germany",
				CountryCode: "DE",
				City:        "Berlin",
				ISP:         "Example ISP",
				Org:         "Example Org",
				AS:          "AS64500",
			},
			Latency: 120 * time.Millisecond,
		},
		{
			Target: "10.0.0.1",
			Status: lookup.StatusPermanent,
			Err:    &lookup.APIError{Target: "10.0.0.1", Message: "private range"},
		},
	}

	for _, o := range outcomes {
		if err := s.Record(o); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != 3 { // header + 2 outcomes
		t.Fatalf("got %d rows, want 3", len(rows))
	}

	if rows[1][0] != "example.org" || rows[1][1] != "success" || rows[1][2] != "Germany" {
		t.Errorf("success row = %v", rows[1])
	}
	if rows[1][8] != "120" {
		t.Errorf("latency_ms = %q, want 120", rows[1][8])
	}
	if rows[2][1] != "permanent" || !strings.Contains(rows[2][9], "private range") {
		t.Errorf("permanent row = %v", rows[2])
	}
}

func TestCSVSink_BOMAndHeaderWrittenUpFront(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s, err := NewCSV(path, DefaultFlushEvery)
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	defer s.Close()

	// Header must be durable before any row arrives.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "\xef\xbb\xbf") {
		t.Error("file does not start with UTF-8 BOM")
	}
	if !strings.Contains(string(data), "target,status,country") {
		t.Errorf("header not written up front: %q", string(data))
	}
}

func TestCSVSink_FlushesAtBoundedRowCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s, err := NewCSV(path, 2)
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	defer s.Close()

	for i := 0; i < 4; i++ {
		if err := s.Record(lookup.Outcome{Target: "t", Status: lookup.StatusSuccess}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	// Without Close, four rows recorded with flushEvery=2 means all four
	// are already on disk.
	rows := readRows(t, path)
	if len(rows) != 5 {
		t.Errorf("got %d durable rows before close, want 5", len(rows))
	}
}

func TestCSVSink_ConcurrentRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	s, err := NewCSV(path, 4)
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Record(lookup.Outcome{Target: "t", Status: lookup.StatusSuccess})
		}()
	}
	wg.Wait()

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := readRows(t, path)
	if len(rows) != n+1 {
		t.Errorf("got %d rows, want %d", len(rows), n+1)
	}
}

func TestNewCSV_UnwritableDestination(t *testing.T) {
	_, err := NewCSV(filepath.Join(t.TempDir(), "missing", "results.csv"), 1)
	if err == nil {
		t.Fatal("NewCSV() in missing directory succeeded, want error")
	}

	var sinkErr *Error
	if !errors.As(err, &sinkErr) {
		t.Errorf("error type = %T, want *Error", err)
	}
}
