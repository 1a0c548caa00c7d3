// Package report writes the outputs of an analysis: the shared results CSV,
// per-case artifact bundles, PNG charts and the HTML batch summary.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"lungctanalyzer/internal/models"
)

// CSVHeader is the column order of every results CSV
var CSVHeader = []string{
	"caseId",
	"categoryName",
	"regionName",
	"voxelCount",
	"volumeMilliliters",
	"meanHU",
	"estimatedMassGrams",
}

// FailedCategory is the categoryName of the marker row written for a case
// that could not be processed
const FailedCategory = "failed"

// CSVWriter appends result rows to one CSV file. It is safe for concurrent use.
type CSVWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	path string
}

// OpenCSV creates or truncates the CSV at path and writes the header. With
// appendRows set, an existing file is kept and rows are added after it.
func OpenCSV(path string, appendRows bool) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating CSV directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	writeHeader := true
	if appendRows {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if st, err := os.Stat(path); err == nil && st.Size() > 0 {
			writeHeader = false
		}
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening CSV %s: %w", path, err)
	}
	cw := &CSVWriter{f: f, w: csv.NewWriter(f), path: path}
	if writeHeader {
		if err := cw.w.Write(CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing CSV header: %w", err)
		}
		cw.w.Flush()
	}
	return cw, nil
}

// Path returns the file being written
func (c *CSVWriter) Path() string {
	return c.path
}

// Append writes the records and flushes them to disk
func (c *CSVWriter) Append(records []models.ResultRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range records {
		if err := c.w.Write(recordRow(r)); err != nil {
			return fmt.Errorf("error writing CSV row: %w", err)
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// AppendFailure writes the marker row of a failed case: categoryName
// "failed", regionName "whole" and empty numeric fields
func (c *CSVWriter) AppendFailure(caseID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Write([]string{caseID, FailedCategory, models.WholeRegion, "", "", "", ""}); err != nil {
		return fmt.Errorf("error writing CSV failure row: %w", err)
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the file
func (c *CSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// WriteRecordsCSV writes a complete CSV with header and records
func WriteRecordsCSV(path string, records []models.ResultRecord) error {
	cw, err := OpenCSV(path, false)
	if err != nil {
		return err
	}
	if err := cw.Append(records); err != nil {
		cw.Close()
		return err
	}
	return cw.Close()
}

// ReadRecordsCSV parses a results CSV. Failure marker rows are returned with
// zero numeric fields.
func ReadRecordsCSV(path string) ([]models.ResultRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("error parsing CSV %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var out []models.ResultRecord
	for i, row := range rows[1:] {
		if len(row) != len(CSVHeader) {
			return nil, fmt.Errorf("CSV row %d has %d columns, want %d", i+2, len(row), len(CSVHeader))
		}
		r := models.ResultRecord{CaseID: row[0], Category: row[1], Region: row[2]}
		if row[1] != FailedCategory {
			if r.VoxelCount, err = strconv.Atoi(row[3]); err != nil {
				return nil, fmt.Errorf("CSV row %d: %w", i+2, err)
			}
			nums := []*float64{&r.VolumeML, &r.MeanHU, &r.MassGrams}
			for j, p := range nums {
				if *p, err = strconv.ParseFloat(row[4+j], 64); err != nil {
					return nil, fmt.Errorf("CSV row %d: %w", i+2, err)
				}
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func recordRow(r models.ResultRecord) []string {
	return []string{
		r.CaseID,
		r.Category,
		r.Region,
		strconv.Itoa(r.VoxelCount),
		formatFloat(r.VolumeML),
		formatFloat(r.MeanHU),
		formatFloat(r.MassGrams),
	}
}

// formatFloat uses the shortest representation that parses back exactly
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
