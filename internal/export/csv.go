// Package export appends successful records to a flat CSV manifest, one row
// per document, written incrementally so an interrupted run keeps its rows.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/policyatlas/metabatch/internal/engine"
)

var header = []string{
	"task_id",
	"title", "title_confidence",
	"doc_type", "doc_type_confidence",
	"health_topic", "health_topic_confidence",
	"creator", "creator_confidence",
	"level", "level_confidence",
	"country", "country_confidence",
	"language", "language_confidence",
	"year", "year_confidence",
	"overall_confidence", "metadata_completeness",
	"enriched", "attempts",
}

// CSVWriter appends record rows to a single CSV file.
type CSVWriter struct {
	file *os.File
	w    *csv.Writer
}

// NewCSVWriter opens path for appending, writing the header first when the
// file is new or empty.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open results csv: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat results csv: %w", err)
	}
	cw := &CSVWriter{file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := cw.w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		cw.w.Flush()
	}
	return cw, nil
}

// Append writes one flattened record row and flushes it to disk.
func (c *CSVWriter) Append(task engine.Task, rec *engine.Record, diag engine.Diagnostics) error {
	row := []string{
		task.ID,
		strValue(rec.Title), conf(rec.Title.Confidence),
		strValue(rec.DocType), conf(rec.DocType.Confidence),
		strValue(rec.HealthTopic), conf(rec.HealthTopic.Confidence),
		strValue(rec.Creator), conf(rec.Creator.Confidence),
		strValue(rec.Level), conf(rec.Level.Confidence),
		strValue(rec.Country), conf(rec.Country.Confidence),
		strValue(rec.Language), conf(rec.Language.Confidence),
		intValue(rec.Year), conf(rec.Year.Confidence),
		conf(rec.OverallConfidence), conf(rec.Completeness),
		strconv.FormatBool(diag.Enriched),
		strconv.Itoa(diag.Attempts),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.file.Close()
		return fmt.Errorf("flush results csv: %w", err)
	}
	if err := c.file.Close(); err != nil {
		return fmt.Errorf("close results csv: %w", err)
	}
	return nil
}

func strValue(f engine.Field[string]) string {
	if f.Value == nil {
		return ""
	}
	return *f.Value
}

func intValue(f engine.Field[int]) string {
	if f.Value == nil {
		return ""
	}
	return strconv.Itoa(*f.Value)
}

func conf(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
