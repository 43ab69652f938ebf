package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/roach88/crmsync/internal/record"
)

// CSV reads a file whose first row is the header. Empty cells become NULL.
type CSV struct {
	// BaseDir resolves relative Spec.Path values.
	BaseDir string
}

// Extract implements Source.
func (c CSV) Extract(ctx context.Context, entity string, spec Spec) ([]record.Row, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("extract %s: csv source requires a path", entity)
	}
	path := spec.Path
	if !filepath.IsAbs(path) && c.BaseDir != "" {
		path = filepath.Join(c.BaseDir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", entity, err)
	}
	defer f.Close()

	rows, err := ReadCSV(ctx, f, spec.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("extract %s from %s: %w", entity, path, err)
	}
	return rows, nil
}

// ReadCSV parses r. delimiter must be a single character; empty means ",".
func ReadCSV(ctx context.Context, r io.Reader, delimiter string) ([]record.Row, error) {
	cr := csv.NewReader(r)
	if delimiter != "" {
		d, size := utf8.DecodeRuneInString(delimiter)
		if size != len(delimiter) {
			return nil, fmt.Errorf("delimiter %q must be a single character", delimiter)
		}
		cr.Comma = d
	}
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []record.Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("header column %d is empty", i+1)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("header column %q repeated", h)
		}
		seen[h] = struct{}{}
		header[i] = h
	}

	rows := []record.Row{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(record.Row, len(header))
		for i, col := range header {
			if fields[i] == "" {
				row[col] = nil
			} else {
				row[col] = fields[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
