package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mobilia-erp/backoffice/internal/inventory"
)

// importHeader is the expected CSV header, in order.
var importHeader = []string{"key", "kind", "variant_id", "origin_warehouse_id", "dest_warehouse_id", "quantity", "occurred_at", "note"}

// Importer is the ledger surface the import command needs.
type Importer interface {
	ImportMovements(ctx context.Context, rows []inventory.ImportRow) (inventory.ImportResult, error)
}

// ImportOptions defines available flags for the import command.
type ImportOptions struct {
	ActorID    int64
	JSONOutput bool
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
}

// ImportCommand reads movements as CSV and posts them in bounded batches.
// Exit codes: 0 all committed, 1 usage or parse error, 10 a batch was rejected.
func ImportCommand(ctx context.Context, ledger Importer, opts ImportOptions) int {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ActorID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "import: --actor is required and must be positive")
		return 1
	}
	rows, err := ParseImportCSV(opts.Stdin, opts.ActorID)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "import: %v\n", err)
		return 1
	}
	result, err := ledger.ImportMovements(ctx, rows)
	if opts.JSONOutput {
		if encErr := json.NewEncoder(opts.Stdout).Encode(result); encErr != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "import: encode json: %v\n", encErr)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "batches=%d committed=%d skipped=%d\n", result.Batches, result.Committed, result.Skipped)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "import: %v\n", err)
		return 10
	}
	return 0
}

// ParseImportCSV turns CSV records into import rows. Blank occurred_at means now.
func ParseImportCSV(r io.Reader, actorID int64) ([]inventory.ImportRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = len(importHeader)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty input")
		}
		return nil, err
	}
	for i, name := range importHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != name {
			return nil, fmt.Errorf("header column %d: want %q, got %q", i+1, name, header[i])
		}
	}
	var rows []inventory.ImportRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := parseImportRecord(record, actorID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func parseImportRecord(record []string, actorID int64) (inventory.ImportRow, error) {
	ints := make([]int64, 4)
	for i, col := range []int{2, 3, 4, 5} {
		raw := strings.TrimSpace(record[col])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return inventory.ImportRow{}, fmt.Errorf("%s: %w", importHeader[col], err)
		}
		ints[i] = v
	}
	var occurred time.Time
	if raw := strings.TrimSpace(record[6]); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return inventory.ImportRow{}, fmt.Errorf("occurred_at: %w", err)
		}
		occurred = t
	}
	return inventory.ImportRow{
		Key: strings.TrimSpace(record[0]),
		Input: inventory.MovementInput{
			Kind:              inventory.MovementKind(strings.ToUpper(strings.TrimSpace(record[1]))),
			VariantID:         ints[0],
			OriginWarehouseID: ints[1],
			DestWarehouseID:   ints[2],
			Quantity:          ints[3],
			OccurredAt:        occurred,
			ActorID:           actorID,
			Note:              strings.TrimSpace(record[7]),
		},
	}, nil
}
