package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type transactionRow struct {
	ID        string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProjectID int64  `parquet:"name=project_id, type=INT64"`
	Milestone int32  `parquet:"name=milestone, type=INT32"`
	HasIndex  bool   `parquet:"name=has_milestone, type=BOOLEAN"`
	Operation string `parquet:"name=operation, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller    string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Message   string `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt int64  `parquet:"name=created_at_unix_ms, type=INT64"`
	UpdatedAt int64  `parquet:"name=updated_at_unix_ms, type=INT64"`
}

func newTransactionRow(tx Transaction) transactionRow {
	row := transactionRow{
		ID:        tx.Reference.String(),
		ProjectID: int64(tx.ProjectID),
		Operation: tx.Operation,
		Caller:    tx.Caller,
		Amount:    tx.Amount,
		Status:    tx.Status,
		Message:   tx.Message,
		CreatedAt: tx.CreatedAt.UnixMilli(),
		UpdatedAt: tx.UpdatedAt.UnixMilli(),
	}
	if tx.Milestone != nil {
		row.Milestone = int32(*tx.Milestone)
		row.HasIndex = true
	}
	return row
}

// ExportTransactions writes the retained transaction history, newest first,
// to path as a snappy-compressed parquet file and returns the row count.
func ExportTransactions(ctx context.Context, store *Store, path string) (int, error) {
	txs, err := store.ListTransactions(ctx, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("export: list transactions: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("export: create dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("export: create parquet: %w", err)
	}
	defer file.Close()

	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(transactionRow), 1)
	if err != nil {
		return 0, fmt.Errorf("export: init parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, tx := range txs {
		row := newTransactionRow(tx)
		if err := pw.Write(&row); err != nil {
			return 0, fmt.Errorf("export: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("export: finalize parquet: %w", err)
	}
	return len(txs), nil
}
