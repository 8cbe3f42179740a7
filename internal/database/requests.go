// Package database defines the insertions and transactions to the database
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"xfinite-ocr/internal/shared"
)

// CompletedRequest is everything the orchestrator persists once a request has
// fully resolved. Requests are append-only; usage derives from total_pages.
type CompletedRequest struct {
	ID         string
	UserEmail  string
	Model      string
	Prompt     string
	TotalPages int
	ResultPath string
	MetaPath   string
	Files      []shared.SavedFile
	Pages      []shared.Page
	CreatedAt  time.Time
}

// SaveRequest writes the request, its files and its pages in one transaction.
// The request row is the usage ledger entry; nothing else is written for quota.
func SaveRequest(ctx context.Context, writeDB *sql.DB, req *CompletedRequest) error {
	return ExecuteTransaction(ctx, writeDB, []func(*sql.Tx) error{
		func(tx *sql.Tx) error {
			return saveRequestTx(ctx, tx, req)
		},
	})
}

func saveRequestTx(ctx context.Context, tx *sql.Tx, req *CompletedRequest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ocr_request (id, user_email, model, prompt, total_pages, result_md_path, metadata_json_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.UserEmail, req.Model, req.Prompt, req.TotalPages, req.ResultPath, req.MetaPath, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}

	fileIDs := make(map[string]int64, len(req.Files))
	for _, f := range req.Files {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_file (request_id, original_name, safe_name, file_path, saved_path, file_type, page_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.ID, f.OriginalName, f.SafeName, f.Path, f.SavedPath, f.Type, f.PageCount,
		)
		if err != nil {
			return fmt.Errorf("failed to save file record: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read file id: %w", err)
		}
		fileIDs[f.OriginalName] = id
	}

	if len(req.Pages) == 0 {
		return nil
	}

	pageSQLStr := `INSERT INTO ocr_page (
		request_id, file_id, page_no, source_type, source_file, pdf_page_no, text, success
	) VALUES`
	pageVals := []any{}
	for _, p := range req.Pages {
		var fileID any
		if id, ok := fileIDs[p.SourceFile]; ok {
			fileID = id
		}
		pageSQLStr += "(?, ?, ?, ?, ?, ?, ?, ?),"
		pageVals = append(pageVals,
			req.ID, fileID, p.PageNo, p.SourceType, p.SourceFile, p.PDFPageNo, p.Text, p.Success,
		)
	}
	pageSQLStr = strings.TrimSuffix(pageSQLStr, ",")

	if _, err := tx.ExecContext(ctx, pageSQLStr, pageVals...); err != nil {
		return fmt.Errorf("failed to save pages: %w", err)
	}
	return nil
}

// UsedPagesToday recomputes the usage ledger value for (email, day) from the
// durable request log. Never cached in process so restarts cannot drift.
func UsedPagesToday(ctx context.Context, readDB *sql.DB, email string, day time.Time) (int64, error) {
	var used sql.NullInt64
	err := readDB.QueryRowContext(ctx, `
		SELECT SUM(total_pages)
		FROM ocr_request
		WHERE user_email = ? AND DATE(created_at) = ?`,
		email, day.Format("2006-01-02"),
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily usage: %w", err)
	}
	return used.Int64, nil
}

// History returns the caller's past requests, newest first.
func History(ctx context.Context, readDB *sql.DB, email string, limit int) ([]shared.HistoryEntry, error) {
	rows, err := readDB.QueryContext(ctx, `
		SELECT r.id, r.model, r.prompt, r.total_pages, r.created_at
		FROM ocr_request r
		WHERE r.user_email = ?
		ORDER BY r.created_at DESC
		LIMIT ?`,
		email, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := []shared.HistoryEntry{}
	for rows.Next() {
		var e shared.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Model, &e.Prompt, &e.TotalPages, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	for i := range entries {
		files, err := requestFiles(ctx, readDB, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Files = files
	}
	return entries, nil
}

func requestFiles(ctx context.Context, readDB *sql.DB, requestID string) ([]string, error) {
	rows, err := readDB.QueryContext(ctx,
		"SELECT original_name FROM ocr_file WHERE request_id = ? ORDER BY id ASC", requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query request files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ExecuteTransaction executes one transaction with one or multiple database executions.
func ExecuteTransaction(ctx context.Context, writeDB *sql.DB, fns []func(*sql.Tx) error) error {
	tx, err := writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Execute all functions in the transaction
	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return fmt.Errorf("failed to execute transaction function: %w", err)
		}
	}

	// Commit the transaction if all functions succeeded
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
