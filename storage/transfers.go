package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lanxfer/models"
)

const transferColumns = `
	transfer_id,
	direction,
	device_name,
	state,
	progress,
	items_total,
	items_completed,
	bytes_total,
	bytes_transferred,
	error,
	started_at,
	finished_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// SaveTransfer inserts or updates one transfer row. A non-empty Items list
// replaces the stored item paths.
func (s *Store) SaveTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.State == "" {
		return errors.New("state is required")
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save transfer %q: %w", transfer.TransferID, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			device_name = excluded.device_name,
			state = excluded.state,
			progress = excluded.progress,
			items_total = excluded.items_total,
			items_completed = excluded.items_completed,
			bytes_total = excluded.bytes_total,
			bytes_transferred = excluded.bytes_transferred,
			error = excluded.error,
			finished_at = excluded.finished_at,
			updated_at = excluded.updated_at`,
		transfer.TransferID,
		transfer.Direction,
		transfer.DeviceName,
		transfer.State,
		transfer.Progress,
		transfer.ItemsTotal,
		transfer.ItemsCompleted,
		transfer.BytesTotal,
		transfer.BytesTransferred,
		nullString(transfer.Error),
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", transfer.TransferID, err)
	}

	if len(transfer.Items) > 0 {
		if _, err := tx.Exec(`DELETE FROM transfer_items WHERE transfer_id = ?`, transfer.TransferID); err != nil {
			return fmt.Errorf("clear transfer items %q: %w", transfer.TransferID, err)
		}
		for i, path := range transfer.Items {
			if _, err := tx.Exec(
				`INSERT INTO transfer_items (transfer_id, position, path) VALUES (?, ?, ?)`,
				transfer.TransferID,
				i,
				path,
			); err != nil {
				return fmt.Errorf("insert transfer item %q: %w", path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// GetTransfer fetches one transfer, including its item paths.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	items, err := s.transferItems(transferID)
	if err != nil {
		return nil, err
	}
	transfer.Items = items
	return transfer, nil
}

// ListTransfers returns the newest transfers first, without item paths.
// A limit <= 0 returns every row.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []models.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		out = append(out, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// DeleteTransfersBefore removes finished transfers that ended before cutoff.
// Running transfers are never removed.
func (s *Store) DeleteTransfersBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE finished_at IS NOT NULL AND finished_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete transfers before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer pruning: %w", err)
	}
	return deleted, nil
}

func (s *Store) transferItems(transferID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT path FROM transfer_items
		WHERE transfer_id = ?
		ORDER BY position`,
		transferID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer items %q: %w", transferID, err)
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan transfer item: %w", err)
		}
		items = append(items, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer items: %w", err)
	}
	return items, nil
}

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		errText    sql.NullString
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.DeviceName,
		&transfer.State,
		&transfer.Progress,
		&transfer.ItemsTotal,
		&transfer.ItemsCompleted,
		&transfer.BytesTotal,
		&transfer.BytesTransferred,
		&errText,
		&transfer.StartedAt,
		&finishedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	transfer.Error = errText.String
	transfer.FinishedAt = finishedAt.Int64
	return &transfer, nil
}
