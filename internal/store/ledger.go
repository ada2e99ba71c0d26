package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReadLedger returns the selection ledger entry for a tracker id; nil when
// the selector has never committed it.
func (s *Store) ReadLedger(ctx context.Context, mamID int64) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT mam_id, cost, spec, created_at FROM ledger WHERE mam_id = ?`,
		mamID,
	)
	entry, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entry, nil
}

// WriteLedger records a selector decision.
func (s *Store) WriteLedger(ctx context.Context, entry LedgerEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := writeLedgerTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func writeLedgerTx(ctx context.Context, tx *sql.Tx, entry LedgerEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO ledger (mam_id, cost, spec, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(mam_id) DO UPDATE SET cost = excluded.cost, spec = excluded.spec`,
		entry.MamID,
		string(entry.Cost),
		entry.Spec,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// CountActiveForSpec counts torrents grabbed by the named spec that are still
// downloading: present in the ledger but not yet linked or replaced.
func (s *Store) CountActiveForSpec(ctx context.Context, spec string) (uint64, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1)
         FROM ledger l
         JOIN torrents t ON t.mam_id = l.mam_id
         WHERE l.spec = ? AND t.library_path IS NULL AND t.replaced_with IS NULL`,
		spec,
	)
	var count uint64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count active for spec: %w", err)
	}
	return count, nil
}

// CommitGrab persists a selector decision atomically: the tracked torrent,
// its ledger entry, and the Grabbed event all land in one transaction.
func (s *Store) CommitGrab(ctx context.Context, torrent *TrackedTorrent, entry LedgerEntry, event EventRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertTrackedTx(ctx, tx, torrent); err != nil {
		return err
	}
	if err := writeLedgerTx(ctx, tx, entry); err != nil {
		return err
	}
	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func scanLedger(scanner interface{ Scan(dest ...any) error }) (*LedgerEntry, error) {
	var (
		entry      LedgerEntry
		cost       string
		createdRaw string
	)
	if err := scanner.Scan(&entry.MamID, &cost, &entry.Spec, &createdRaw); err != nil {
		return nil, err
	}
	entry.Cost = CostKind(cost)
	if created, err := parseTimeString(createdRaw); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
