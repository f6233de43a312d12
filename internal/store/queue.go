// ABOUTME: Human queue persistence with atomic conditional status transitions
// ABOUTME: Each transition is a single guarded UPDATE plus its audit row in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const queueColumns = `entry_id, workspace_id, customer_id, status, priority, reason, operator_id,
	lock_expires_at, metadata_json, created_at, updated_at, resolved_at`

// CreateQueueEntry inserts a new waiting entry. Returns ErrActiveEntryExists
// when the customer already has a waiting or locked entry.
func (s *SQLiteStore) CreateQueueEntry(ctx context.Context, e *QueueEntry, audit *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	e.Status = QueueWaiting
	e.OperatorID = ""
	e.LockExpiresAt = nil
	if e.Priority == 0 {
		e.Priority = PriorityLow
	}

	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling queue metadata: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (entry_id, workspace_id, customer_id, status, priority, reason,
				metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.WorkspaceID, e.CustomerID, string(e.Status), int(e.Priority), e.Reason,
			meta, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
		if err != nil {
			if isConstraintViolation(err) && strings.Contains(err.Error(), "queue_entries.customer_id") {
				return fmt.Errorf("%w: customer %s", ErrActiveEntryExists, e.CustomerID)
			}
			return fmt.Errorf("inserting queue entry: %w", err)
		}
		return insertAudit(ctx, tx, withTarget(audit, e.ID))
	})
	if err != nil {
		return err
	}

	s.logger.Debug("created queue entry",
		"workspace_id", e.WorkspaceID,
		"entry_id", e.ID,
		"customer_id", e.CustomerID,
		"priority", e.Priority.String(),
	)
	return nil
}

// GetQueueEntry retrieves a queue entry by id.
func (s *SQLiteStore) GetQueueEntry(ctx context.Context, workspaceID, entryID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM queue_entries WHERE workspace_id = ? AND entry_id = ?`, workspaceID, entryID)
	return scanQueueRow(row)
}

// GetActiveQueueEntry returns the customer's waiting or locked entry.
func (s *SQLiteStore) GetActiveQueueEntry(ctx context.Context, workspaceID, customerID string) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM queue_entries
		WHERE workspace_id = ? AND customer_id = ? AND status IN ('waiting', 'locked')`,
		workspaceID, customerID)
	return scanQueueRow(row)
}

// ClaimQueueEntry atomically moves a waiting entry to locked for the
// operator. Exactly one concurrent claimer wins; the others get
// ErrAlreadyClaimed.
func (s *SQLiteStore) ClaimQueueEntry(ctx context.Context, p ClaimParams, audit *AuditEntry) (*QueueEntry, error) {
	var out *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if p.MaxLocksPerOperator > 0 {
			var held int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM queue_entries
				WHERE workspace_id = ? AND operator_id = ? AND status = 'locked' AND lock_expires_at > ?
			`, p.WorkspaceID, p.OperatorID, formatTime(p.Now)).Scan(&held)
			if err != nil {
				return fmt.Errorf("counting operator locks: %w", err)
			}
			if held >= p.MaxLocksPerOperator {
				return fmt.Errorf("%w: %s holds %d", ErrCapacityExceeded, p.OperatorID, held)
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'locked', operator_id = ?, lock_expires_at = ?, updated_at = ?
			WHERE workspace_id = ? AND entry_id = ? AND status = 'waiting'
		`, p.OperatorID, formatTime(p.LockExpiresAt), formatTime(p.Now), p.WorkspaceID, p.EntryID)
		if err != nil {
			return fmt.Errorf("claiming queue entry: %w", err)
		}

		return finishTransition(ctx, tx, res, p.WorkspaceID, p.EntryID, audit, &out, func(cur *QueueEntry) error {
			if cur.Status == QueueLocked {
				return ErrAlreadyClaimed
			}
			return fmt.Errorf("%w: cannot claim %s entry", ErrInvalidTransition, cur.Status)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RenewQueueEntry extends the lease of a lock still held by c.OperatorID.
func (s *SQLiteStore) RenewQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	var out *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET lock_expires_at = ?, updated_at = ?
			WHERE workspace_id = ? AND entry_id = ? AND status = 'locked'
			  AND operator_id = ? AND lock_expires_at > ?
		`, formatTime(c.LockExpiresAt), formatTime(c.Now), c.WorkspaceID, c.EntryID,
			c.OperatorID, formatTime(c.Now))
		if err != nil {
			return fmt.Errorf("renewing queue entry: %w", err)
		}
		return finishTransition(ctx, tx, res, c.WorkspaceID, c.EntryID, audit, &out, holderGuard(c, "renew"))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseQueueEntry returns a locked entry to waiting. With an operator id
// the caller must be the holder; without one (system reclamation) the lease
// must have expired. The original created_at is kept.
func (s *SQLiteStore) ReleaseQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	var out *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if c.OperatorID != "" {
			res, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = 'waiting', operator_id = NULL, lock_expires_at = NULL, updated_at = ?
				WHERE workspace_id = ? AND entry_id = ? AND status = 'locked' AND operator_id = ?
			`, formatTime(c.Now), c.WorkspaceID, c.EntryID, c.OperatorID)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = 'waiting', operator_id = NULL, lock_expires_at = NULL, updated_at = ?
				WHERE workspace_id = ? AND entry_id = ? AND status = 'locked' AND lock_expires_at <= ?
			`, formatTime(c.Now), c.WorkspaceID, c.EntryID, formatTime(c.Now))
		}
		if err != nil {
			return fmt.Errorf("releasing queue entry: %w", err)
		}

		return finishTransition(ctx, tx, res, c.WorkspaceID, c.EntryID, audit, &out, func(cur *QueueEntry) error {
			switch {
			case cur.Status != QueueLocked:
				return fmt.Errorf("%w: cannot release %s entry", ErrInvalidTransition, cur.Status)
			case c.OperatorID != "":
				return ErrNotHolder
			default:
				return ErrLockNotExpired
			}
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveQueueEntry marks a locked entry done. The caller must hold an
// unexpired lock.
func (s *SQLiteStore) ResolveQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	var out *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'done', operator_id = NULL, lock_expires_at = NULL, updated_at = ?, resolved_at = ?
			WHERE workspace_id = ? AND entry_id = ? AND status = 'locked'
			  AND operator_id = ? AND lock_expires_at > ?
		`, formatTime(c.Now), formatTime(c.Now), c.WorkspaceID, c.EntryID, c.OperatorID, formatTime(c.Now))
		if err != nil {
			return fmt.Errorf("resolving queue entry: %w", err)
		}
		return finishTransition(ctx, tx, res, c.WorkspaceID, c.EntryID, audit, &out, holderGuard(c, "resolve"))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelQueueEntry moves any non-terminal entry to cancelled.
func (s *SQLiteStore) CancelQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	var out *QueueEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'cancelled', operator_id = NULL, lock_expires_at = NULL, updated_at = ?, resolved_at = ?
			WHERE workspace_id = ? AND entry_id = ? AND status IN ('waiting', 'locked')
		`, formatTime(c.Now), formatTime(c.Now), c.WorkspaceID, c.EntryID)
		if err != nil {
			return fmt.Errorf("cancelling queue entry: %w", err)
		}
		return finishTransition(ctx, tx, res, c.WorkspaceID, c.EntryID, audit, &out, func(cur *QueueEntry) error {
			return fmt.Errorf("%w: cannot cancel %s entry", ErrInvalidTransition, cur.Status)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// holderGuard explains why a holder-checked update matched no row.
func holderGuard(c QueueChange, op string) func(*QueueEntry) error {
	return func(cur *QueueEntry) error {
		switch {
		case cur.Status != QueueLocked:
			return fmt.Errorf("%w: cannot %s %s entry", ErrInvalidTransition, op, cur.Status)
		case cur.OperatorID != c.OperatorID:
			return ErrNotHolder
		default:
			return ErrLockExpired
		}
	}
}

// finishTransition checks the outcome of a guarded UPDATE. When no row
// matched, the current row is read inside the same transaction and passed
// to diagnose; otherwise the audit row is written and the updated entry is
// loaded into out.
func finishTransition(
	ctx context.Context,
	tx *sql.Tx,
	res sql.Result,
	workspaceID, entryID string,
	audit *AuditEntry,
	out **QueueEntry,
	diagnose func(*QueueEntry) error,
) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}

	cur, err := scanQueueRow(tx.QueryRowContext(ctx, `SELECT `+queueColumns+`
		FROM queue_entries WHERE workspace_id = ? AND entry_id = ?`, workspaceID, entryID))
	if err != nil {
		return err
	}
	if n == 0 {
		return diagnose(cur)
	}

	if err := insertAudit(ctx, tx, withTarget(audit, entryID)); err != nil {
		return err
	}
	*out = cur
	return nil
}

func withTarget(a *AuditEntry, entryID string) *AuditEntry {
	if a == nil {
		return nil
	}
	if a.TargetType == "" {
		a.TargetType = TargetQueueEntry
	}
	if a.TargetID == "" {
		a.TargetID = entryID
	}
	return a
}

// ListQueueEntries lists entries in service order: highest priority first,
// then oldest created first.
func (s *SQLiteStore) ListQueueEntries(ctx context.Context, f QueueFilter) ([]*QueueEntry, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []QueueStatus{QueueWaiting}
	}

	placeholders := make([]string, len(statuses))
	args := []any{f.WorkspaceID}
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+`
		FROM queue_entries
		WHERE workspace_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY priority DESC, created_at ASC, entry_id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying queue entries: %w", err))
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

// ListExpiredLocks returns locked entries whose lease has passed at now.
// An empty workspaceID scans every workspace.
func (s *SQLiteStore) ListExpiredLocks(ctx context.Context, workspaceID string, now time.Time) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+`
		FROM queue_entries
		WHERE (? = '' OR workspace_id = ?) AND status = 'locked' AND lock_expires_at <= ?
		ORDER BY lock_expires_at ASC`, workspaceID, workspaceID, formatTime(now))
	if err != nil {
		return nil, classify(fmt.Errorf("querying expired locks: %w", err))
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

func scanQueueRows(rows *sql.Rows) ([]*QueueEntry, error) {
	var out []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanQueueRow(row *sql.Row) (*QueueEntry, error) {
	e, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return e, nil
}

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var e QueueEntry
	var status, createdAt, updatedAt string
	var priority int
	var operatorID, lockExpires, meta, resolvedAt sql.NullString

	if err := row.Scan(
		&e.ID,
		&e.WorkspaceID,
		&e.CustomerID,
		&status,
		&priority,
		&e.Reason,
		&operatorID,
		&lockExpires,
		&meta,
		&createdAt,
		&updatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	e.Status = QueueStatus(status)
	e.Priority = Priority(priority)
	e.OperatorID = operatorID.String

	var err error
	if e.LockExpiresAt, err = parseNullTime(lockExpires); err != nil {
		return nil, fmt.Errorf("parsing lock_expires_at: %w", err)
	}
	if e.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	if e.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("unmarshaling queue metadata: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}
