// ABOUTME: Audit log entity and store methods for state transitions and queue changes
// ABOUTME: Rows are written inside the same transaction as the mutation they describe

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditTransition   AuditAction = "transition"
	AuditRecord       AuditAction = "record"
	AuditQueueCreate  AuditAction = "queue_create"
	AuditQueueClaim   AuditAction = "queue_claim"
	AuditQueueRenew   AuditAction = "queue_renew"
	AuditQueueRelease AuditAction = "queue_release"
	AuditQueueExpire  AuditAction = "queue_expire"
	AuditQueueResolve AuditAction = "queue_resolve"
	AuditQueueCancel  AuditAction = "queue_cancel"
	AuditSessionReset AuditAction = "session_reset"
)

// Audit target types.
const (
	TargetConversation = "conversation"
	TargetQueueEntry   = "queue_entry"
)

// ActorSystem identifies automated actors (engine, sweeper).
const ActorSystem = "system"

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID          string         // UUID v4
	WorkspaceID string         // tenant the action belongs to
	Actor       string         // operator id or ActorSystem
	Action      AuditAction    // what action was performed
	TargetType  string         // TargetConversation or TargetQueueEntry
	TargetID    string         // customer id or queue entry id
	Timestamp   time.Time      // when it happened
	Detail      map[string]any // snapshot of the change
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	WorkspaceID string       // required
	Since       *time.Time   // entries at or after this time
	Until       *time.Time   // entries at or before this time
	Actor       *string      // filter by actor
	Action      *AuditAction // filter by action type
	TargetType  *string      // filter by target type
	TargetID    *string      // filter by target ID
	Limit       int          // max results (default 100, max 1000)
}

// insertAudit writes an audit row using the caller's transaction.
// Generates ID and Timestamp if not set.
func insertAudit(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	if e == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}

	detailJSON, err := marshalJSON(e.Detail)
	if err != nil {
		return fmt.Errorf("marshaling audit detail: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, workspace_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.WorkspaceID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner rowScanner) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON sql.NullString

	if err := scanner.Scan(
		&e.ID,
		&e.WorkspaceID,
		&e.Actor,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, workspace_id, actor, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE workspace_id = ?
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, audit_id DESC
	LIMIT ?
`

// ListAuditLog retrieves audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, until, action any
	if f.Since != nil {
		since = formatTime(*f.Since)
	}
	if f.Until != nil {
		until = formatTime(*f.Until)
	}
	if f.Action != nil {
		action = string(*f.Action)
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		f.WorkspaceID,
		since, since,
		until, until,
		f.Actor, f.Actor,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
