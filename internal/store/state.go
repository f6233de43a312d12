// ABOUTME: Customer and conversation-state persistence for the context store
// ABOUTME: CommitTransition writes state, interactions and audit atomically with a version check

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EnsureCustomer creates the customer if it does not exist yet.
// Existing customers are left untouched.
func (s *SQLiteStore) EnsureCustomer(ctx context.Context, c *Customer) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return ensureCustomer(ctx, tx, c)
	})
}

func ensureCustomer(ctx context.Context, tx *sql.Tx, c *Customer) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	tags, err := marshalJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("marshaling customer tags: %w", err)
	}
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling customer metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customers (workspace_id, customer_id, display_name, tags_json, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, customer_id) DO NOTHING
	`, c.WorkspaceID, c.ID, c.DisplayName, tags, meta, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by workspace and channel address.
func (s *SQLiteStore) GetCustomer(ctx context.Context, workspaceID, customerID string) (*Customer, error) {
	var c Customer
	var tags, meta sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, customer_id, display_name, tags_json, metadata_json, created_at
		FROM customers WHERE workspace_id = ? AND customer_id = ?
	`, workspaceID, customerID).Scan(&c.WorkspaceID, &c.ID, &c.DisplayName, &tags, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("querying customer: %w", err))
	}

	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("unmarshaling customer tags: %w", err)
		}
	}
	if c.Metadata, err = unmarshalMap(meta); err != nil {
		return nil, fmt.Errorf("unmarshaling customer metadata: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing customer created_at: %w", err)
	}
	return &c, nil
}

// GetState returns the customer's current conversation state or ErrNotFound.
func (s *SQLiteStore) GetState(ctx context.Context, workspaceID, customerID string) (*ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, customer_id, session_id, state, context_json, version, turns,
		       last_inbound_at, created_at, updated_at
		FROM conversation_states WHERE workspace_id = ? AND customer_id = ?
	`, workspaceID, customerID)

	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return st, nil
}

func scanState(row rowScanner) (*ConversationState, error) {
	var st ConversationState
	var ctxJSON string
	var lastInbound sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(
		&st.WorkspaceID,
		&st.CustomerID,
		&st.SessionID,
		&st.State,
		&ctxJSON,
		&st.Version,
		&st.Turns,
		&lastInbound,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ctxJSON), &st.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}
	if st.Context == nil {
		st.Context = map[string]any{}
	}

	li, err := parseNullTime(lastInbound)
	if err != nil {
		return nil, fmt.Errorf("parsing last_inbound_at: %w", err)
	}
	if li != nil {
		st.LastInboundAt = *li
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &st, nil
}

// CommitTransition persists a state change together with its interactions
// and audit row. When c.State is set, its stored version must equal
// c.ExpectedVersion (0 meaning "no row yet"), otherwise ErrConflict is
// returned and nothing is written. On success c.State.Version holds the new
// version.
func (s *SQLiteStore) CommitTransition(ctx context.Context, c *TransitionCommit) error {
	now := time.Now().UTC()
	for _, i := range c.Interactions {
		prepareInteraction(i, now)
	}

	var newVersion int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if c.Customer != nil {
			if err := ensureCustomer(ctx, tx, c.Customer); err != nil {
				return err
			}
		}

		if c.State != nil {
			v, err := writeState(ctx, tx, c.State, c.ExpectedVersion, now)
			if err != nil {
				return err
			}
			newVersion = v
		}

		for _, i := range c.Interactions {
			if err := insertInteraction(ctx, tx, i); err != nil {
				return err
			}
		}

		return insertAudit(ctx, tx, c.Audit)
	})
	if err != nil {
		return err
	}

	if c.State != nil {
		c.State.Version = newVersion
		c.State.UpdatedAt = now
		if c.ExpectedVersion == 0 {
			c.State.CreatedAt = now
		}
	}
	s.logger.Debug("committed transition",
		"workspace_id", commitWorkspace(c),
		"interactions", len(c.Interactions),
		"version", newVersion,
	)
	return nil
}

func commitWorkspace(c *TransitionCommit) string {
	switch {
	case c.State != nil:
		return c.State.WorkspaceID
	case len(c.Interactions) > 0:
		return c.Interactions[0].WorkspaceID
	default:
		return ""
	}
}

// writeState inserts or version-checks and updates a state row, returning
// the version now stored.
func writeState(ctx context.Context, tx *sql.Tx, st *ConversationState, expected int64, now time.Time) (int64, error) {
	ctxMap := st.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	data, err := json.Marshal(ctxMap)
	if err != nil {
		return 0, fmt.Errorf("marshaling context: %w", err)
	}

	var lastInbound any
	if !st.LastInboundAt.IsZero() {
		lastInbound = formatTime(st.LastInboundAt)
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_states (workspace_id, customer_id, session_id, state, context_json,
				version, turns, last_inbound_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)
		`, st.WorkspaceID, st.CustomerID, st.SessionID, st.State, string(data),
			st.Turns, lastInbound, formatTime(now), formatTime(now))
		if err != nil {
			if isConstraintViolation(err) && !isForeignKeyViolation(err) {
				return 0, fmt.Errorf("%w: state for %s already exists", ErrConflict, st.CustomerID)
			}
			return 0, fmt.Errorf("inserting state: %w", err)
		}
		return 1, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_states
		SET session_id = ?, state = ?, context_json = ?, version = version + 1,
		    turns = ?, last_inbound_at = ?, updated_at = ?
		WHERE workspace_id = ? AND customer_id = ? AND version = ?
	`, st.SessionID, st.State, string(data), st.Turns, lastInbound, formatTime(now),
		st.WorkspaceID, st.CustomerID, expected)
	if err != nil {
		return 0, fmt.Errorf("updating state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: state for %s changed since version %d", ErrConflict, st.CustomerID, expected)
	}
	return expected + 1, nil
}
