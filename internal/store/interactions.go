// ABOUTME: Append-only interaction log persistence
// ABOUTME: Records inbound and outbound exchanges with event-id idempotency

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

// AppendInteraction records a single interaction outside of a state commit.
// Used for human-authored replies.
func (s *SQLiteStore) AppendInteraction(ctx context.Context, i *Interaction) error {
	prepareInteraction(i, time.Now().UTC())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertInteraction(ctx, tx, i)
	})
}

// prepareInteraction fills in the id and timestamp when absent.
func prepareInteraction(i *Interaction, now time.Time) {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
}

func insertInteraction(ctx context.Context, tx *sql.Tx, i *Interaction) error {
	content, err := marshalJSON(i.Content)
	if err != nil {
		return fmt.Errorf("marshaling interaction content: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (interaction_id, workspace_id, customer_id, event_id, direction,
			channel, intent, content_json, state, operator_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		i.ID,
		i.WorkspaceID,
		i.CustomerID,
		nullString(i.EventID),
		string(i.Direction),
		i.Channel,
		i.Intent,
		content,
		i.State,
		nullString(i.OperatorID),
		formatTime(i.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) && strings.Contains(err.Error(), "interactions.event_id") {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, i.EventID)
		}
		return fmt.Errorf("inserting interaction: %w", err)
	}
	return nil
}

const interactionColumns = `interaction_id, workspace_id, customer_id, event_id, direction,
	channel, intent, content_json, state, operator_id, created_at`

// ListInteractions returns the customer's interactions in chronological order.
// When more than limit exist, the most recent ones are returned.
func (s *SQLiteStore) ListInteractions(ctx context.Context, workspaceID, customerID string, limit int) ([]*Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+interactionColumns+` FROM (
			SELECT `+interactionColumns+`, rowid AS seq
			FROM interactions
			WHERE workspace_id = ? AND customer_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC
	`, workspaceID, customerID, normalizeLimit(limit))
	if err != nil {
		return nil, classify(fmt.Errorf("querying interactions: %w", err))
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// GetInteractionByEventID finds the inbound interaction recorded for an
// upstream event id.
func (s *SQLiteStore) GetInteractionByEventID(ctx context.Context, workspaceID, customerID, eventID string) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+interactionColumns+`
		FROM interactions
		WHERE workspace_id = ? AND customer_id = ? AND event_id = ?
	`, workspaceID, customerID, eventID)

	i, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return i, nil
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var i Interaction
	var eventID, content, operatorID sql.NullString
	var direction, createdAt string

	if err := row.Scan(
		&i.ID,
		&i.WorkspaceID,
		&i.CustomerID,
		&eventID,
		&direction,
		&i.Channel,
		&i.Intent,
		&content,
		&i.State,
		&operatorID,
		&createdAt,
	); err != nil {
		return nil, err
	}

	i.EventID = eventID.String
	i.OperatorID = operatorID.String
	i.Direction = Direction(direction)

	var err error
	if i.Content, err = unmarshalMap(content); err != nil {
		return nil, fmt.Errorf("unmarshaling interaction content: %w", err)
	}
	if i.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing interaction created_at: %w", err)
	}
	return &i, nil
}
