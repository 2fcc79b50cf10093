package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Definitions, trigger state and operation definitions are stored as JSONB.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const selectRuleColumns = `
	SELECT id, given_name, event_name, is_enabled, filter, definitions, triggered, created_at, updated_at
	FROM event_rules`

// Add inserts a new rule and its operations in one transaction
func (s *PostgresRuleStore) Add(ctx context.Context, rule *EventRule) error {
	definitions, err := marshalJSON(rule.Definitions)
	if err != nil {
		return err
	}
	triggered, err := marshalJSON(rule.Triggered)
	if err != nil {
		return err
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM event_rules WHERE id = $1)`, rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_rules (id, given_name, event_name, is_enabled, filter, definitions, triggered, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, rule.GivenName, rule.EventName, rule.IsEnabled, rule.Filter,
		definitions, triggered, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if err := insertOperations(ctx, tx, rule); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

// Get retrieves a rule with its operations
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*EventRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRuleColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	list, err := s.scanRules(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return list[0], nil
}

// List returns every rule ordered by creation time
func (s *PostgresRuleStore) List(ctx context.Context) ([]*EventRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRuleColumns+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return s.scanRules(ctx, rows)
}

// ListEnabledByEvent returns enabled rules for the event name
func (s *PostgresRuleStore) ListEnabledByEvent(ctx context.Context, eventName string) ([]*EventRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRuleColumns+`
		WHERE event_name = $1 AND is_enabled = true
		ORDER BY created_at ASC, id ASC
	`, eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	return s.scanRules(ctx, rows)
}

// ListByEvent returns all rules for the event name
func (s *PostgresRuleStore) ListByEvent(ctx context.Context, eventName string) ([]*EventRule, error) {
	rows, err := s.db.QueryContext(ctx, selectRuleColumns+`
		WHERE event_name = $1
		ORDER BY created_at ASC, id ASC
	`, eventName)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return s.scanRules(ctx, rows)
}

// Update modifies a rule and replaces its operation list. The triggered
// column is not written here.
func (s *PostgresRuleStore) Update(ctx context.Context, rule *EventRule) error {
	definitions, err := marshalJSON(rule.Definitions)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE event_rules
		SET given_name = $1, event_name = $2, is_enabled = $3, filter = $4, definitions = $5, updated_at = $6
		WHERE id = $7
		RETURNING created_at
	`, rule.GivenName, rule.EventName, rule.IsEnabled, rule.Filter, definitions, rule.UpdatedAt, rule.ID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	rule.CreatedAt = createdAt

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_operations WHERE rule_id = $1`, rule.ID); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	if err := insertOperations(ctx, tx, rule); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule: %w", err)
	}
	return nil
}

// Delete removes a rule; operations cascade
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM event_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return expectOneRow(result, id)
}

// SaveTriggered writes only the triggered sub-document of a rule
func (s *PostgresRuleStore) SaveTriggered(ctx context.Context, id string, triggered Triggered) error {
	if triggered == nil {
		triggered = Triggered{}
	}
	payload, err := marshalJSON(triggered)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE event_rules SET triggered = $1 WHERE id = $2
	`, payload, id)
	if err != nil {
		return fmt.Errorf("failed to save trigger state: %w", err)
	}
	return expectOneRow(result, id)
}

// ResetTriggered empties trigger state for every rule of an event name,
// enabled or not
func (s *PostgresRuleStore) ResetTriggered(ctx context.Context, eventName string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE event_rules SET triggered = '{}'::jsonb WHERE event_name = $1
	`, eventName)
	if err != nil {
		return 0, fmt.Errorf("failed to reset trigger state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Ping checks database connectivity
func (s *PostgresRuleStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresRuleStore) scanRules(ctx context.Context, rows *sql.Rows) ([]*EventRule, error) {
	defer rows.Close()

	var list []*EventRule
	byID := make(map[string]*EventRule)
	for rows.Next() {
		var r EventRule
		var definitions, triggered []byte
		if err := rows.Scan(&r.ID, &r.GivenName, &r.EventName, &r.IsEnabled, &r.Filter,
			&definitions, &triggered, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := unmarshalJSON(definitions, &r.Definitions); err != nil {
			return nil, fmt.Errorf("rule %s definitions: %w", r.ID, err)
		}
		if err := unmarshalJSON(triggered, &r.Triggered); err != nil {
			return nil, fmt.Errorf("rule %s triggered: %w", r.ID, err)
		}
		if r.Triggered == nil {
			r.Triggered = Triggered{}
		}
		list = append(list, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.ID)
	}

	opRows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, name, definitions
		FROM event_operations
		WHERE rule_id = ANY($1)
		ORDER BY rule_id, position ASC
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load operations: %w", err)
	}
	defer opRows.Close()

	for opRows.Next() {
		var op Operation
		var ruleID string
		var definitions []byte
		if err := opRows.Scan(&op.ID, &ruleID, &op.Name, &definitions); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if err := unmarshalJSON(definitions, &op.Definitions); err != nil {
			return nil, fmt.Errorf("operation %s definitions: %w", op.ID, err)
		}
		if r, ok := byID[ruleID]; ok {
			r.Operations = append(r.Operations, op)
		}
	}
	if err := opRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return list, nil
}

func insertOperations(ctx context.Context, tx *sql.Tx, rule *EventRule) error {
	for i := range rule.Operations {
		op := &rule.Operations[i]
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		definitions, err := marshalJSON(op.Definitions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_operations (id, rule_id, position, name, definitions)
			VALUES ($1, $2, $3, $4, $5)
		`, op.ID, rule.ID, i, op.Name, definitions)
		if err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", op.Name, err)
		}
	}
	return nil
}

func expectOneRow(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	switch m := v.(type) {
	case Definitions:
		if m == nil {
			return []byte(`{}`), nil
		}
	case Triggered:
		if m == nil {
			return []byte(`{}`), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
