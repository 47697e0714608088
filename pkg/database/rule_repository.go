package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/errors"
	"callaudit-server/pkg/rules"
)

// RuleRepository is the SQL rules.Store.
type RuleRepository struct {
	db     *Database
	logger *logrus.Entry
	now    func() time.Time
}

var _ rules.Store = (*RuleRepository)(nil)

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *Database, logger *logrus.Logger) *RuleRepository {
	return &RuleRepository{
		db:     db,
		logger: logger.WithField("component", "rule_repository"),
		now:    time.Now,
	}
}

const ruleColumns = `id, name, description, category, severity, active, version, definition, created_at, updated_at`

func scanRule(row rowScanner) (*rules.Rule, error) {
	var (
		rule                  rules.Rule
		description, category sql.NullString
		severity, definition  string
		createdAt, updatedAt  int64
	)
	err := row.Scan(&rule.ID, &rule.Name, &description, &category, &severity, &rule.Active,
		&rule.Version, &definition, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Category = category.String
	rule.Severity = rules.Severity(severity)
	rule.Definition = []byte(definition)
	rule.CreatedAt = fromMillis(createdAt)
	rule.UpdatedAt = fromMillis(updatedAt)
	return &rule, nil
}

func (r *RuleRepository) ListActiveRules(ctx context.Context) ([]rules.Rule, error) {
	active := true
	return r.ListRules(ctx, &active)
}

// ListRules returns rules ordered by id; active filters when non-nil.
func (r *RuleRepository) ListRules(ctx context.Context, active *bool) ([]rules.Rule, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	query := `SELECT ` + ruleColumns + ` FROM compliance_rules`
	var args []interface{}
	if active != nil {
		query += ` WHERE active = ?`
		args = append(args, *active)
	}
	query += ` ORDER BY id`

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "failed to list compliance rules", nil)
	}
	defer rows.Close()

	out := []rules.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, storageError(err, "failed to scan compliance rule", nil)
		}
		out = append(out, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "failed to read compliance rules", nil)
	}
	return out, nil
}

func (r *RuleRepository) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	rule, err := scanRule(r.db.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM compliance_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewRuleNotFound(id)
	}
	if err != nil {
		return nil, storageError(err, "failed to get compliance rule", map[string]interface{}{"rule_id": id})
	}
	return rule, nil
}

// UpsertRule validates and stores rule, bumping the version of an existing
// revision inside one transaction.
func (r *RuleRepository) UpsertRule(ctx context.Context, rule rules.Rule) (*rules.Rule, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	id := strings.TrimSpace(rule.ID)
	fields := map[string]interface{}{"rule_id": id}

	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "failed to begin rule transaction", fields)
	}
	defer tx.Rollback()

	existing, err := scanRule(tx.QueryRowContext(ctx, r.lockingSelect(), id))
	if err != nil && err != sql.ErrNoRows {
		return nil, storageError(err, "failed to load compliance rule", fields)
	}
	if err == sql.ErrNoRows {
		existing = nil
	}

	prepared, err := rules.Prepare(rule, existing, r.now())
	if err != nil {
		return nil, err
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO compliance_rules (`+ruleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			prepared.ID, prepared.Name, prepared.Description, prepared.Category, string(prepared.Severity),
			prepared.Active, prepared.Version, string(prepared.Definition),
			toMillis(prepared.CreatedAt), toMillis(prepared.UpdatedAt))
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE compliance_rules SET name = ?, description = ?, category = ?,
			severity = ?, active = ?, version = ?, definition = ?, updated_at = ? WHERE id = ?`,
			prepared.Name, prepared.Description, prepared.Category, string(prepared.Severity),
			prepared.Active, prepared.Version, string(prepared.Definition), toMillis(prepared.UpdatedAt),
			prepared.ID)
	}
	if err != nil {
		if isDuplicate(err) {
			return nil, errors.Wrap(errors.ErrAlreadyExists, "compliance rule was created concurrently", fields)
		}
		return nil, storageError(err, "failed to store compliance rule", fields)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "failed to commit compliance rule", fields)
	}

	r.logger.WithFields(logrus.Fields{
		"rule_id": prepared.ID,
		"version": prepared.Version,
		"active":  prepared.Active,
	}).Info("Compliance rule stored")
	return &prepared, nil
}

// lockingSelect reads the current revision; MySQL holds a row lock until commit.
func (r *RuleRepository) lockingSelect() string {
	q := `SELECT ` + ruleColumns + ` FROM compliance_rules WHERE id = ?`
	if r.db.driver == DriverMySQL {
		q += ` FOR UPDATE`
	}
	return q
}

// DeactivateRule marks the rule inactive and bumps its version.
func (r *RuleRepository) DeactivateRule(ctx context.Context, id string) error {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	res, err := r.db.db.ExecContext(ctx, `UPDATE compliance_rules SET active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND active = ?`, false, toMillis(r.now().UTC().Truncate(time.Millisecond)), id, true)
	if err != nil {
		return storageError(err, "failed to deactivate compliance rule", map[string]interface{}{"rule_id": id})
	}
	if n, _ := res.RowsAffected(); n > 0 {
		r.logger.WithField("rule_id", id).Info("Compliance rule deactivated")
		return nil
	}

	// Nothing changed: either already inactive or unknown.
	if _, err := r.GetRule(ctx, id); err != nil {
		return err
	}
	return nil
}

func (r *RuleRepository) CountRules(ctx context.Context) (int, error) {
	ctx, cancel := r.db.getContext(ctx)
	defer cancel()

	var n int
	if err := r.db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compliance_rules`).Scan(&n); err != nil {
		return 0, storageError(err, "failed to count compliance rules", nil)
	}
	return n, nil
}
