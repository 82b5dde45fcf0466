package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"impersonation-detector/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const defaultFindLimit = 100

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveDetection inserts a detection event. Saving the same id twice is a no-op.
func (s *Store) SaveDetection(ctx context.Context, e models.DetectionEvent) error {
	factors, err := json.Marshal(e.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	weights, err := json.Marshal(e.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	reasoning, err := json.Marshal(e.Reasoning)
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO detection_events (id, suspect_account_id, target_account_id, score, confidence, factors, weights, reasoning, action, reviewed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.SuspectAccountID, e.TargetAccountID, e.Score, e.Confidence, string(factors), string(weights), string(reasoning), string(e.Action), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert detection %s: %w", e.ID, err)
	}
	return nil
}

const detectionColumns = `id, suspect_account_id, target_account_id, score, confidence, factors, weights, reasoning, action, reviewed, review_notes, created_at`

// detectionID rejects ids that cannot name a row before Postgres fails to cast them.
func detectionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetDetection fetches one detection event.
func (s *Store) GetDetection(ctx context.Context, id string) (models.DetectionEvent, error) {
	if err := detectionID(id); err != nil {
		return models.DetectionEvent{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+detectionColumns+` FROM detection_events WHERE id = $1`, id)
	e, err := scanDetection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DetectionEvent{}, fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return e, err
}

// FindByTarget lists detections for a protected account, newest first.
func (s *Store) FindByTarget(ctx context.Context, targetID string, f models.DetectionFilter) ([]models.DetectionEvent, error) {
	query, args := buildFindByTarget(targetID, f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	events := []models.DetectionEvent{}
	for rows.Next() {
		e, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return events, nil
}

func buildFindByTarget(targetID string, f models.DetectionFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT ` + detectionColumns + ` FROM detection_events WHERE target_account_id = $1`)
	args := []any{targetID}
	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND "+clause, len(args))
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.Reviewed != nil {
		add("reviewed = $%d", *f.Reviewed)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if f.MinScore > 0 {
		add("score >= $%d", f.MinScore)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultFindLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d", len(args))
	return b.String(), args
}

// MarkReviewed records a reviewer's decision and action override.
func (s *Store) MarkReviewed(ctx context.Context, id string, action models.Action, notes string) error {
	if !action.Valid() {
		return &models.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}
	if err := detectionID(id); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE detection_events
		SET reviewed = TRUE, action = $2, review_notes = $3, reviewed_at = NOW()
		WHERE id = $1
	`, id, string(action), notes)
	if err != nil {
		return fmt.Errorf("mark reviewed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("detection %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanDetection(row pgx.Row) (models.DetectionEvent, error) {
	var e models.DetectionEvent
	var factors, weights, reasoning []byte
	var action string
	var notes pgtype.Text
	if err := row.Scan(&e.ID, &e.SuspectAccountID, &e.TargetAccountID, &e.Score, &e.Confidence,
		&factors, &weights, &reasoning, &action, &e.Reviewed, &notes, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan detection: %w", err)
	}
	e.Action = models.Action(action)
	e.ReviewNotes = notes.String
	if err := json.Unmarshal(factors, &e.Factors); err != nil {
		return e, fmt.Errorf("unmarshal factors: %w", err)
	}
	if err := json.Unmarshal(weights, &e.Weights); err != nil {
		return e, fmt.Errorf("unmarshal weights: %w", err)
	}
	if err := json.Unmarshal(reasoning, &e.Reasoning); err != nil {
		return e, fmt.Errorf("unmarshal reasoning: %w", err)
	}
	return e, nil
}

// GetPreferences returns the stored preferences for recipient.
func (s *Store) GetPreferences(ctx context.Context, recipient string) (models.Preferences, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT settings FROM notification_preferences WHERE recipient = $1`, recipient).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Preferences{}, fmt.Errorf("preferences for %s: %w", recipient, ErrNotFound)
	}
	if err != nil {
		return models.Preferences{}, fmt.Errorf("query preferences: %w", err)
	}
	var p models.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.Preferences{}, fmt.Errorf("unmarshal preferences: %w", err)
	}
	p.Recipient = recipient
	return p, nil
}

// SavePreferences replaces a recipient's preferences.
func (s *Store) SavePreferences(ctx context.Context, p models.Preferences) error {
	return savePreferences(ctx, s.pool, p)
}

// UpdatePreferences merges patch into the stored preferences under a row lock.
func (s *Store) UpdatePreferences(ctx context.Context, recipient string, patch models.PreferencesPatch) (models.Preferences, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Preferences{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	current := models.Preferences{Recipient: recipient}
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT settings FROM notification_preferences WHERE recipient = $1 FOR UPDATE`, recipient).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return models.Preferences{}, fmt.Errorf("lock preferences: %w", err)
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return models.Preferences{}, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}

	merged := current.Merge(patch)
	merged.Recipient = recipient
	if err := savePreferences(ctx, tx, merged); err != nil {
		return models.Preferences{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Preferences{}, fmt.Errorf("commit: %w", err)
	}
	return merged, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func savePreferences(ctx context.Context, db execer, p models.Preferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO notification_preferences (recipient, settings, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (recipient) DO UPDATE SET settings = EXCLUDED.settings, updated_at = NOW()
	`, p.Recipient, string(raw))
	if err != nil {
		return fmt.Errorf("upsert preferences %s: %w", p.Recipient, err)
	}
	return nil
}

// SaveCredential stores an encrypted third-party token. Only ciphertext is persisted.
func (s *Store) SaveCredential(ctx context.Context, owner, service string, secret models.EncryptedSecret) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (owner, service, iv, auth_tag, ciphertext, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner, service) DO UPDATE
		SET iv = EXCLUDED.iv, auth_tag = EXCLUDED.auth_tag, ciphertext = EXCLUDED.ciphertext, updated_at = EXCLUDED.updated_at
	`, owner, service, secret.IVHex, secret.AuthTagHex, secret.CipherTextHex, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save credential %s/%s: %w", owner, service, err)
	}
	return nil
}

// GetCredential loads an encrypted token.
func (s *Store) GetCredential(ctx context.Context, owner, service string) (models.EncryptedSecret, error) {
	var secret models.EncryptedSecret
	err := s.pool.QueryRow(ctx, `
		SELECT iv, auth_tag, ciphertext FROM credentials WHERE owner = $1 AND service = $2
	`, owner, service).Scan(&secret.IVHex, &secret.AuthTagHex, &secret.CipherTextHex)
	if errors.Is(err, pgx.ErrNoRows) {
		return secret, &models.ConfigurationError{Field: "credentials", Reason: fmt.Sprintf("no %s credential stored for %s", service, owner)}
	}
	if err != nil {
		return secret, fmt.Errorf("query credential: %w", err)
	}
	return secret, nil
}
