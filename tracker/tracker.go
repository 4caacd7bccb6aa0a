// Package tracker records user interactions and their feedback in a
// per-environment SQLite shard. Negative feedback fans out to a Notifier.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	harvest "github.com/fieldlabs/harvest"
	"github.com/fieldlabs/harvest/notify"
)

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    service_name TEXT NOT NULL,
    user_input TEXT NOT NULL DEFAULT '',
    ai_output TEXT NOT NULL,
    context JSON,
    response_time_seconds REAL,
    feedback_kind TEXT NOT NULL DEFAULT '',
    feedback_comment TEXT NOT NULL DEFAULT '',
    feedback_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS services (
    service_name TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    expected_context JSON,
    registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id);
CREATE INDEX IF NOT EXISTS idx_interactions_service ON interactions(service_name);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
`

// Feedback kinds.
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
)

// Interaction is one recorded exchange.
type Interaction struct {
	ID                  int64                  `json:"interaction_id"`
	UserID              string                 `json:"user_id"`
	SessionID           string                 `json:"session_id,omitempty"`
	ServiceName         string                 `json:"service_name"`
	UserInput           string                 `json:"user_input,omitempty"`
	AIOutput            string                 `json:"ai_output"`
	Context             map[string]interface{} `json:"context,omitempty"`
	ResponseTimeSeconds *float64               `json:"response_time_seconds,omitempty"`
	FeedbackKind        string                 `json:"feedback_kind,omitempty"`
	FeedbackComment     string                 `json:"feedback_comment,omitempty"`
	FeedbackAt          string                 `json:"feedback_at,omitempty"`
	CreatedAt           string                 `json:"created_at"`
}

// TrackRequest creates an interaction.
type TrackRequest struct {
	UserID              string                 `json:"user_id"`
	SessionID           string                 `json:"session_id,omitempty"`
	ServiceName         string                 `json:"service_name"`
	UserInput           string                 `json:"user_input,omitempty"`
	AIOutput            string                 `json:"ai_output"`
	Context             map[string]interface{} `json:"context,omitempty"`
	ResponseTimeSeconds *float64               `json:"response_time_seconds,omitempty"`
}

// Service is a registry entry. Registered automatically the first time a
// service name appears in Track.
type Service struct {
	ServiceName     string   `json:"service_name"`
	DisplayName     string   `json:"display_name"`
	Description     string   `json:"description,omitempty"`
	ExpectedContext []string `json:"expected_context,omitempty"`
	RegisteredAt    string   `json:"registered_at"`
}

// Filters narrows analytics queries. Zero values mean "any".
type Filters struct {
	ServiceName  string `json:"service_name,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	FeedbackKind string `json:"feedback_kind,omitempty"`
}

// Page controls search pagination.
type Page struct {
	Number  int    `json:"page"`
	PerPage int    `json:"per_page"`
	Sort    string `json:"sort"` // "asc" or "desc" by creation time
}

// Summary aggregates interactions under a filter.
type Summary struct {
	Total            int      `json:"total"`
	PositiveFeedback int      `json:"positive_feedback"`
	NegativeFeedback int      `json:"negative_feedback"`
	MeanResponseSecs *float64 `json:"mean_response_seconds,omitempty"`
}

// Tracker owns the interaction store for one environment.
type Tracker struct {
	db       *sql.DB
	notifier notify.Notifier
}

// New opens (or creates) the interaction shard at dbPath. The notifier
// receives negative-feedback events; pass notify.Log{} to only log them.
func New(dbPath string, notifier notify.Notifier) (*Tracker, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating tracker directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening tracker database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tracker schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Tracker{db: db, notifier: notifier}, nil
}

// Close closes the underlying database.
func (t *Tracker) Close() error {
	return t.db.Close()
}

// Track creates an interaction and returns its id. Unknown services are
// registered first-writer-wins; the display name defaults to the service
// name and expected_context to the keys of the first context seen.
func (t *Tracker) Track(ctx context.Context, req TrackRequest) (int64, error) {
	if req.UserID == "" {
		return 0, fmt.Errorf("%w: user_id is required", harvest.ErrInvalidInput)
	}
	if req.ServiceName == "" {
		return 0, fmt.Errorf("%w: service_name is required", harvest.ErrInvalidInput)
	}
	if req.AIOutput == "" {
		return 0, fmt.Errorf("%w: ai_output is required", harvest.ErrInvalidInput)
	}

	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return 0, fmt.Errorf("encoding interaction context: %w", err)
	}
	expectedJSON, err := json.Marshal(contextKeys(req.Context))
	if err != nil {
		return 0, err
	}

	var id int64
	err = t.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO services (service_name, display_name, expected_context)
			VALUES (?, ?, ?)
		`, req.ServiceName, req.ServiceName, string(expectedJSON)); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO interactions (user_id, session_id, service_name, user_input,
				ai_output, context, response_time_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, req.UserID, req.SessionID, req.ServiceName, req.UserInput,
			req.AIOutput, string(contextJSON), req.ResponseTimeSeconds)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Update attaches feedback to an existing interaction. Negative feedback
// fans out to the notifier; fan-out failures are logged, never returned.
func (t *Tracker) Update(ctx context.Context, id int64, kind, comment string) error {
	if kind != FeedbackPositive && kind != FeedbackNegative {
		return fmt.Errorf("%w: feedback kind %q", harvest.ErrInvalidInput, kind)
	}

	res, err := t.db.ExecContext(ctx, `
		UPDATE interactions
		SET feedback_kind = ?, feedback_comment = ?, feedback_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, kind, comment, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: interaction %d", harvest.ErrNotFound, id)
	}

	if kind == FeedbackNegative {
		t.fanOutNegative(ctx, id, comment)
	}
	return nil
}

func (t *Tracker) fanOutNegative(ctx context.Context, id int64, comment string) {
	inter, err := t.Get(ctx, id)
	if err != nil {
		slog.Warn("tracker: loading interaction for fan-out failed", "interaction_id", id, "error", err)
		return
	}
	payload := map[string]interface{}{
		"interaction_id": inter.ID,
		"service_name":   inter.ServiceName,
		"user_id":        inter.UserID,
		"user_input":     inter.UserInput,
		"ai_output":      inter.AIOutput,
		"comment":        comment,
	}
	if err := t.notifier.Notify(ctx, notify.KindNegativeFeedback, payload); err != nil {
		slog.Warn("tracker: negative feedback fan-out failed", "interaction_id", id, "error", err)
	}
}

// Get loads one interaction.
func (t *Tracker) Get(ctx context.Context, id int64) (*Interaction, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, service_name, user_input, ai_output,
			context, response_time_seconds, feedback_kind, feedback_comment,
			COALESCE(feedback_at, ''), created_at
		FROM interactions WHERE id = ?
	`, id)
	inter, err := scanInteraction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: interaction %d", harvest.ErrNotFound, id)
	}
	return inter, err
}

// Summary aggregates interactions matching the filters.
func (t *Tracker) Summary(ctx context.Context, f Filters) (*Summary, error) {
	where, args := filterClause(f)

	var s Summary
	var mean sql.NullFloat64
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN feedback_kind = 'positive' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN feedback_kind = 'negative' THEN 1 ELSE 0 END), 0),
			AVG(response_time_seconds)
		FROM interactions`+where, args...).
		Scan(&s.Total, &s.PositiveFeedback, &s.NegativeFeedback, &mean)
	if err != nil {
		return nil, err
	}
	if mean.Valid {
		s.MeanResponseSecs = &mean.Float64
	}
	return &s, nil
}

// Search returns one page of interactions matching the filters, plus the
// total match count.
func (t *Tracker) Search(ctx context.Context, f Filters, page Page) ([]Interaction, int, error) {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage < 1 {
		page.PerPage = 50
	}
	order := "DESC"
	if strings.EqualFold(page.Sort, "asc") {
		order = "ASC"
	}

	where, args := filterClause(f)

	var total int
	if err := t.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM interactions"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, session_id, service_name, user_input, ai_output,
			context, response_time_seconds, feedback_kind, feedback_comment,
			COALESCE(feedback_at, ''), created_at
		FROM interactions` + where +
		" ORDER BY created_at " + order + ", id " + order +
		" LIMIT ? OFFSET ?"
	args = append(args, page.PerPage, (page.Number-1)*page.PerPage)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []Interaction
	for rows.Next() {
		inter, err := scanInteraction(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *inter)
	}
	return items, total, rows.Err()
}

// Services lists the registry.
func (t *Tracker) Services(ctx context.Context) ([]Service, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT service_name, display_name, description, COALESCE(expected_context, '[]'), registered_at
		FROM services ORDER BY service_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var s Service
		var expected string
		if err := rows.Scan(&s.ServiceName, &s.DisplayName, &s.Description, &expected, &s.RegisteredAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(expected), &s.ExpectedContext)
		services = append(services, s)
	}
	return services, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var inter Interaction
	var contextJSON sql.NullString
	var responseTime sql.NullFloat64
	if err := row.Scan(&inter.ID, &inter.UserID, &inter.SessionID, &inter.ServiceName,
		&inter.UserInput, &inter.AIOutput, &contextJSON, &responseTime,
		&inter.FeedbackKind, &inter.FeedbackComment, &inter.FeedbackAt,
		&inter.CreatedAt); err != nil {
		return nil, err
	}
	if contextJSON.Valid && contextJSON.String != "" && contextJSON.String != "null" {
		json.Unmarshal([]byte(contextJSON.String), &inter.Context)
	}
	if responseTime.Valid {
		inter.ResponseTimeSeconds = &responseTime.Float64
	}
	return &inter, nil
}

func filterClause(f Filters) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	if f.ServiceName != "" {
		conditions = append(conditions, "service_name = ?")
		args = append(args, f.ServiceName)
	}
	if f.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.FeedbackKind != "" {
		conditions = append(conditions, "feedback_kind = ?")
		args = append(args, f.FeedbackKind)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func contextKeys(context map[string]interface{}) []string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tracker) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
