package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dateLayout = "2006-01-02"

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS content (
    content_id TEXT NOT NULL,
    variant_tag TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    sections TEXT,
    topic_pattern TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'published',
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch()),
    PRIMARY KEY (content_id, variant_tag)
);

CREATE TABLE IF NOT EXISTS metrics (
    content_id TEXT NOT NULL,
    variant_tag TEXT NOT NULL,
    date TEXT NOT NULL,
    views INTEGER NOT NULL DEFAULT 0,
    sessions INTEGER NOT NULL DEFAULT 0,
    avg_time_on_page REAL NOT NULL DEFAULT 0,
    bounce_rate REAL NOT NULL DEFAULT 0,
    scroll_25 INTEGER NOT NULL DEFAULT 0,
    scroll_50 INTEGER NOT NULL DEFAULT 0,
    scroll_75 INTEGER NOT NULL DEFAULT 0,
    scroll_100 INTEGER NOT NULL DEFAULT 0,
    scroll_depth_avg REAL NOT NULL DEFAULT 0,
    engagement_score REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (content_id, variant_tag, date)
);

CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    content_id TEXT NOT NULL,
    name TEXT NOT NULL,
    hypothesis TEXT NOT NULL DEFAULT '',
    target_section TEXT NOT NULL DEFAULT '',
    control_variant TEXT NOT NULL,
    treatment_variant TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    winner_variant TEXT,
    lift REAL,
    p_value REAL,
    confidence_level REAL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    analyzed_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS topic_experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    prompt_version TEXT NOT NULL DEFAULT '',
    arms TEXT NOT NULL,
    primary_metric TEXT NOT NULL,
    duration_days INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    winner_arm TEXT,
    results TEXT,
    analysis_notes TEXT NOT NULL DEFAULT '',
    started_at INTEGER,
    ended_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_topic_experiments_status ON topic_experiments(status);

CREATE TABLE IF NOT EXISTS experiment_arms (
    experiment_id TEXT NOT NULL,
    content_id TEXT NOT NULL,
    variant_tag TEXT NOT NULL,
    arm TEXT NOT NULL,
    total_views INTEGER NOT NULL DEFAULT 0,
    avg_time REAL NOT NULL DEFAULT 0,
    avg_bounce REAL NOT NULL DEFAULT 0,
    avg_scroll REAL NOT NULL DEFAULT 0,
    avg_engagement REAL NOT NULL DEFAULT 0,
    metrics_updated_at INTEGER,
    seq INTEGER NOT NULL,
    PRIMARY KEY (experiment_id, content_id, variant_tag),
    FOREIGN KEY (experiment_id) REFERENCES topic_experiments(id)
);

CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    topic_pattern_type TEXT,
    description TEXT NOT NULL DEFAULT '',
    prompt_instruction TEXT NOT NULL DEFAULT '',
    test_count INTEGER NOT NULL DEFAULT 0,
    win_count INTEGER NOT NULL DEFAULT 0,
    win_rate REAL NOT NULL DEFAULT 0,
    avg_lift REAL NOT NULL DEFAULT 0,
    confidence_tier TEXT NOT NULL DEFAULT 'EXPERIMENTAL',
    source_experiments TEXT NOT NULL DEFAULT '[]',
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_name_category
    ON patterns(name, category) WHERE topic_pattern_type IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_topic_type
    ON patterns(topic_pattern_type) WHERE topic_pattern_type IS NOT NULL;

CREATE TABLE IF NOT EXISTS prompt_versions (
    id TEXT PRIMARY KEY,
    version TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    system_prompt TEXT NOT NULL,
    user_template TEXT NOT NULL,
    applied_patterns TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    activated_at INTEGER,
    deprecated_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_versions_single_active
    ON prompt_versions(status) WHERE status = 'active';
`

// Open opens (and migrates) the SQLite database at dbPath.
//
// The pool is capped at one connection: every write goes through a single
// writer and transactions begin IMMEDIATE, so read-modify-write sequences
// on patterns and prompt versions are serialized.
func Open(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// ---------------------------------------------------------------------------
// Content

func (s *SQLiteStore) UpsertContent(ctx context.Context, c *ContentVariant) error {
	if c.State == "" {
		c.State = ContentPublished
	}
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO content (content_id, variant_tag, title, description, sections, topic_pattern, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_id, variant_tag) DO UPDATE SET
		     title = excluded.title,
		     description = excluded.description,
		     sections = excluded.sections,
		     topic_pattern = excluded.topic_pattern,
		     state = excluded.state,
		     updated_at = excluded.updated_at`,
		c.ContentID, string(c.Tag), c.Title, c.Description, nullableString(c.Sections),
		c.TopicPattern, string(c.State), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert content: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetContent(ctx context.Context, contentID string, tag VariantTag) (*ContentVariant, error) {
	var c ContentVariant
	var sections sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT content_id, variant_tag, title, description, sections, topic_pattern, state, created_at, updated_at
		 FROM content WHERE content_id = ? AND variant_tag = ?`, contentID, string(tag),
	).Scan(&c.ContentID, &c.Tag, &c.Title, &c.Description, &sections, &c.TopicPattern, &c.State, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content: %w", err)
	}

	if sections.Valid && sections.String != "" {
		c.Sections = json.RawMessage(sections.String)
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// ---------------------------------------------------------------------------
// Metrics

func (s *SQLiteStore) UpsertMetric(ctx context.Context, m *MetricSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (
		     content_id, variant_tag, date, views, sessions, avg_time_on_page, bounce_rate,
		     scroll_25, scroll_50, scroll_75, scroll_100, scroll_depth_avg, engagement_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_id, variant_tag, date) DO UPDATE SET
		     views = excluded.views,
		     sessions = excluded.sessions,
		     avg_time_on_page = excluded.avg_time_on_page,
		     bounce_rate = excluded.bounce_rate,
		     scroll_25 = excluded.scroll_25,
		     scroll_50 = excluded.scroll_50,
		     scroll_75 = excluded.scroll_75,
		     scroll_100 = excluded.scroll_100,
		     scroll_depth_avg = excluded.scroll_depth_avg,
		     engagement_score = excluded.engagement_score`,
		m.ContentID, string(m.Tag), m.Date.Format(dateLayout), m.Views, m.Sessions,
		m.AvgTimeOnPage, m.BounceRate,
		m.Scroll.P25, m.Scroll.P50, m.Scroll.P75, m.Scroll.P100,
		m.ScrollDepthAvg, m.EngagementScore,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMetrics(ctx context.Context, contentID string, tag VariantTag) ([]*MetricSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, variant_tag, date, views, sessions, avg_time_on_page, bounce_rate,
		        scroll_25, scroll_50, scroll_75, scroll_100, scroll_depth_avg, engagement_score
		 FROM metrics WHERE content_id = ? AND variant_tag = ? ORDER BY date`,
		contentID, string(tag),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}
	defer rows.Close()

	var out []*MetricSnapshot
	for rows.Next() {
		var m MetricSnapshot
		var date string
		if err := rows.Scan(&m.ContentID, &m.Tag, &date, &m.Views, &m.Sessions, &m.AvgTimeOnPage, &m.BounceRate,
			&m.Scroll.P25, &m.Scroll.P50, &m.Scroll.P75, &m.Scroll.P100, &m.ScrollDepthAvg, &m.EngagementScore); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		if m.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("failed to parse metric date: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ArmWindow aggregates a variant's daily rows on or after since.
// It returns ErrNotFound when the variant has no rows in the window.
func (s *SQLiteStore) ArmWindow(ctx context.Context, contentID string, tag VariantTag, since time.Time) (*ArmWindow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT engagement_score, views FROM metrics
		 WHERE content_id = ? AND variant_tag = ? AND date >= ?
		 ORDER BY date`,
		contentID, string(tag), since.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query arm window: %w", err)
	}
	defer rows.Close()

	w := &ArmWindow{}
	var sum float64
	for rows.Next() {
		var score float64
		var views int
		if err := rows.Scan(&score, &views); err != nil {
			return nil, fmt.Errorf("failed to scan arm window: %w", err)
		}
		w.ScoreSamples = append(w.ScoreSamples, score)
		w.TotalViews += views
		sum += score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read arm window: %w", err)
	}
	if len(w.ScoreSamples) == 0 {
		return nil, ErrNotFound
	}
	w.AvgScore = sum / float64(len(w.ScoreSamples))
	return w, nil
}

// ---------------------------------------------------------------------------
// Two-arm experiments

const experimentColumns = `id, content_id, name, hypothesis, target_section, control_variant, treatment_variant,
	status, winner_variant, lift, p_value, confidence_level, started_at, ended_at, analyzed_at, created_at, updated_at`

func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Control == e.Treatment {
		return fmt.Errorf("control and treatment must differ (both %s)", e.Control)
	}
	now := time.Now()
	if e.StartedAt.IsZero() {
		e.StartedAt = now
	}
	e.Status = ExperimentRunning
	e.CreatedAt = time.Unix(now.Unix(), 0)
	e.UpdatedAt = e.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, content_id, name, hypothesis, target_section, control_variant, treatment_variant,
		     status, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContentID, e.Name, e.Hypothesis, e.TargetSection, string(e.Control), string(e.Treatment),
		string(e.Status), e.StartedAt.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return e, nil
}

// ListExperiments lists experiments in a status, oldest first. An empty
// status lists all of them; limit <= 0 means no limit.
func (s *SQLiteStore) ListExperiments(ctx context.Context, status ExperimentStatus, limit int) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryExperiments(ctx, query, args...)
}

// ListUnanalyzedExperiments returns completed experiments with a winner
// whose analysis has not been recorded yet.
func (s *SQLiteStore) ListUnanalyzedExperiments(ctx context.Context, limit int) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments
		WHERE status = 'completed' AND winner_variant IS NOT NULL AND analyzed_at IS NULL
		ORDER BY ended_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryExperiments(ctx, query, args...)
}

func (s *SQLiteStore) queryExperiments(ctx context.Context, query string, args ...any) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteExperiment records a significant result. Only running
// experiments can be completed.
func (s *SQLiteStore) CompleteExperiment(ctx context.Context, id string, winner VariantTag, lift, pValue, confidence float64) error {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments
		 SET status = 'completed', winner_variant = ?, lift = ?, p_value = ?, confidence_level = ?,
		     ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(winner), lift, pValue, confidence, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete experiment: %w", err)
	}
	return s.checkTransition(ctx, result, "experiments", id)
}

// RecordLift stores the observed lift of an unresolved experiment without
// changing its status.
func (s *SQLiteStore) RecordLift(ctx context.Context, id string, lift float64, pValue *float64) error {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET lift = ?, p_value = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		lift, nullableFloat(pValue), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record lift: %w", err)
	}
	return s.checkTransition(ctx, result, "experiments", id)
}

func (s *SQLiteStore) MarkExperimentAnalyzed(ctx context.Context, id string) error {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET analyzed_at = ?, updated_at = ? WHERE id = ? AND status = 'completed'`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark experiment analyzed: %w", err)
	}
	return s.checkTransition(ctx, result, "experiments", id)
}

// ---------------------------------------------------------------------------
// Topic experiments

const topicColumns = `id, name, description, prompt_version, arms, primary_metric, duration_days, status,
	winner_arm, results, analysis_notes, started_at, ended_at, created_at, updated_at`

func (s *SQLiteStore) CreateTopicExperiment(ctx context.Context, t *TopicExperiment) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if len(t.Arms) < 2 {
		return fmt.Errorf("need at least 2 arms, got %d", len(t.Arms))
	}
	if t.DurationDays <= 0 {
		return fmt.Errorf("duration must be positive, got %d days", t.DurationDays)
	}
	if t.Status == "" {
		t.Status = TopicDraft
	}
	if t.Status != TopicDraft && t.Status != TopicRunning {
		return fmt.Errorf("%w: cannot create topic experiment as %s", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	if t.Status == TopicRunning && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}

	armsJSON, err := json.Marshal(t.Arms)
	if err != nil {
		return fmt.Errorf("failed to marshal arms: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO topic_experiments (id, name, description, prompt_version, arms, primary_metric, duration_days,
		     status, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, t.PromptVersion, string(armsJSON), string(t.PrimaryMetric), t.DurationDays,
		string(t.Status), nullableTime(t.StartedAt), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert topic experiment: %w", err)
	}
	t.CreatedAt = time.Unix(now.Unix(), 0)
	t.UpdatedAt = t.CreatedAt
	return nil
}

func (s *SQLiteStore) GetTopicExperiment(ctx context.Context, id string) (*TopicExperiment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+topicColumns+` FROM topic_experiments WHERE id = ?`, id)
	t, err := scanTopic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic experiment: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTopicExperiments(ctx context.Context) ([]*TopicExperiment, error) {
	return s.queryTopics(ctx, `SELECT `+topicColumns+` FROM topic_experiments ORDER BY created_at DESC, id`)
}

// ListDueTopicExperiments returns running experiments whose duration has
// elapsed at now, oldest start first.
func (s *SQLiteStore) ListDueTopicExperiments(ctx context.Context, now time.Time, limit int) ([]*TopicExperiment, error) {
	query := `SELECT ` + topicColumns + ` FROM topic_experiments
		WHERE status = 'running' AND started_at IS NOT NULL
		  AND started_at + duration_days * 86400 <= ?
		ORDER BY started_at, id`
	args := []any{now.Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTopics(ctx, query, args...)
}

func (s *SQLiteStore) queryTopics(ctx context.Context, query string, args ...any) ([]*TopicExperiment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic experiments: %w", err)
	}
	defer rows.Close()

	var out []*TopicExperiment
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic experiment: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StartTopicExperiment(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE topic_experiments SET status = 'running', started_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'draft'`,
		at.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to start topic experiment: %w", err)
	}
	return s.checkTransition(ctx, result, "topic_experiments", id)
}

func (s *SQLiteStore) CancelTopicExperiment(ctx context.Context, id string) error {
	now := time.Now().Unix()
	result, err := s.db.ExecContext(ctx,
		`UPDATE topic_experiments SET status = 'cancelled', ended_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('draft', 'running')`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel topic experiment: %w", err)
	}
	return s.checkTransition(ctx, result, "topic_experiments", id)
}

func (s *SQLiteStore) CompleteTopicExperiment(ctx context.Context, id string, winnerArm *string, results []byte, notes string) error {
	now := time.Now().Unix()
	var winner sql.NullString
	if winnerArm != nil {
		winner = sql.NullString{String: *winnerArm, Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE topic_experiments
		 SET status = 'completed', winner_arm = ?, results = ?, analysis_notes = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		winner, nullableString(results), notes, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete topic experiment: %w", err)
	}
	return s.checkTransition(ctx, result, "topic_experiments", id)
}

// AddArmMember places a content variant in an arm. Re-adding the same
// variant is a no-op.
func (s *SQLiteStore) AddArmMember(ctx context.Context, experimentID, arm, contentID string, tag VariantTag) error {
	t, err := s.GetTopicExperiment(ctx, experimentID)
	if err != nil {
		return err
	}
	known := false
	for _, a := range t.Arms {
		if a == arm {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("arm %q is not part of topic experiment %s", arm, experimentID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiment_arms (experiment_id, content_id, variant_tag, arm, seq)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM experiment_arms WHERE experiment_id = ?))
		 ON CONFLICT (experiment_id, content_id, variant_tag) DO NOTHING`,
		experimentID, contentID, string(tag), arm, experimentID,
	)
	if err != nil {
		return fmt.Errorf("failed to add arm member: %w", err)
	}
	return nil
}

// ListArmMembers returns members in insertion order.
func (s *SQLiteStore) ListArmMembers(ctx context.Context, experimentID string) ([]*ArmMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ea.experiment_id, ea.arm, ea.content_id, ea.variant_tag, COALESCE(c.title, ''),
		        ea.total_views, ea.avg_time, ea.avg_bounce, ea.avg_scroll, ea.avg_engagement, ea.metrics_updated_at
		 FROM experiment_arms ea
		 LEFT JOIN content c ON c.content_id = ea.content_id AND c.variant_tag = ea.variant_tag
		 WHERE ea.experiment_id = ?
		 ORDER BY ea.seq`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list arm members: %w", err)
	}
	defer rows.Close()

	var out []*ArmMember
	for rows.Next() {
		var m ArmMember
		var updatedAt sql.NullInt64
		if err := rows.Scan(&m.ExperimentID, &m.Arm, &m.ContentID, &m.Tag, &m.Title,
			&m.Rollup.TotalViews, &m.Rollup.AvgTime, &m.Rollup.AvgBounce, &m.Rollup.AvgScroll, &m.Rollup.AvgEngagement,
			&updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan arm member: %w", err)
		}
		m.UpdatedAt = timePtr(updatedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RefreshArmRollups recomputes every member's rollup from daily metrics
// dated within [from, to].
func (s *SQLiteStore) RefreshArmRollups(ctx context.Context, experimentID string, from, to time.Time) (int, error) {
	const window = `FROM metrics m WHERE m.content_id = experiment_arms.content_id
		AND m.variant_tag = experiment_arms.variant_tag AND m.date BETWEEN ?1 AND ?2`
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiment_arms SET
		     total_views = COALESCE((SELECT SUM(m.views) `+window+`), 0),
		     avg_time = COALESCE((SELECT AVG(m.avg_time_on_page) `+window+`), 0),
		     avg_bounce = COALESCE((SELECT AVG(m.bounce_rate) `+window+`), 0),
		     avg_scroll = COALESCE((SELECT AVG(m.scroll_depth_avg) `+window+`), 0),
		     avg_engagement = COALESCE((SELECT AVG(m.engagement_score) `+window+`), 0),
		     metrics_updated_at = ?3
		 WHERE experiment_id = ?4`,
		from.Format(dateLayout), to.Format(dateLayout), time.Now().Unix(), experimentID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh arm rollups: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Patterns

const patternColumns = `id, name, category, topic_pattern_type, description, prompt_instruction, test_count, win_count,
	win_rate, avg_lift, confidence_tier, source_experiments, is_active, created_at, updated_at`

// UpdatePattern reads the pattern matching key, applies fn and writes the
// result back inside one transaction.
func (s *SQLiteStore) UpdatePattern(ctx context.Context, key PatternKey, fn PatternMutator) (*Pattern, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var row *sql.Row
	if key.TopicPatternType != "" {
		row = tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE topic_pattern_type = ?`, key.TopicPatternType)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns
			WHERE name = ? AND category = ? AND topic_pattern_type IS NULL`, key.Name, string(key.Category))
	}

	p, err := scanPattern(row)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		p = &Pattern{
			ID:               uuid.NewString(),
			Name:             key.Name,
			Category:         key.Category,
			TopicPatternType: key.TopicPatternType,
			Active:           true,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read pattern: %w", err)
	}

	if err := fn(p, exists); err != nil {
		return nil, err
	}

	sources, err := json.Marshal(nonNil(p.SourceExperiments))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source experiments: %w", err)
	}
	now := time.Now()
	var topicType sql.NullString
	if p.TopicPatternType != "" {
		topicType = sql.NullString{String: p.TopicPatternType, Valid: true}
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE patterns SET name = ?, description = ?, prompt_instruction = ?, test_count = ?, win_count = ?,
			     win_rate = ?, avg_lift = ?, confidence_tier = ?, source_experiments = ?, updated_at = ?
			 WHERE id = ?`,
			p.Name, p.Description, p.PromptInstruction, p.TestCount, p.WinCount,
			p.WinRate, p.AvgLift, string(p.Tier), string(sources), now.Unix(), p.ID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO patterns (id, name, category, topic_pattern_type, description, prompt_instruction,
			     test_count, win_count, win_rate, avg_lift, confidence_tier, source_experiments, is_active,
			     created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			p.ID, p.Name, string(p.Category), topicType, p.Description, p.PromptInstruction,
			p.TestCount, p.WinCount, p.WinRate, p.AvgLift, string(p.Tier), string(sources),
			now.Unix(), now.Unix(),
		)
		p.CreatedAt = time.Unix(now.Unix(), 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write pattern: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pattern update: %w", err)
	}
	p.UpdatedAt = time.Unix(now.Unix(), 0)
	return p, nil
}

func (s *SQLiteStore) GetPattern(ctx context.Context, id string) (*Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}
	return p, nil
}

// ListPatterns orders patterns by tier (HIGH first) then win rate.
func (s *SQLiteStore) ListPatterns(ctx context.Context, activeOnly bool) ([]*Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY CASE confidence_tier
		WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 WHEN 'LOW' THEN 3 ELSE 4 END,
		win_rate DESC, test_count DESC, name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var out []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeactivatePattern(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate pattern: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Prompt versions

const promptColumns = `id, version, name, description, system_prompt, user_template, applied_patterns, status,
	activated_at, deprecated_at, created_at`

// ActivePromptVersion returns the single active version, ErrNotFound when
// none exists, and an *InvariantViolation when more than one does.
func (s *SQLiteStore) ActivePromptVersion(ctx context.Context) (*PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions WHERE status = 'active' ORDER BY activated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active prompt: %w", err)
	}
	defer rows.Close()

	var active []*PromptVersion
	for rows.Next() {
		v, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt version: %w", err)
		}
		active = append(active, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prompt versions: %w", err)
	}

	switch len(active) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return active[0], nil
	}
	return nil, multipleActive(len(active))
}

// ReplaceActivePrompt deprecates the active version (whose id must equal
// previousID, empty meaning "none") and inserts next as the new active
// version in the same transaction.
func (s *SQLiteStore) ReplaceActivePrompt(ctx context.Context, previousID string, next *PromptVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM prompt_versions WHERE status = 'active'`)
	if err != nil {
		return fmt.Errorf("failed to query active prompt: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan prompt id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read active prompt: %w", err)
	}

	if len(ids) > 1 {
		return multipleActive(len(ids))
	}
	current := ""
	if len(ids) == 1 {
		current = ids[0]
	}
	if current != previousID {
		return ErrStaleActivePrompt
	}

	now := time.Now()
	if current != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_versions SET status = 'deprecated', deprecated_at = ? WHERE id = ?`,
			now.Unix(), current); err != nil {
			return fmt.Errorf("failed to deprecate prompt version: %w", err)
		}
	}

	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	applied, err := json.Marshal(nonNil(next.AppliedPatternIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal applied patterns: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO prompt_versions (id, version, name, description, system_prompt, user_template,
		     applied_patterns, status, activated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)`,
		next.ID, next.Version, next.Name, next.Description, next.SystemPrompt, next.UserTemplate,
		string(applied), now.Unix(), now.Unix(),
	); err != nil {
		return fmt.Errorf("failed to insert prompt version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prompt version: %w", err)
	}
	activated := time.Unix(now.Unix(), 0)
	next.Status = PromptActive
	next.ActivatedAt = &activated
	next.CreatedAt = activated
	return nil
}

func (s *SQLiteStore) ListPromptVersions(ctx context.Context) ([]*PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_versions ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt versions: %w", err)
	}
	defer rows.Close()

	var out []*PromptVersion
	for rows.Next() {
		v, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row scanner) (*Experiment, error) {
	var e Experiment
	var winner sql.NullString
	var lift, pValue, confidence sql.NullFloat64
	var startedAt, createdAt, updatedAt int64
	var endedAt, analyzedAt sql.NullInt64

	if err := row.Scan(&e.ID, &e.ContentID, &e.Name, &e.Hypothesis, &e.TargetSection, &e.Control, &e.Treatment,
		&e.Status, &winner, &lift, &pValue, &confidence, &startedAt, &endedAt, &analyzedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if winner.Valid {
		w := VariantTag(winner.String)
		e.Winner = &w
	}
	e.Lift = floatPtr(lift)
	e.PValue = floatPtr(pValue)
	e.ConfidenceLevel = floatPtr(confidence)
	e.StartedAt = time.Unix(startedAt, 0)
	e.EndedAt = timePtr(endedAt)
	e.AnalyzedAt = timePtr(analyzedAt)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

func scanTopic(row scanner) (*TopicExperiment, error) {
	var t TopicExperiment
	var armsJSON string
	var winner, results sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.PromptVersion, &armsJSON, &t.PrimaryMetric, &t.DurationDays,
		&t.Status, &winner, &results, &t.AnalysisNotes, &startedAt, &endedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(armsJSON), &t.Arms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arms: %w", err)
	}
	if winner.Valid {
		w := winner.String
		t.WinnerArm = &w
	}
	if results.Valid && results.String != "" {
		t.Results = json.RawMessage(results.String)
	}
	t.StartedAt = timePtr(startedAt)
	t.EndedAt = timePtr(endedAt)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func scanPattern(row scanner) (*Pattern, error) {
	var p Pattern
	var topicType sql.NullString
	var sources string
	var active int
	var createdAt, updatedAt int64

	if err := row.Scan(&p.ID, &p.Name, &p.Category, &topicType, &p.Description, &p.PromptInstruction,
		&p.TestCount, &p.WinCount, &p.WinRate, &p.AvgLift, &p.Tier, &sources, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.TopicPatternType = topicType.String
	if err := json.Unmarshal([]byte(sources), &p.SourceExperiments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source experiments: %w", err)
	}
	p.Active = active == 1
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func scanPrompt(row scanner) (*PromptVersion, error) {
	var v PromptVersion
	var applied string
	var activatedAt, deprecatedAt sql.NullInt64
	var createdAt int64

	if err := row.Scan(&v.ID, &v.Version, &v.Name, &v.Description, &v.SystemPrompt, &v.UserTemplate, &applied,
		&v.Status, &activatedAt, &deprecatedAt, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(applied), &v.AppliedPatternIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal applied patterns: %w", err)
	}
	v.ActivatedAt = timePtr(activatedAt)
	v.DeprecatedAt = timePtr(deprecatedAt)
	v.CreatedAt = time.Unix(createdAt, 0)
	return &v, nil
}

// checkTransition turns a zero-row conditional UPDATE into ErrNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, table, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM `+table+` WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, status)
}

func multipleActive(n int) error {
	return &InvariantViolation{
		Invariant: "single active prompt version",
		Detail:    fmt.Sprintf("%d prompt versions are active", n),
	}
}

func nullableString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
