package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/Username960528/MSE-telegram-bot-sub000/internal/domain"
)

// SQLiteRepo implements Repo using an embedded SQLite database.
type SQLiteRepo struct{ db *sql.DB }

// OpenSQLite opens (or creates) the SQLite database at the given path,
// applies recommended PRAGMAs, runs SQL migrations, and returns a repository.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Reasonable pooling for SQLite; it's a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &SQLiteRepo{db: db}, nil
}

// applyPragmas configures the SQLite connection for durability and concurrency.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database resources.
func (r *SQLiteRepo) Close() error {
	return r.db.Close()
}

const userColumns = `chat_id, created_at, enabled, tz, active_from_m, active_to_m,
	daily_count, response_timeout_sec, next_due_at, last_sent_at,
	is_escalating, escalation_level, missed_count,
	escalation_started_at, last_escalation_sent_at, next_escalation_at, last_response_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.UserSchedule, error) {
	var (
		u          domain.UserSchedule
		createdAt  int64
		enabled    int
		escalating int
		timeoutNS  sql.NullInt64
		nextNS     sql.NullInt64
		lastNS     sql.NullInt64
		escStartNS sql.NullInt64
		escSentNS  sql.NullInt64
		escNextNS  sql.NullInt64
		respNS     sql.NullInt64
	)
	if err := row.Scan(
		&u.ChatID, &createdAt, &enabled, &u.TZ, &u.ActiveFromM, &u.ActiveToM,
		&u.DailyCount, &timeoutNS, &nextNS, &lastNS,
		&escalating, &u.Escalation.Level, &u.Escalation.MissedCount,
		&escStartNS, &escSentNS, &escNextNS, &respNS,
	); err != nil {
		return nil, err
	}
	u.Enabled = enabled != 0
	u.ResponseTimeoutSec = fromNullSec(timeoutNS)
	u.NextDueAt = fromNullInt64(nextNS)
	u.LastSentAt = fromNullInt64(lastNS)
	u.Escalation.IsEscalating = escalating != 0
	u.Escalation.StartedAt = fromNullInt64(escStartNS)
	u.Escalation.LastSentAt = fromNullInt64(escSentNS)
	u.Escalation.NextEscalationAt = fromNullInt64(escNextNS)
	u.Escalation.LastResponseAt = fromNullInt64(respNS)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// UpsertUser inserts or updates a user's settings and schedule. Escalation
// state is written as-is; callers replanning after a settings change are
// expected to reset it first.
func (r *SQLiteRepo) UpsertUser(ctx context.Context, u *domain.UserSchedule) error {
	if u == nil {
		return errors.New("nil user")
	}

	now := time.Now().UTC().Unix()
	created := u.CreatedAt.UTC().Unix()
	if u.CreatedAt.IsZero() {
		created = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (
			chat_id, created_at, enabled, tz, active_from_m, active_to_m,
			daily_count, response_timeout_sec, next_due_at, last_sent_at,
			is_escalating, escalation_level, missed_count,
			escalation_started_at, last_escalation_sent_at, next_escalation_at, last_response_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			enabled              = excluded.enabled,
			tz                   = excluded.tz,
			active_from_m        = excluded.active_from_m,
			active_to_m          = excluded.active_to_m,
			daily_count          = excluded.daily_count,
			response_timeout_sec = excluded.response_timeout_sec,
			next_due_at          = excluded.next_due_at,
			last_sent_at         = excluded.last_sent_at,
			is_escalating        = excluded.is_escalating,
			escalation_level     = excluded.escalation_level,
			missed_count         = excluded.missed_count,
			escalation_started_at   = excluded.escalation_started_at,
			last_escalation_sent_at = excluded.last_escalation_sent_at,
			next_escalation_at      = excluded.next_escalation_at,
			last_response_at        = excluded.last_response_at`,
		u.ChatID, created, boolToInt(u.Enabled), u.TZ, u.ActiveFromM, u.ActiveToM,
		u.DailyCount, toNullSec(u.ResponseTimeoutSec),
		toNullInt64(u.NextDueAt), toNullInt64(u.LastSentAt),
		boolToInt(u.Escalation.IsEscalating), u.Escalation.Level, u.Escalation.MissedCount,
		toNullInt64(u.Escalation.StartedAt), toNullInt64(u.Escalation.LastSentAt),
		toNullInt64(u.Escalation.NextEscalationAt), toNullInt64(u.Escalation.LastResponseAt),
	)
	return err
}

// GetUser returns a user's settings by chatID or ErrNotFound.
func (r *SQLiteRepo) GetUser(ctx context.Context, chatID int64) (*domain.UserSchedule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE chat_id = ?`, chatID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// SetEnabled toggles the enabled flag for a user.
func (r *SQLiteRepo) SetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET enabled = ? WHERE chat_id = ?`,
		boolToInt(enabled), chatID)
	return err
}

// SetNextDue updates next_due_at and (optionally) last_sent_at for a user.
func (r *SQLiteRepo) SetNextDue(ctx context.Context, chatID int64, next time.Time, last *time.Time) error {
	if last != nil {
		_, err := r.db.ExecContext(ctx, `
			UPDATE users SET next_due_at = ?, last_sent_at = ? WHERE chat_id = ?`,
			next.UTC().Unix(), toNullInt64(last), chatID)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET next_due_at = ? WHERE chat_id = ?`,
		next.UTC().Unix(), chatID)
	return err
}

// ListDue returns up to limit enabled users whose next_due_at has elapsed,
// earliest first.
func (r *SQLiteRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.UserSchedule, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE enabled = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?
		ORDER BY next_due_at ASC LIMIT ?`,
		now.UTC().Unix(), limit)
}

// ListUnplanned returns enabled users with no next_due_at. These are either
// freshly enabled or were left unplanned by a crash mid-dispatch; the
// dispatch loop replans them.
func (r *SQLiteRepo) ListUnplanned(ctx context.Context, limit int) ([]domain.UserSchedule, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE enabled = 1 AND next_due_at IS NULL
		LIMIT ?`, limit)
}

func (r *SQLiteRepo) listUsers(ctx context.Context, query string, args ...any) ([]domain.UserSchedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.UserSchedule
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, rows.Err()
}

// ClaimDue clears next_due_at only if it still holds the expected instant.
// RowsAffected == 1 means this caller won the claim and may send.
func (r *SQLiteRepo) ClaimDue(ctx context.Context, chatID int64, due time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET next_due_at = NULL
		WHERE chat_id = ? AND next_due_at = ? AND enabled = 1`,
		chatID, due.UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// BeginEscalation transitions an idle, enabled user to level 1 and counts the
// missed prompt. The is_escalating = 0 condition makes concurrent sweeps
// race-safe: only one of them enters the state machine. The last_response_at
// condition rejects entry when a response landed after the triggering prompt
// went out, so a user who answered mid-sweep is never escalated.
func (r *SQLiteRepo) BeginEscalation(ctx context.Context, chatID int64, promptSentAt, startedAt, nextAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			is_escalating = 1,
			escalation_level = 1,
			missed_count = missed_count + 1,
			escalation_started_at = ?,
			next_escalation_at = ?
		WHERE chat_id = ? AND enabled = 1 AND is_escalating = 0
		  AND (last_response_at IS NULL OR last_response_at < ?)`,
		startedAt.UTC().Unix(), nextAt.UTC().Unix(), chatID, promptSentAt.UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListEscalationDue returns escalating users whose next resend has elapsed.
func (r *SQLiteRepo) ListEscalationDue(ctx context.Context, now time.Time, limit int) ([]domain.UserSchedule, error) {
	return r.listUsers(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE enabled = 1 AND is_escalating = 1
		  AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?
		ORDER BY next_escalation_at ASC LIMIT ?`,
		now.UTC().Unix(), limit)
}

// ClaimEscalation clears next_escalation_at if it still holds the expected
// instant; same discipline as ClaimDue.
func (r *SQLiteRepo) ClaimEscalation(ctx context.Context, chatID int64, due time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET next_escalation_at = NULL
		WHERE chat_id = ? AND next_escalation_at = ? AND enabled = 1 AND is_escalating = 1`,
		chatID, due.UTC().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AdvanceEscalation records a sent resend: bumps the level, counts the miss
// and schedules the next resend.
func (r *SQLiteRepo) AdvanceEscalation(ctx context.Context, chatID int64, level int, sentAt, nextAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			escalation_level = ?,
			missed_count = missed_count + 1,
			last_escalation_sent_at = ?,
			next_escalation_at = ?
		WHERE chat_id = ? AND is_escalating = 1`,
		level, sentAt.UTC().Unix(), nextAt.UTC().Unix(), chatID)
	return err
}

// StopEscalation ends the sequence without a response. missed_count survives
// for downstream analytics.
func (r *SQLiteRepo) StopEscalation(ctx context.Context, chatID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			is_escalating = 0,
			escalation_level = 0,
			escalation_started_at = NULL,
			next_escalation_at = NULL
		WHERE chat_id = ?`, chatID)
	return err
}

// SilenceEscalation ends the sequence because the user responded; a genuine
// completion also resets missed_count.
func (r *SQLiteRepo) SilenceEscalation(ctx context.Context, chatID int64, respondedAt time.Time, resetMissed bool) error {
	query := `
		UPDATE users SET
			is_escalating = 0,
			escalation_level = 0,
			escalation_started_at = NULL,
			next_escalation_at = NULL,
			last_response_at = ?`
	if resetMissed {
		query += `, missed_count = 0`
	}
	query += ` WHERE chat_id = ?`
	_, err := r.db.ExecContext(ctx, query, respondedAt.UTC().Unix(), chatID)
	return err
}

// NormalizeEscalation repairs rows where the flag and the level disagree, and
// reschedules escalating rows whose next resend instant is missing. The
// latter is what a crash between ClaimEscalation and AdvanceEscalation leaves
// behind; without the repair the user would stay escalating forever with
// nothing due.
func (r *SQLiteRepo) NormalizeEscalation(ctx context.Context, resume time.Time) (int64, error) {
	reset, err := r.db.ExecContext(ctx, `
		UPDATE users SET
			is_escalating = 0,
			escalation_level = 0,
			escalation_started_at = NULL,
			next_escalation_at = NULL
		WHERE (is_escalating = 1 AND escalation_level = 0)
		   OR (is_escalating = 0 AND escalation_level > 0)`)
	if err != nil {
		return 0, err
	}
	n, err := reset.RowsAffected()
	if err != nil {
		return 0, err
	}

	resched, err := r.db.ExecContext(ctx, `
		UPDATE users SET next_escalation_at = ?
		WHERE is_escalating = 1 AND next_escalation_at IS NULL`,
		resume.UTC().Unix())
	if err != nil {
		return n, err
	}
	m, err := resched.RowsAffected()
	return n + m, err
}

// CreatePrompt inserts a new prompt record.
func (r *SQLiteRepo) CreatePrompt(ctx context.Context, p *domain.Prompt) error {
	if p == nil {
		return errors.New("nil prompt")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prompts (
			id, chat_id, sent_at, started_at, completed_at,
			missed_reason, is_escalation, escalation_level, message_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ChatID, p.SentAt.UTC().Unix(),
		toNullInt64(p.StartedAt), toNullInt64(p.CompletedAt),
		toNullString(p.MissedReason), boolToInt(p.IsEscalation), p.EscalationLevel,
		sql.NullInt64{Int64: int64(p.MessageID), Valid: p.MessageID != 0},
	)
	return err
}

const promptColumns = `id, chat_id, sent_at, started_at, completed_at,
	missed_reason, is_escalation, escalation_level, message_id`

func scanPrompt(row rowScanner) (*domain.Prompt, error) {
	var (
		p          domain.Prompt
		sentAt     int64
		startedNS  sql.NullInt64
		doneNS     sql.NullInt64
		reasonNS   sql.NullString
		escalating int
		msgNS      sql.NullInt64
	)
	if err := row.Scan(
		&p.ID, &p.ChatID, &sentAt, &startedNS, &doneNS,
		&reasonNS, &escalating, &p.EscalationLevel, &msgNS,
	); err != nil {
		return nil, err
	}
	p.SentAt = time.Unix(sentAt, 0).UTC()
	p.StartedAt = fromNullInt64(startedNS)
	p.CompletedAt = fromNullInt64(doneNS)
	p.MissedReason = fromNullString(reasonNS)
	p.IsEscalation = escalating != 0
	if msgNS.Valid {
		p.MessageID = int(msgNS.Int64)
	}
	return &p, nil
}

// GetPrompt returns a prompt by id or ErrNotFound.
func (r *SQLiteRepo) GetPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// SetPromptMessageID records the Telegram message id after a successful send.
func (r *SQLiteRepo) SetPromptMessageID(ctx context.Context, id string, messageID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE prompts SET message_id = ? WHERE id = ?`, messageID, id)
	return err
}

// LatestOpenPrompt returns the most recent uncompleted, unskipped prompt for
// a chat, or ErrNotFound. A prompt marked missed by timeout is still open: a
// late answer counts.
func (r *SQLiteRepo) LatestOpenPrompt(ctx context.Context, chatID int64) (*domain.Prompt, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+promptColumns+` FROM prompts
		WHERE chat_id = ? AND completed_at IS NULL
		  AND (missed_reason IS NULL OR missed_reason = ?)
		ORDER BY sent_at DESC LIMIT 1`,
		chatID, domain.MissedTimeout)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListTimedOut returns unanswered prompts whose response timeout has elapsed.
// The per-user override wins over the process default.
func (r *SQLiteRepo) ListTimedOut(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]domain.Prompt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.chat_id, p.sent_at, p.started_at, p.completed_at,
		       p.missed_reason, p.is_escalation, p.escalation_level, p.message_id
		FROM prompts p
		JOIN users u ON u.chat_id = p.chat_id
		WHERE p.started_at IS NULL AND p.completed_at IS NULL AND p.missed_reason IS NULL
		  AND p.sent_at + COALESCE(u.response_timeout_sec, ?) <= ?
		ORDER BY p.sent_at ASC LIMIT ?`,
		int64(defaultTimeout.Seconds()), now.UTC().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}
	return res, rows.Err()
}

// MarkPromptMissed sets missed_reason on a still-unresolved prompt; the
// condition doubles as the sweep's claim on the record.
func (r *SQLiteRepo) MarkPromptMissed(ctx context.Context, id, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET missed_reason = ?
		WHERE id = ? AND started_at IS NULL AND completed_at IS NULL AND missed_reason IS NULL`,
		reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPromptStarted records the user opening the survey; idempotent. A
// timeout-missed prompt may still be started (answered late).
func (r *SQLiteRepo) MarkPromptStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET started_at = ?
		WHERE id = ? AND started_at IS NULL AND completed_at IS NULL
		  AND (missed_reason IS NULL OR missed_reason = ?)`,
		at.UTC().Unix(), id, domain.MissedTimeout)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPromptCompleted records a finished survey; idempotent. started_at is
// backfilled when completion arrives without an explicit start.
func (r *SQLiteRepo) MarkPromptCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	unix := at.UTC().Unix()
	res, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET completed_at = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND completed_at IS NULL
		  AND (missed_reason IS NULL OR missed_reason = ?)`,
		unix, unix, id, domain.MissedTimeout)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkPromptSkipped records an explicit skip; idempotent.
func (r *SQLiteRepo) MarkPromptSkipped(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE prompts SET missed_reason = ?
		WHERE id = ? AND started_at IS NULL AND completed_at IS NULL AND missed_reason IS NULL`,
		domain.MissedSkipped, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Stats returns the monitoring snapshot. "Today" is the UTC day of now.
func (r *SQLiteRepo) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var s Stats
	nowUnix := now.UTC().Unix()
	midnight := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), 0, 0, 0, 0, time.UTC).Unix()

	row := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users WHERE enabled = 1),
			(SELECT COUNT(*) FROM users WHERE enabled = 1 AND next_due_at IS NOT NULL AND next_due_at <= ?),
			(SELECT COUNT(*) FROM users WHERE is_escalating = 1),
			(SELECT COUNT(*) FROM prompts WHERE sent_at >= ?)`,
		nowUnix, midnight)
	if err := row.Scan(&s.EnabledUsers, &s.UsersDue, &s.UsersEscalating, &s.PromptsSentUTC); err != nil {
		return Stats{}, err
	}
	return s, nil
}
