package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuotaWindow is the length of an engine's quota period.
const QuotaWindow = 24 * time.Hour

// UpsertEngine inserts or updates an engine by name. Usage counters and the
// quota window of an existing row are preserved. Returns true when a new row
// was created.
func (s *Store) UpsertEngine(ctx context.Context, e *Engine) (bool, error) {
	now := s.Now()
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM engines WHERE name = ?`, e.Name).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.QuotaResetAt.IsZero() {
				e.QuotaResetAt = now.Add(QuotaWindow)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO engines (id, name, engine_type, domain, endpoint, version, quota_tokens_per_day,
					quota_used_today, quota_reset_at, latency_ms, cost_per_call, enabled)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.Name, e.EngineType, e.Domain, e.Endpoint, e.Version, e.QuotaTokensPerDay,
				e.QuotaUsedToday, fmtTS(e.QuotaResetAt), e.LatencyMs, e.CostPerCall, boolInt(e.Enabled))
			created = err == nil
			return err
		case err != nil:
			return err
		}
		e.ID = existingID
		_, err = tx.ExecContext(ctx, `
			UPDATE engines SET engine_type = ?, domain = ?, endpoint = ?, version = ?, quota_tokens_per_day = ?,
				quota_used_today = CASE WHEN ? >= 0 AND quota_used_today > ? THEN ? ELSE quota_used_today END,
				latency_ms = ?, cost_per_call = ?, enabled = ?
			WHERE id = ?`,
			e.EngineType, e.Domain, e.Endpoint, e.Version, e.QuotaTokensPerDay,
			e.QuotaTokensPerDay, e.QuotaTokensPerDay, e.QuotaTokensPerDay,
			e.LatencyMs, e.CostPerCall, boolInt(e.Enabled), e.ID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert engine %s: %w", e.Name, err)
	}
	return created, nil
}

const engineColumns = `id, name, engine_type, domain, endpoint, version, quota_tokens_per_day, quota_used_today,
	quota_reset_at, latency_ms, cost_per_call, enabled, last_used`

func scanEngine(row interface{ Scan(...any) error }) (*Engine, error) {
	var e Engine
	var reset string
	var last sql.NullString
	var enabled int
	if err := row.Scan(&e.ID, &e.Name, &e.EngineType, &e.Domain, &e.Endpoint, &e.Version, &e.QuotaTokensPerDay,
		&e.QuotaUsedToday, &reset, &e.LatencyMs, &e.CostPerCall, &enabled, &last); err != nil {
		return nil, err
	}
	e.QuotaResetAt = parseTS(reset)
	e.Enabled = enabled != 0
	e.LastUsed = parseTSPtr(last)
	return &e, nil
}

// GetEngine returns an engine by id.
func (s *Store) GetEngine(ctx context.Context, id string) (*Engine, error) {
	e, err := scanEngine(s.db.QueryRowContext(ctx, `SELECT `+engineColumns+` FROM engines WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("engine %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get engine: %w", err)
	}
	return e, nil
}

// GetEngineByName returns an engine by its unique name.
func (s *Store) GetEngineByName(ctx context.Context, name string) (*Engine, error) {
	e, err := scanEngine(s.db.QueryRowContext(ctx, `SELECT `+engineColumns+` FROM engines WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("engine %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get engine by name: %w", err)
	}
	return e, nil
}

// ListEngines returns engines, optionally filtered by domain and enabled flag.
func (s *Store) ListEngines(ctx context.Context, domain string, enabledOnly bool) ([]Engine, error) {
	query := `SELECT ` + engineColumns + ` FROM engines WHERE 1=1`
	var args []any
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list engines: %w", err)
	}
	defer rows.Close()
	var out []Engine
	for rows.Next() {
		e, err := scanEngine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engine: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// nextQuotaReset advances reset by whole windows until it is after now.
func nextQuotaReset(reset, now time.Time) time.Time {
	if reset.IsZero() {
		return now.Add(QuotaWindow)
	}
	for !reset.After(now) {
		reset = reset.Add(QuotaWindow)
	}
	return reset
}

// ResetQuotaIfDue zeroes quota_used_today when the engine's reset time has
// passed and moves quota_reset_at to the next window. The update is a
// compare-and-swap on the old reset time, so concurrent callers reset once.
func (s *Store) ResetQuotaIfDue(ctx context.Context, e *Engine) (bool, error) {
	now := s.Now()
	if now.Before(e.QuotaResetAt) {
		return false, nil
	}
	next := nextQuotaReset(e.QuotaResetAt, now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE engines SET quota_used_today = 0, quota_reset_at = ? WHERE id = ? AND quota_reset_at = ?`,
		fmtTS(next), e.ID, fmtTS(e.QuotaResetAt))
	if err != nil {
		return false, fmt.Errorf("reset quota: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		e.QuotaUsedToday = 0
		e.QuotaResetAt = next
	}
	return n == 1, nil
}

// UseQuota atomically charges tokens against an engine's daily quota.
//
// The charge succeeds only while the engine still has headroom
// (quota_used_today < quota_tokens_per_day, or the quota is unlimited). The
// stored counter is clamped to the cap, so two racing callers near the limit
// see exactly one success and quota_used_today never exceeds the cap.
func (s *Store) UseQuota(ctx context.Context, engineID string, tokens int) (bool, *Engine, error) {
	if tokens < 0 {
		return false, nil, fmt.Errorf("use quota: negative tokens %d", tokens)
	}
	e, err := s.GetEngine(ctx, engineID)
	if err != nil {
		return false, nil, err
	}
	if _, err := s.ResetQuotaIfDue(ctx, e); err != nil {
		return false, e, err
	}

	var n int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE engines SET
				quota_used_today = CASE WHEN quota_tokens_per_day < 0 THEN quota_used_today + ?
					ELSE MIN(quota_tokens_per_day, quota_used_today + ?) END,
				last_used = ?
			WHERE id = ? AND (quota_tokens_per_day < 0 OR quota_used_today < quota_tokens_per_day)`,
			tokens, tokens, fmtTS(s.Now()), engineID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, e, fmt.Errorf("use quota: %w", err)
	}
	fresh, err := s.GetEngine(ctx, engineID)
	if err != nil {
		return n == 1, e, err
	}
	return n == 1, fresh, nil
}

// SetEngineEnabled toggles an engine.
func (s *Store) SetEngineEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE engines SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set engine enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("engine %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertCLI inserts or refreshes a CLI registry entry by name. used_today is
// preserved on refresh. Returns true when a new row was created.
func (s *Store) UpsertCLI(ctx context.Context, c *CLIEntry) (bool, error) {
	if c.LastChecked.IsZero() {
		c.LastChecked = s.Now()
	}
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cli_registry WHERE name = ?`, c.Name).Scan(&exists); err != nil {
			return err
		}
		created = exists == 0
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cli_registry (name, bin_path, available, cli_type, token_config_key, rate_limit_daily, used_today, last_checked)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(name) DO UPDATE SET bin_path = excluded.bin_path, available = excluded.available,
				cli_type = excluded.cli_type, token_config_key = excluded.token_config_key,
				rate_limit_daily = excluded.rate_limit_daily, last_checked = excluded.last_checked`,
			c.Name, c.BinPath, boolInt(c.Available), c.CLIType, c.TokenConfigKey, c.RateLimitDaily, fmtTS(c.LastChecked))
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upsert cli %s: %w", c.Name, err)
	}
	return created, nil
}

// ListCLIs returns every registered CLI.
func (s *Store) ListCLIs(ctx context.Context) ([]CLIEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, bin_path, available, cli_type, token_config_key, rate_limit_daily, used_today, last_checked
		FROM cli_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list clis: %w", err)
	}
	defer rows.Close()
	var out []CLIEntry
	for rows.Next() {
		var c CLIEntry
		var avail int
		var checked string
		if err := rows.Scan(&c.Name, &c.BinPath, &avail, &c.CLIType, &c.TokenConfigKey, &c.RateLimitDaily,
			&c.UsedToday, &checked); err != nil {
			return nil, err
		}
		c.Available = avail != 0
		c.LastChecked = parseTS(checked)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountRegistry returns the number of engine and CLI rows.
func (s *Store) CountRegistry(ctx context.Context) (engines, clis int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM engines`).Scan(&engines); err != nil {
		return 0, 0, fmt.Errorf("count engines: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cli_registry`).Scan(&clis); err != nil {
		return 0, 0, fmt.Errorf("count clis: %w", err)
	}
	return engines, clis, nil
}

// AppendRoutingEvent appends a routing audit row.
func (s *Store) AppendRoutingEvent(ctx context.Context, ev *RoutingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_events (trace_id, route_type, provider_id, score, reasoning_short, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TraceID, ev.RouteType, ev.ProviderID, ev.Score, ev.ReasoningShort, fmtTS(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append routing event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListRoutingEvents returns routing events, newest first, optionally for one trace.
func (s *Store) ListRoutingEvents(ctx context.Context, traceID string, limit int) ([]RoutingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, trace_id, route_type, provider_id, score, reasoning_short, timestamp FROM routing_events`
	var args []any
	if traceID != "" {
		query += ` WHERE trace_id = ?`
		args = append(args, traceID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routing events: %w", err)
	}
	defer rows.Close()
	var out []RoutingEvent
	for rows.Next() {
		var ev RoutingEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.RouteType, &ev.ProviderID, &ev.Score, &ev.ReasoningShort, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp = parseTS(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AppendUsageStat appends a model usage row.
func (s *Store) AppendUsageStat(ctx context.Context, u *ModelUsageStat) error {
	if u.Timestamp.IsZero() {
		u.Timestamp = s.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO model_usage_stats (engine_id, engine_name, domain, tokens_used, latency_ms, success, trace_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.EngineID, u.EngineName, u.Domain, u.TokensUsed, u.LatencyMs, boolInt(u.Success), u.TraceID, fmtTS(u.Timestamp))
	if err != nil {
		return fmt.Errorf("append usage stat: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// ListUsageStats returns usage rows for an engine (all when empty), newest first.
func (s *Store) ListUsageStats(ctx context.Context, engineID string, limit int) ([]ModelUsageStat, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, engine_id, engine_name, domain, tokens_used, latency_ms, success, trace_id, timestamp FROM model_usage_stats`
	var args []any
	if engineID != "" {
		query += ` WHERE engine_id = ?`
		args = append(args, engineID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list usage stats: %w", err)
	}
	defer rows.Close()
	var out []ModelUsageStat
	for rows.Next() {
		var u ModelUsageStat
		var success int
		var ts string
		if err := rows.Scan(&u.ID, &u.EngineID, &u.EngineName, &u.Domain, &u.TokensUsed, &u.LatencyMs, &success, &u.TraceID, &ts); err != nil {
			return nil, err
		}
		u.Success = success != 0
		u.Timestamp = parseTS(ts)
		out = append(out, u)
	}
	return out, rows.Err()
}
