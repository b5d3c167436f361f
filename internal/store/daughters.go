package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActiveDaughterStatuses are the statuses that count against capacity.
var ActiveDaughterStatuses = []string{DaughterSpawned, DaughterRunning}

// TerminalTaskStatuses never transition again.
var TerminalTaskStatuses = []string{TaskFinished, TaskFailed, TaskExpired, TaskCancelled}

func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringsToArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// CreateTask inserts a DaughterTask. ID is generated if empty.
func (s *Store) CreateTask(ctx context.Context, t *DaughterTask) error {
	now := s.Now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Source == "" {
		t.Source = "madre"
	}
	if t.Priority < 0 {
		t.Priority = 0
	}
	if t.Priority > 9 {
		t.Priority = 9
	}
	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}
	if t.TTLSeconds <= 0 {
		t.TTLSeconds = 120
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daughter_tasks (id, intent_id, plan_id, source, priority, status, task_type, description,
			metadata, plan, current_retry, max_retries, ttl_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.IntentID, t.PlanID, t.Source, t.Priority, t.Status, t.TaskType, t.Description,
		encodeJSON(t.Metadata), encodeJSON(t.Plan), t.CurrentRetry, t.MaxRetries, t.TTLSeconds,
		fmtTS(t.CreatedAt), fmtTS(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create daughter task: %w", err)
	}
	return nil
}

const taskColumns = `id, intent_id, plan_id, source, priority, status, task_type, description, metadata, plan,
	current_retry, max_retries, ttl_seconds, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*DaughterTask, error) {
	var t DaughterTask
	var meta, plan, created, updated string
	if err := row.Scan(&t.ID, &t.IntentID, &t.PlanID, &t.Source, &t.Priority, &t.Status, &t.TaskType,
		&t.Description, &meta, &plan, &t.CurrentRetry, &t.MaxRetries, &t.TTLSeconds, &created, &updated); err != nil {
		return nil, err
	}
	decodeJSON(meta, &t.Metadata)
	decodeJSON(plan, &t.Plan)
	t.CreatedAt = parseTS(created)
	t.UpdatedAt = parseTS(updated)
	return &t, nil
}

// GetTask returns a DaughterTask by id.
func (s *Store) GetTask(ctx context.Context, id string) (*DaughterTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM daughter_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("daughter task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daughter task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks in any of the given statuses (all when empty), newest first.
func (s *Store) ListTasks(ctx context.Context, statuses []string, limit int) ([]DaughterTask, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM daughter_tasks`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + inClause(len(statuses)) + `)`
		args = append(args, stringsToArgs(statuses)...)
	}
	query += ` ORDER BY priority DESC, created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list daughter tasks: %w", err)
	}
	defer rows.Close()
	var out []DaughterTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daughter task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetTaskStatus moves a task to status "to" unless it is already terminal.
// Returns false when the task was terminal or missing.
func (s *Store) SetTaskStatus(ctx context.Context, id, to string) (bool, error) {
	args := []any{to, fmtTS(s.Now()), id}
	args = append(args, stringsToArgs(TerminalTaskStatuses)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE daughter_tasks SET status = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status NOT IN (`+inClause(len(TerminalTaskStatuses))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("set task status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// BumpTaskRetry increments current_retry when retries remain and the task is
// still live. Returns the new retry counter and whether the bump happened.
func (s *Store) BumpTaskRetry(ctx context.Context, id string) (int, bool, error) {
	var retry int
	var bumped bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{fmtTS(s.Now()), id}
		args = append(args, stringsToArgs(TerminalTaskStatuses)...)
		res, err := tx.ExecContext(ctx, `
			UPDATE daughter_tasks SET current_retry = current_retry + 1, status = 'running', updated_at = MAX(updated_at, ?)
			WHERE id = ? AND current_retry < max_retries AND status NOT IN (`+inClause(len(TerminalTaskStatuses))+`)`, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		bumped = n == 1
		return tx.QueryRowContext(ctx, `SELECT current_retry FROM daughter_tasks WHERE id = ?`, id).Scan(&retry)
	})
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("daughter task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, false, fmt.Errorf("bump task retry: %w", err)
	}
	return retry, bumped, nil
}

// CreateDaughterWithAttempt inserts a daughter in status spawned together
// with its first attempt in status running.
func (s *Store) CreateDaughterWithAttempt(ctx context.Context, d *Daughter) (*DaughterAttempt, error) {
	now := s.Now()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Status = DaughterSpawned
	if d.TTLSeconds <= 0 {
		d.TTLSeconds = 120
	}
	d.LastHeartbeatAt = now
	d.CreatedAt = now
	d.UpdatedAt = now
	att := &DaughterAttempt{
		ID:            uuid.NewString(),
		DaughterID:    d.ID,
		AttemptNumber: 1,
		StartedAt:     now,
		Status:        AttemptRunning,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daughters (id, task_id, name, purpose, tools, ttl_seconds, status, mutation_level,
				last_heartbeat_at, cmd, args, cwd, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.TaskID, d.Name, d.Purpose, encodeJSON(d.Tools), d.TTLSeconds, d.Status, d.MutationLevel,
			fmtTS(d.LastHeartbeatAt), d.Cmd, encodeJSON(d.Args), d.Cwd, fmtTS(d.CreatedAt), fmtTS(d.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create daughter: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daughter_attempts (id, daughter_id, attempt_number, started_at, status)
			VALUES (?, ?, ?, ?, ?)`,
			att.ID, att.DaughterID, att.AttemptNumber, fmtTS(att.StartedAt), att.Status)
		if err != nil {
			return fmt.Errorf("create attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

const daughterColumns = `id, task_id, name, purpose, tools, ttl_seconds, status, mutation_level, last_heartbeat_at,
	error_last, killed_by, death_context, cmd, args, cwd, stdout, stderr, exit_code, created_at, updated_at, finished_at`

func scanDaughter(row interface{ Scan(...any) error }) (*Daughter, error) {
	var d Daughter
	var tools, args, hb, created, updated string
	var finished sql.NullString
	if err := row.Scan(&d.ID, &d.TaskID, &d.Name, &d.Purpose, &tools, &d.TTLSeconds, &d.Status, &d.MutationLevel,
		&hb, &d.ErrorLast, &d.KilledBy, &d.DeathContext, &d.Cmd, &args, &d.Cwd, &d.Stdout, &d.Stderr, &d.ExitCode,
		&created, &updated, &finished); err != nil {
		return nil, err
	}
	decodeJSON(tools, &d.Tools)
	decodeJSON(args, &d.Args)
	d.LastHeartbeatAt = parseTS(hb)
	d.CreatedAt = parseTS(created)
	d.UpdatedAt = parseTS(updated)
	d.FinishedAt = parseTSPtr(finished)
	return &d, nil
}

// GetDaughter returns a daughter by id.
func (s *Store) GetDaughter(ctx context.Context, id string) (*Daughter, error) {
	d, err := scanDaughter(s.db.QueryRowContext(ctx, `SELECT `+daughterColumns+` FROM daughters WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("daughter %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get daughter: %w", err)
	}
	return d, nil
}

// DaughterFilter narrows ListDaughters.
type DaughterFilter struct {
	TaskID   string
	Statuses []string
	Limit    int
}

// ListDaughters returns daughters matching the filter, oldest first.
func (s *Store) ListDaughters(ctx context.Context, f DaughterFilter) ([]Daughter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	var where []string
	var args []any
	if f.TaskID != "" {
		where = append(where, `task_id = ?`)
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `status IN (`+inClause(len(f.Statuses))+`)`)
		args = append(args, stringsToArgs(f.Statuses)...)
	}
	query := `SELECT ` + daughterColumns + ` FROM daughters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list daughters: %w", err)
	}
	defer rows.Close()
	var out []Daughter
	for rows.Next() {
		d, err := scanDaughter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daughter: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CountActiveDaughters counts daughters in spawned or running state.
func (s *Store) CountActiveDaughters(ctx context.Context) (int, error) {
	var n int
	args := stringsToArgs(ActiveDaughterStatuses)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daughters WHERE status IN (`+inClause(len(args))+`)`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active daughters: %w", err)
	}
	return n, nil
}

// DaughterUpdate carries the optional fields of a daughter transition.
type DaughterUpdate struct {
	ErrorLast    *string
	KilledBy     string
	DeathContext string
	Stdout       *string
	Stderr       *string
	ExitCode     *int
}

func isTerminalDaughter(status string) bool {
	return status == DaughterFinished || status == DaughterFailed || status == DaughterKilled
}

// TransitionDaughter moves a daughter from one of the given statuses to "to".
// Returns false when the daughter was not in any expected status.
func (s *Store) TransitionDaughter(ctx context.Context, id string, from []string, to string, u DaughterUpdate) (bool, error) {
	now := fmtTS(s.Now())
	sets := []string{`status = ?`, `updated_at = MAX(updated_at, ?)`}
	args := []any{to, now}
	if isTerminalDaughter(to) {
		sets = append(sets, `finished_at = COALESCE(finished_at, ?)`)
		args = append(args, now)
	}
	if u.ErrorLast != nil {
		sets = append(sets, `error_last = ?`)
		args = append(args, *u.ErrorLast)
	}
	if u.KilledBy != "" {
		sets = append(sets, `killed_by = ?`)
		args = append(args, u.KilledBy)
	}
	if u.DeathContext != "" {
		sets = append(sets, `death_context = ?`)
		args = append(args, u.DeathContext)
	}
	if u.Stdout != nil {
		sets = append(sets, `stdout = ?`)
		args = append(args, *u.Stdout)
	}
	if u.Stderr != nil {
		sets = append(sets, `stderr = ?`)
		args = append(args, *u.Stderr)
	}
	if u.ExitCode != nil {
		sets = append(sets, `exit_code = ?`)
		args = append(args, *u.ExitCode)
	}
	args = append(args, id)
	args = append(args, stringsToArgs(from)...)

	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE daughters SET `+strings.Join(sets, ", ")+
			` WHERE id = ? AND status IN (`+inClause(len(from))+`)`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("transition daughter: %w", err)
	}
	return n == 1, nil
}

// Heartbeat stamps last_heartbeat_at on a live daughter. Killed or finished
// daughters are ignored and false is returned.
func (s *Store) Heartbeat(ctx context.Context, id string) (bool, error) {
	args := []any{fmtTS(s.Now()), id}
	args = append(args, stringsToArgs(ActiveDaughterStatuses)...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE daughters SET last_heartbeat_at = MAX(last_heartbeat_at, ?)
		WHERE id = ? AND status IN (`+inClause(len(ActiveDaughterStatuses))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// StaleDaughters returns live daughters whose last heartbeat is older than
// their own ttl_seconds at time now.
func (s *Store) StaleDaughters(ctx context.Context, now time.Time) ([]Daughter, error) {
	live, err := s.ListDaughters(ctx, DaughterFilter{Statuses: ActiveDaughterStatuses})
	if err != nil {
		return nil, err
	}
	var out []Daughter
	for _, d := range live {
		if now.Sub(d.LastHeartbeatAt) > time.Duration(d.TTLSeconds)*time.Second {
			out = append(out, d)
		}
	}
	return out, nil
}

const attemptColumns = `id, daughter_id, attempt_number, started_at, finished_at, status, tokens_used_cli,
	tokens_used_local, switch_model_used, cli_provider_used, error_message`

func scanAttempt(row interface{ Scan(...any) error }) (*DaughterAttempt, error) {
	var a DaughterAttempt
	var started string
	var finished sql.NullString
	if err := row.Scan(&a.ID, &a.DaughterID, &a.AttemptNumber, &started, &finished, &a.Status, &a.TokensUsedCLI,
		&a.TokensUsedLocal, &a.SwitchModelUsed, &a.CLIProviderUsed, &a.ErrorMessage); err != nil {
		return nil, err
	}
	a.StartedAt = parseTS(started)
	a.FinishedAt = parseTSPtr(finished)
	return &a, nil
}

// ListAttempts returns a daughter's attempts in number order.
func (s *Store) ListAttempts(ctx context.Context, daughterID string) ([]DaughterAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM daughter_attempts WHERE daughter_id = ? ORDER BY attempt_number`, daughterID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []DaughterAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AddAttempt opens the next numbered attempt for a daughter.
func (s *Store) AddAttempt(ctx context.Context, daughterID string) (*DaughterAttempt, error) {
	att := &DaughterAttempt{ID: uuid.NewString(), DaughterID: daughterID, Status: AttemptRunning, StartedAt: s.Now()}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM daughter_attempts WHERE daughter_id = ?`,
			daughterID).Scan(&att.AttemptNumber); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daughter_attempts (id, daughter_id, attempt_number, started_at, status) VALUES (?, ?, ?, ?, ?)`,
			att.ID, att.DaughterID, att.AttemptNumber, fmtTS(att.StartedAt), att.Status)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add attempt: %w", err)
	}
	return att, nil
}

// AttemptReport is the payload that finalizes an attempt.
type AttemptReport struct {
	Status          string
	TokensUsedCLI   int
	TokensUsedLocal int
	SwitchModelUsed string
	CLIProviderUsed string
	ErrorMessage    string
}

// FinishAttempt finalizes a running attempt. Returns false when the attempt
// does not exist or is already finalized.
func (s *Store) FinishAttempt(ctx context.Context, daughterID string, attemptNumber int, r AttemptReport) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE daughter_attempts SET status = ?, finished_at = ?, tokens_used_cli = ?, tokens_used_local = ?,
			switch_model_used = ?, cli_provider_used = ?, error_message = ?
		WHERE daughter_id = ? AND attempt_number = ? AND status = 'running'`,
		r.Status, fmtTS(s.Now()), r.TokensUsedCLI, r.TokensUsedLocal, r.SwitchModelUsed, r.CLIProviderUsed,
		r.ErrorMessage, daughterID, attemptNumber)
	if err != nil {
		return false, fmt.Errorf("finish attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CountRecentDaughterErrors counts daughters that failed or were killed
// since the given time. Used by the db_sanity scanner.
func (s *Store) CountRecentDaughterErrors(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM daughters WHERE status IN ('failed', 'killed') AND updated_at >= ?`,
		fmtTS(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count daughter errors: %w", err)
	}
	return n, nil
}
