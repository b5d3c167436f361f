package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateIntentWithPlan persists an intent, its plan and the plan's steps in
// one transaction. Missing ids and timestamps are filled in.
func (s *Store) CreateIntentWithPlan(ctx context.Context, in *Intent, p *Plan) error {
	now := s.Now()
	if in.IntentID == "" {
		in.IntentID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	p.IntentID = in.IntentID
	if p.SessionID == "" {
		p.SessionID = in.SessionID
	}
	if p.Status == "" {
		p.Status = PlanPending
	}
	if p.Mode == "" {
		p.Mode = in.Mode
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.Steps {
		st := &p.Steps[i]
		if st.StepID == "" {
			st.StepID = uuid.NewString()
		}
		st.PlanID = p.PlanID
		st.Seq = i
		if st.Status == "" {
			st.Status = StepPending
		}
		st.CreatedAt = now
		st.UpdatedAt = now
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO intents (intent_id, session_id, source, mode, dsl, risk, requires_confirmation, targets, result_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.IntentID, in.SessionID, in.Source, in.Mode, encodeJSON(in.DSL), in.Risk,
			boolInt(in.RequiresConfirmation), encodeJSON(in.Targets), in.ResultStatus, fmtTS(in.CreatedAt))
		if err != nil {
			return fmt.Errorf("create intent: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plans (plan_id, intent_id, session_id, status, mode, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PlanID, p.IntentID, p.SessionID, p.Status, p.Mode, fmtTS(p.CreatedAt), fmtTS(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("create plan: %w", err)
		}
		for _, st := range p.Steps {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO steps (step_id, plan_id, seq, type, payload, blocking, status, result, error, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.StepID, st.PlanID, st.Seq, st.Type, encodeJSON(st.Payload), boolInt(st.Blocking),
				st.Status, encodeJSON(st.Result), st.Error, fmtTS(st.CreatedAt), fmtTS(st.UpdatedAt))
			if err != nil {
				return fmt.Errorf("create step %d: %w", st.Seq, err)
			}
		}
		return nil
	})
}

const intentColumns = `intent_id, session_id, source, mode, dsl, risk, requires_confirmation, targets, result_status, created_at, closed_at`

func scanIntent(row interface{ Scan(...any) error }) (*Intent, error) {
	var in Intent
	var dsl, targets, created string
	var closed sql.NullString
	var reqConf int
	if err := row.Scan(&in.IntentID, &in.SessionID, &in.Source, &in.Mode, &dsl, &in.Risk,
		&reqConf, &targets, &in.ResultStatus, &created, &closed); err != nil {
		return nil, err
	}
	decodeJSON(dsl, &in.DSL)
	decodeJSON(targets, &in.Targets)
	in.RequiresConfirmation = reqConf != 0
	in.CreatedAt = parseTS(created)
	in.ClosedAt = parseTSPtr(closed)
	return &in, nil
}

// GetIntent returns an intent by id.
func (s *Store) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	in, err := scanIntent(s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE intent_id = ?`, intentID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return in, nil
}

// CloseIntent records the intent's result status. The first close stamps
// closed_at; later closes only refresh the status.
func (s *Store) CloseIntent(ctx context.Context, intentID, resultStatus string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET result_status = ?, closed_at = COALESCE(closed_at, ?)
		WHERE intent_id = ?`, resultStatus, fmtTS(s.Now()), intentID)
	if err != nil {
		return fmt.Errorf("close intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("intent %s: %w", intentID, ErrNotFound)
	}
	return nil
}

const planColumns = `plan_id, intent_id, session_id, status, mode, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	var p Plan
	var created, updated string
	if err := row.Scan(&p.PlanID, &p.IntentID, &p.SessionID, &p.Status, &p.Mode, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return &p, nil
}

// GetPlan returns a plan with its steps in order.
func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = ?`, planID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	steps, err := s.ListSteps(ctx, planID)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	return p, nil
}

// GetPlanByIntent returns the plan owned by an intent.
func (s *Store) GetPlanByIntent(ctx context.Context, intentID string) (*Plan, error) {
	var planID string
	err := s.db.QueryRowContext(ctx, `SELECT plan_id FROM plans WHERE intent_id = ?`, intentID).Scan(&planID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan for intent %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan by intent: %w", err)
	}
	return s.GetPlan(ctx, planID)
}

// ListPlans returns plans (without steps), newest first, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, status string, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + planColumns + ` FROM plans`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdatePlanStatus sets a plan's status. updated_at never moves backwards.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = MAX(updated_at, ?) WHERE plan_id = ?`,
		status, fmtTS(s.Now()), planID)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	return nil
}

const stepColumns = `step_id, plan_id, seq, type, payload, blocking, status, result, error, created_at, updated_at, finished_at`

func scanStep(row interface{ Scan(...any) error }) (*Step, error) {
	var st Step
	var payload, result, created, updated string
	var finished sql.NullString
	var blocking int
	if err := row.Scan(&st.StepID, &st.PlanID, &st.Seq, &st.Type, &payload, &blocking, &st.Status,
		&result, &st.Error, &created, &updated, &finished); err != nil {
		return nil, err
	}
	decodeJSON(payload, &st.Payload)
	decodeJSON(result, &st.Result)
	st.Blocking = blocking != 0
	st.CreatedAt = parseTS(created)
	st.UpdatedAt = parseTS(updated)
	st.FinishedAt = parseTSPtr(finished)
	return &st, nil
}

// ListSteps returns a plan's steps ordered by insertion.
func (s *Store) ListSteps(ctx context.Context, planID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE plan_id = ? ORDER BY seq`, planID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetStep returns one step.
func (s *Store) GetStep(ctx context.Context, stepID string) (*Step, error) {
	st, err := scanStep(s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE step_id = ?`, stepID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %s: %w", stepID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func isTerminalStep(status string) bool {
	return status == StepDone || status == StepError || status == StepSkipped
}

// TransitionStep moves a step from one of the given statuses to "to",
// recording result and error. It returns false without error when the step
// was not in any of the expected statuses (lost race or already advanced).
func (s *Store) TransitionStep(ctx context.Context, stepID string, from []string, to string, result map[string]any, errText string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition step: no source statuses")
	}
	now := fmtTS(s.Now())
	var finished any
	if isTerminalStep(to) {
		finished = now
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, encodeJSON(result), errText, now, finished, stepID}
	for _, f := range from {
		args = append(args, f)
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE steps SET status = ?, result = ?, error = ?, updated_at = MAX(updated_at, ?),
				finished_at = COALESCE(?, finished_at)
			WHERE step_id = ? AND status IN (`+placeholders+`)`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("transition step: %w", err)
	}
	return n == 1, nil
}

// CountPlansByStatus returns plan counts keyed by status.
func (s *Store) CountPlansByStatus(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT status, COUNT(*) FROM plans GROUP BY status`)
}

// CountIntentsByResult returns intent counts keyed by result_status ("" = open).
func (s *Store) CountIntentsByResult(ctx context.Context) (map[string]int, error) {
	return s.countBy(ctx, `SELECT result_status, COUNT(*) FROM intents GROUP BY result_status`)
}

func (s *Store) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}

// AppendMadreAction appends to the action log.
func (s *Store) AppendMadreAction(ctx context.Context, a *MadreAction) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = s.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO madre_actions (module, action, reason, intent_id, plan_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Module, a.Action, a.Reason, a.IntentID, a.PlanID, fmtTS(a.Timestamp))
	if err != nil {
		return fmt.Errorf("append madre action: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListMadreActions returns actions for a plan (or all when planID is empty), oldest first.
func (s *Store) ListMadreActions(ctx context.Context, planID string, limit int) ([]MadreAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, module, action, reason, intent_id, plan_id, timestamp FROM madre_actions`
	args := []any{}
	if planID != "" {
		query += ` WHERE plan_id = ?`
		args = append(args, planID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list madre actions: %w", err)
	}
	defer rows.Close()
	var out []MadreAction
	for rows.Next() {
		var a MadreAction
		var ts string
		if err := rows.Scan(&a.ID, &a.Module, &a.Action, &a.Reason, &a.IntentID, &a.PlanID, &ts); err != nil {
			return nil, err
		}
		a.Timestamp = parseTS(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateConfirmation stores a pending confirmation token.
func (s *Store) CreateConfirmation(ctx context.Context, c *Confirmation, ttl time.Duration) error {
	now := s.Now()
	c.Status = "pending"
	c.CreatedAt = now
	c.ExpiresAt = now.Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confirmations (token, intent_id, plan_id, target, action, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Token, c.IntentID, c.PlanID, c.Target, c.Action, c.Status, fmtTS(c.CreatedAt), fmtTS(c.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create confirmation: %w", err)
	}
	return nil
}

// PendingConfirmations returns unexpired pending confirmations for (target, action).
func (s *Store) PendingConfirmations(ctx context.Context, target, action string) ([]Confirmation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, intent_id, plan_id, target, action, status, created_at, expires_at
		FROM confirmations WHERE target = ? AND action = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at`, target, action, fmtTS(s.Now()))
	if err != nil {
		return nil, fmt.Errorf("pending confirmations: %w", err)
	}
	defer rows.Close()
	var out []Confirmation
	for rows.Next() {
		var c Confirmation
		var created, expires string
		if err := rows.Scan(&c.Token, &c.IntentID, &c.PlanID, &c.Target, &c.Action, &c.Status, &created, &expires); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTS(created)
		c.ExpiresAt = parseTS(expires)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConsumeConfirmation marks a token used. Returns false if it was not pending.
func (s *Store) ConsumeConfirmation(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE confirmations SET status = 'used', used_at = ? WHERE token = ? AND status = 'pending'`,
		fmtTS(s.Now()), token)
	if err != nil {
		return false, fmt.Errorf("consume confirmation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// AppendIADecision records how an intent's DSL was produced.
func (s *Store) AppendIADecision(ctx context.Context, d *IADecision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = s.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ia_decisions (intent_id, module, decision, confidence, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.IntentID, d.Module, d.Decision, d.Confidence, d.Detail, fmtTS(d.Timestamp))
	if err != nil {
		return fmt.Errorf("append ia decision: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	return nil
}
