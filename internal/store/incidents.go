package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// IncidentID derives the deterministic identity of an incident from
// (kind, title, source, correlation_id).
func IncidentID(kind, title, source, correlationID string) string {
	sum := blake3.Sum256([]byte(strings.Join([]string{kind, title, source, correlationID}, "\x1f")))
	return "inc_" + hex.EncodeToString(sum[:12])
}

// UpsertIncident inserts a new incident or, when one with the same identity
// exists, advances its last_seen_at (never backwards). Returns the stored
// row and whether it was newly created.
func (s *Store) UpsertIncident(ctx context.Context, inc *Incident) (*Incident, bool, error) {
	now := s.Now()
	inc.IncidentID = IncidentID(inc.Kind, inc.Title, inc.Source, inc.CorrelationID)
	if inc.Severity == "" {
		inc.Severity = SeverityWarning
	}
	if inc.Status == "" {
		inc.Status = IncidentOpen
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = now
	}
	seen := inc.DetectedAt

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (incident_id, kind, severity, status, title, description, evidence, source,
				correlation_id, suggested_actions, detected_at, first_seen_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(incident_id) DO NOTHING`,
			inc.IncidentID, inc.Kind, inc.Severity, inc.Status, inc.Title, inc.Description, encodeJSON(inc.Evidence),
			inc.Source, inc.CorrelationID, encodeJSON(inc.SuggestedActions), fmtTS(inc.DetectedAt), fmtTS(seen), fmtTS(seen))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = true
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE incidents SET last_seen_at = MAX(last_seen_at, ?) WHERE incident_id = ?`,
			fmtTS(seen), inc.IncidentID)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert incident: %w", err)
	}
	stored, err := s.GetIncident(ctx, inc.IncidentID)
	if err != nil {
		return nil, created, err
	}
	return stored, created, nil
}

const incidentColumns = `incident_id, kind, severity, status, title, description, evidence, source, correlation_id,
	suggested_actions, detected_at, first_seen_at, last_seen_at, occurrences`

func scanIncident(row interface{ Scan(...any) error }) (*Incident, error) {
	var inc Incident
	var evidence, suggested, detected, first, last string
	if err := row.Scan(&inc.IncidentID, &inc.Kind, &inc.Severity, &inc.Status, &inc.Title, &inc.Description,
		&evidence, &inc.Source, &inc.CorrelationID, &suggested, &detected, &first, &last, &inc.Occurrences); err != nil {
		return nil, err
	}
	decodeJSON(evidence, &inc.Evidence)
	decodeJSON(suggested, &inc.SuggestedActions)
	inc.DetectedAt = parseTS(detected)
	inc.FirstSeenAt = parseTS(first)
	inc.LastSeenAt = parseTS(last)
	return &inc, nil
}

// GetIncident returns an incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents, most recently seen first, optionally by status.
func (s *Store) ListIncidents(ctx context.Context, status string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY last_seen_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// SetIncidentStatus acknowledges or closes an incident.
func (s *Store) SetIncidentStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE incidents SET status = ? WHERE incident_id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreatePheromone records a proposed action. PheromoneID is a ULID when empty.
func (s *Store) CreatePheromone(ctx context.Context, p *Pheromone) error {
	now := s.Now()
	if p.PheromoneID == "" {
		p.PheromoneID = "ph_" + ulid.Make().String()
	}
	if p.Status == "" {
		p.Status = PheromonePending
	}
	if p.CorrelationID == "" {
		p.CorrelationID = p.PheromoneID
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pheromones (pheromone_id, incident_id, correlation_id, action_kind, action_payload, requested_by,
			approved_by, status, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PheromoneID, p.IncidentID, p.CorrelationID, p.ActionKind, encodeJSON(p.ActionPayload), p.RequestedBy,
		p.ApprovedBy, p.Status, encodeJSON(p.Result), fmtTS(p.CreatedAt), fmtTS(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create pheromone: %w", err)
	}
	return nil
}

const pheromoneColumns = `pheromone_id, incident_id, correlation_id, action_kind, action_payload, requested_by,
	approved_by, status, result, created_at, updated_at`

func scanPheromone(row interface{ Scan(...any) error }) (*Pheromone, error) {
	var p Pheromone
	var payload, result, created, updated string
	if err := row.Scan(&p.PheromoneID, &p.IncidentID, &p.CorrelationID, &p.ActionKind, &payload, &p.RequestedBy,
		&p.ApprovedBy, &p.Status, &result, &created, &updated); err != nil {
		return nil, err
	}
	decodeJSON(payload, &p.ActionPayload)
	decodeJSON(result, &p.Result)
	p.CreatedAt = parseTS(created)
	p.UpdatedAt = parseTS(updated)
	return &p, nil
}

// GetPheromone returns a pheromone by id.
func (s *Store) GetPheromone(ctx context.Context, id string) (*Pheromone, error) {
	p, err := scanPheromone(s.db.QueryRowContext(ctx, `SELECT `+pheromoneColumns+` FROM pheromones WHERE pheromone_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pheromone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pheromone: %w", err)
	}
	return p, nil
}

// FindPheromoneByCorrelation returns the newest pheromone with the given
// correlation id and status.
func (s *Store) FindPheromoneByCorrelation(ctx context.Context, correlationID, status string) (*Pheromone, error) {
	p, err := scanPheromone(s.db.QueryRowContext(ctx, `SELECT `+pheromoneColumns+` FROM pheromones
		WHERE correlation_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`, correlationID, status))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pheromone correlation %s (%s): %w", correlationID, status, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find pheromone: %w", err)
	}
	return p, nil
}

// ListPheromones returns pheromones, newest first, optionally by status.
func (s *Store) ListPheromones(ctx context.Context, status string, limit int) ([]Pheromone, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + pheromoneColumns + ` FROM pheromones`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pheromones: %w", err)
	}
	defer rows.Close()
	var out []Pheromone
	for rows.Next() {
		p, err := scanPheromone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pheromone: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// TransitionPheromone moves a pheromone from status "from" to "to".
// approvedBy is recorded when non-empty, result when non-nil.
func (s *Store) TransitionPheromone(ctx context.Context, id, from, to, approvedBy string, result map[string]any) (bool, error) {
	sets := `status = ?, updated_at = MAX(updated_at, ?)`
	args := []any{to, fmtTS(s.Now())}
	if approvedBy != "" {
		sets += `, approved_by = ?`
		args = append(args, approvedBy)
	}
	if result != nil {
		sets += `, result = ?`
		args = append(args, encodeJSON(result))
	}
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx, `UPDATE pheromones SET `+sets+` WHERE pheromone_id = ? AND status = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("transition pheromone: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpsertHormigaState writes the state row for an ant, keyed by name.
func (s *Store) UpsertHormigaState(ctx context.Context, h *HormigaState) error {
	if h.HormigaID == "" {
		h.HormigaID = "hormiga_" + h.Name
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hormiga_state (hormiga_id, name, role, enabled, aggression_level, scan_interval_sec,
			last_scan_at, last_ok_at, last_error_at, last_error, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET role = excluded.role, enabled = excluded.enabled,
			aggression_level = excluded.aggression_level, scan_interval_sec = excluded.scan_interval_sec,
			last_scan_at = COALESCE(excluded.last_scan_at, hormiga_state.last_scan_at),
			last_ok_at = COALESCE(excluded.last_ok_at, hormiga_state.last_ok_at),
			last_error_at = COALESCE(excluded.last_error_at, hormiga_state.last_error_at),
			last_error = excluded.last_error, stats = excluded.stats`,
		h.HormigaID, h.Name, h.Role, boolInt(h.Enabled), h.AggressionLevel, h.ScanIntervalSec,
		fmtTSPtr(h.LastScanAt), fmtTSPtr(h.LastOKAt), fmtTSPtr(h.LastErrorAt), h.LastError, encodeJSON(h.Stats))
	if err != nil {
		return fmt.Errorf("upsert hormiga state: %w", err)
	}
	return nil
}

// ListHormigaStates returns every ant's state row.
func (s *Store) ListHormigaStates(ctx context.Context) ([]HormigaState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hormiga_id, name, role, enabled, aggression_level, scan_interval_sec, last_scan_at, last_ok_at,
			last_error_at, last_error, stats
		FROM hormiga_state ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list hormiga state: %w", err)
	}
	defer rows.Close()
	var out []HormigaState
	for rows.Next() {
		var h HormigaState
		var enabled int
		var scan, ok, errAt sql.NullString
		var stats string
		if err := rows.Scan(&h.HormigaID, &h.Name, &h.Role, &enabled, &h.AggressionLevel, &h.ScanIntervalSec,
			&scan, &ok, &errAt, &h.LastError, &stats); err != nil {
			return nil, err
		}
		h.Enabled = enabled != 0
		h.LastScanAt = parseTSPtr(scan)
		h.LastOKAt = parseTSPtr(ok)
		h.LastErrorAt = parseTSPtr(errAt)
		decodeJSON(stats, &h.Stats)
		out = append(out, h)
	}
	return out, rows.Err()
}
