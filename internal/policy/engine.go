// Package policy classifies the risk of (target, action) pairs and gates
// MED/HIGH actions behind single-use confirmation tokens.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Risk levels.
const (
	RiskLow  = "LOW"
	RiskMed  = "MED"
	RiskHigh = "HIGH"
)

var (
	highRiskActions = regexp.MustCompile(`(?i)(delete|drop|destroy|reset|migrate|restore|stop|kill|terminate)`)
	medRiskActions  = regexp.MustCompile(`(?i)(restart|reboot|suspend|cleanup|patch|update)`)
	suicidalActions = regexp.MustCompile(`(?i)^(delete|stop|kill|destroy)`)
)

// Context is one (target, action) evaluation.
type Context struct {
	Target  string
	Action  string
	Source  string
	TraceID string
}

// Decision is the result of a policy evaluation.
type Decision struct {
	Risk                 string
	Allow                bool
	RequiresConfirmation bool
	Suicidal             bool
	Reason               string
	Ts                   time.Time
	TraceID              string
}

// Engine evaluates whether an action may proceed.
type Engine interface {
	Evaluate(ctx Context) Decision
}

// DefaultEngine classifies by allowlist first, then by action verb.
type DefaultEngine struct {
	// Allowlist holds "target:action" pairs treated as LOW. Either side may
	// be "*".
	Allowlist map[string]bool
	// SelfTargets are services that must never act destructively on
	// themselves.
	SelfTargets map[string]bool
}

// NewDefaultEngine returns the engine with the read-only allowlist.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{
		Allowlist: map[string]bool{
			"*:status":  true,
			"*:health":  true,
			"*:read":    true,
			"*:list":    true,
			"*:analyze": true,
		},
		SelfTargets: map[string]bool{"madre": true, "gateway": true},
	}
}

// ClassifyRisk maps (target, action) to LOW, MED or HIGH.
func ClassifyRisk(target, action string) string {
	return NewDefaultEngine().Evaluate(Context{Target: target, Action: action}).Risk
}

// Evaluate implements Engine.
func (e *DefaultEngine) Evaluate(ctx Context) Decision {
	target := strings.ToLower(strings.TrimSpace(ctx.Target))
	action := strings.ToLower(strings.TrimSpace(ctx.Action))
	d := Decision{Ts: time.Now(), TraceID: ctx.TraceID}

	if e.SelfTargets[target] && suicidalActions.MatchString(action) {
		d.Risk = RiskHigh
		d.Suicidal = true
		d.Reason = fmt.Sprintf("deny_suicidal: %s/%s", target, action)
		slog.Warn("Policy deny suicidal action", "target", target, "action", action, "source", ctx.Source)
		return d
	}

	if e.allowlisted(target, action) {
		d.Risk = RiskLow
		d.Allow = true
		d.Reason = "allowlisted"
		return d
	}

	switch {
	case highRiskActions.MatchString(action):
		d.Risk = RiskHigh
	case medRiskActions.MatchString(action):
		d.Risk = RiskMed
	default:
		d.Risk = RiskLow
		d.Allow = true
		d.Reason = "low_risk"
		return d
	}
	d.RequiresConfirmation = true
	d.Reason = fmt.Sprintf("%s_risk_requires_confirmation", strings.ToLower(d.Risk))
	return d
}

func (e *DefaultEngine) allowlisted(target, action string) bool {
	return e.Allowlist[target+":"+action] || e.Allowlist[target+":*"] || e.Allowlist["*:"+action]
}
