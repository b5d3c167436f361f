package madre

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/vx11/vx11/internal/config"
	"github.com/vx11/vx11/internal/store"
)

// DSL domains produced by the parser.
const (
	DomainSystem  = "system"
	DomainAudio   = "audio"
	DomainTask    = "task"
	DomainUnknown = "unknown"
)

// WarnDestructive flags messages that ask for destructive work.
const WarnDestructive = "destructive_intent_detected"

var (
	destructiveVerbs = regexp.MustCompile(`(?i)\b(delete|destroy|remove|drop|wipe)\b`)
	audioVerbs       = regexp.MustCompile(`(?i)\b(mix|analy[sz]e|master|mastering)\b`)
	healthVerbs      = regexp.MustCompile(`(?i)\b(status|health|check)\b`)
	maintenanceVerbs = regexp.MustCompile(`(?i)\b(restart|reboot|suspend|cleanup|patch|update)\b`)
	longRunningVerbs = regexp.MustCompile(`(?i)\b(run|execute|launch|spawn|build|train|index)\b\s*(.*)$`)
	wordRe           = regexp.MustCompile(`[a-z0-9_]+`)
)

// knownTargets are the module names recognised inside a message.
var knownTargets = []string{
	config.ServiceGateway, config.ServiceMadre, config.ServiceSwitch, config.ServiceHermes,
	config.ServiceSpawner, config.ServiceSandbox, config.ServiceHormiguero,
	config.ServiceManifestator, config.ServiceShub,
}

// Parse is the fallback parser. It never fails; messages it does not
// understand become domain "unknown" with low confidence.
func Parse(message string) store.DSL {
	text := strings.TrimSpace(message)
	d := store.DSL{
		Domain:       DomainUnknown,
		Action:       "chat",
		Parameters:   map[string]any{},
		Confidence:   0.2,
		OriginalText: text,
		Warnings:     []string{},
	}
	switch {
	case destructiveVerbs.MatchString(text):
		d.Domain = DomainSystem
		d.Action = "delete"
		d.Confidence = 0.6
		d.Warnings = append(d.Warnings, WarnDestructive)
	case maintenanceVerbs.MatchString(text):
		d.Domain = DomainSystem
		d.Action = strings.ToLower(maintenanceVerbs.FindStringSubmatch(text)[1])
		d.Confidence = 0.6
	case audioVerbs.MatchString(text):
		d.Domain = DomainAudio
		verb := strings.ToLower(audioVerbs.FindStringSubmatch(text)[1])
		switch verb {
		case "analyse":
			verb = "analyze"
		case "mastering":
			verb = "master"
		}
		d.Action = verb
		d.Confidence = 0.6
	case healthVerbs.MatchString(text):
		d.Domain = DomainSystem
		d.Action = "status"
		d.Confidence = 0.7
	case longRunningVerbs.MatchString(text):
		m := longRunningVerbs.FindStringSubmatch(text)
		d.Domain = DomainTask
		d.Action = strings.ToLower(m[1])
		d.Confidence = 0.5
		if cmd := strings.TrimSpace(m[2]); cmd != "" {
			d.Parameters["command"] = cmd
		}
	}
	if targets := ExtractTargets(text); len(targets) > 0 {
		d.Parameters["targets"] = targets
	}
	return d
}

// ExtractTargets returns the module names mentioned in text, in order of
// first appearance.
func ExtractTargets(text string) []string {
	known := make(map[string]bool, len(knownTargets))
	for _, t := range knownTargets {
		known[t] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if known[w] && !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// LongRunning reports whether the DSL asks for work that must be deferred
// to Spawner.
func LongRunning(d store.DSL) bool {
	return d.Domain == DomainTask
}

// validDSL checks a refined DSL against the schema.
func validDSL(d store.DSL) error {
	switch d.Domain {
	case DomainSystem, DomainAudio, DomainTask, DomainUnknown:
	default:
		return fmt.Errorf("unknown domain %q", d.Domain)
	}
	if strings.TrimSpace(d.Action) == "" {
		return fmt.Errorf("empty action")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", d.Confidence)
	}
	return nil
}

type refineRequest struct {
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
}

type refineResponse struct {
	Answer   string `json:"answer"`
	Degraded bool   `json:"degraded"`
}

const refinePrompt = `Return only a JSON object {"domain","action","parameters","confidence","warnings"} ` +
	`describing this VX11 request. Domains: system, audio, task, unknown. Request: `

// refine asks Switch to improve the fallback DSL. The fallback is kept when
// Switch is off, unreachable, degraded or returns something off-schema.
func (s *Service) refine(ctx context.Context, fallback store.DSL) (store.DSL, string) {
	if !s.cfg.Madre.UseSwitchRefiner {
		return fallback, "fallback_parser"
	}
	base := s.cfg.Services.URL(config.ServiceSwitch)
	req := refineRequest{TaskType: "reasoning", Payload: map[string]any{"query": refinePrompt + fallback.OriginalText}}
	var resp refineResponse
	if err := s.client.PostJSON(ctx, base+"/switch/task", s.controlTimeout(), req, &resp); err != nil {
		slog.Debug("Madre refiner unavailable", "error", err)
		return fallback, "fallback_parser"
	}
	if resp.Degraded {
		return fallback, "fallback_parser"
	}
	var refined store.DSL
	if err := json.Unmarshal([]byte(extractJSON(resp.Answer)), &refined); err != nil {
		return fallback, "fallback_parser"
	}
	if err := validDSL(refined); err != nil {
		slog.Debug("Madre refiner answer rejected", "error", err)
		return fallback, "fallback_parser"
	}
	refined.OriginalText = fallback.OriginalText
	if refined.Parameters == nil {
		refined.Parameters = map[string]any{}
	}
	if _, ok := refined.Parameters["targets"]; !ok {
		if t, ok := fallback.Parameters["targets"]; ok {
			refined.Parameters["targets"] = t
		}
	}
	// Safety warnings from the local parser always survive refinement.
	for _, w := range fallback.Warnings {
		if !slices.Contains(refined.Warnings, w) {
			refined.Warnings = append(refined.Warnings, w)
		}
	}
	if refined.Warnings == nil {
		refined.Warnings = []string{}
	}
	return refined, "switch_refiner"
}

// extractJSON trims prose around the first JSON object in s.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func (s *Service) recordDecision(ctx context.Context, intentID, module string, d store.DSL) {
	rec := &store.IADecision{
		IntentID:   intentID,
		Module:     module,
		Decision:   d.Domain + "/" + d.Action,
		Confidence: d.Confidence,
		Detail:     strings.Join(d.Warnings, ","),
	}
	if err := s.store.AppendIADecision(ctx, rec); err != nil {
		slog.Warn("Madre IA decision not recorded", "intent_id", intentID, "error", err)
	}
}
