package madre

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFallbackVocabulary(t *testing.T) {
	tests := []struct {
		message string
		domain  string
		action  string
		warning bool
	}{
		{"status of switch", DomainSystem, "status", false},
		{"health check please", DomainSystem, "status", false},
		{"delete all data", DomainSystem, "delete", true},
		{"Remove the old logs", DomainSystem, "delete", true},
		{"restart hermes", DomainSystem, "restart", false},
		{"master the new track", DomainAudio, "master", false},
		{"analyse this mix", DomainAudio, "analyze", false},
		{"run echo hi", DomainTask, "run", false},
		{"good morning", DomainUnknown, "chat", false},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			d := Parse(tt.message)
			assert.Equal(t, tt.domain, d.Domain)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.warning, slices.Contains(d.Warnings, WarnDestructive))
			assert.GreaterOrEqual(t, d.Confidence, 0.0)
			assert.LessOrEqual(t, d.Confidence, 1.0)
			assert.Equal(t, tt.message, d.OriginalText)
		})
	}
}

func TestParseExtractsTargetsAndCommand(t *testing.T) {
	d := Parse("status of switch and hermes, then switch again")
	assert.Equal(t, []string{"switch", "hermes"}, d.Parameters["targets"])

	d = Parse("run echo hello world")
	assert.Equal(t, "echo hello world", d.Parameters["command"])
	assert.True(t, LongRunning(d))

	d = Parse("good morning")
	assert.NotContains(t, d.Parameters, "targets")
	assert.False(t, LongRunning(d))
}

func TestValidDSL(t *testing.T) {
	ok := Parse("status of switch")
	assert.NoError(t, validDSL(ok))

	bad := ok
	bad.Confidence = 1.5
	assert.Error(t, validDSL(bad))

	bad = ok
	bad.Domain = "weather"
	assert.Error(t, validDSL(bad))

	bad = ok
	bad.Action = " "
	assert.Error(t, validDSL(bad))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("Sure! {\"a\":1} hope that helps"))
	assert.Equal(t, "no json", extractJSON("no json"))
}
