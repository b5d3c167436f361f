package config

import (
	"slices"
	"strings"
)

// Service names as they appear in URL prefixes and mode profiles.
const (
	ServiceGateway      = "gateway"
	ServiceMadre        = "madre"
	ServiceSwitch       = "switch"
	ServiceHermes       = "hermes"
	ServiceSpawner      = "spawner"
	ServiceSandbox      = "sandbox"
	ServiceHormiguero   = "hormiguero"
	ServiceManifestator = "manifestator"
	ServiceShub         = "shub"
)

// Mode profile names.
const (
	ModeSoloMadre     = "solo_madre"
	ModeOperativeCore = "operative_core"
	ModeWindow        = "window"
	ModeLowPower      = "low_power"
	ModeFull          = "full"
)

// StartOrder is the leaves-first order services are brought up in.
var StartOrder = []string{
	ServiceSandbox,
	ServiceHermes,
	ServiceSwitch,
	ServiceSpawner,
	ServiceManifestator,
	ServiceMadre,
	ServiceHormiguero,
	ServiceGateway,
}

var operativeCore = []string{
	ServiceGateway, ServiceMadre, ServiceSwitch, ServiceHermes, ServiceSpawner, ServiceSandbox,
}

var modeProfiles = map[string][]string{
	ModeSoloMadre:     {ServiceMadre},
	ModeOperativeCore: operativeCore,
	ModeWindow:        append(slices.Clone(operativeCore), ServiceHormiguero),
	ModeLowPower:      {ServiceGateway, ServiceMadre, ServiceHermes},
	ModeFull:          StartOrder,
}

// Modes lists the known mode names.
func Modes() []string {
	return []string{ModeSoloMadre, ModeOperativeCore, ModeWindow, ModeLowPower, ModeFull}
}

// IsValidMode reports whether mode names a known profile.
func IsValidMode(mode string) bool {
	_, ok := modeProfiles[strings.ToLower(strings.TrimSpace(mode))]
	return ok
}

// ModeServices returns the services a mode requires, in start order.
// Unknown modes yield nil.
func ModeServices(mode string) []string {
	want, ok := modeProfiles[strings.ToLower(strings.TrimSpace(mode))]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(want))
	for _, svc := range StartOrder {
		if slices.Contains(want, svc) {
			out = append(out, svc)
		}
	}
	return out
}

// ModeTransition is the delta between a running set and a mode profile.
type ModeTransition struct {
	Target []string `json:"target"`
	Start  []string `json:"start"`
	Stop   []string `json:"stop"`
}

// ApplyMode computes which services must be started and stopped to move
// from the current running set to mode. Applying the Target of a result to
// the same mode again yields an empty transition.
func ApplyMode(current []string, mode string) ModeTransition {
	target := ModeServices(mode)
	t := ModeTransition{Target: target}
	for _, svc := range target {
		if !slices.Contains(current, svc) {
			t.Start = append(t.Start, svc)
		}
	}
	for _, svc := range StartOrder {
		if slices.Contains(current, svc) && !slices.Contains(target, svc) {
			t.Stop = append(t.Stop, svc)
		}
	}
	return t
}

// ServiceEnabled reports whether svc is part of the configured mode.
func (c *Config) ServiceEnabled(svc string) bool {
	return slices.Contains(ModeServices(c.Mode), strings.ToLower(svc))
}
