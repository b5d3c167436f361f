package policy

import "testing"

func TestClassifyRisk(t *testing.T) {
	tests := []struct {
		target, action string
		want           string
		confirm        bool
	}{
		{"system", "delete", RiskHigh, true},
		{"switch", "status", RiskLow, false},
		{"hermes", "list", RiskLow, false},
		{"spawner", "restart", RiskMed, true},
		{"hormiguero", "cleanup", RiskMed, true},
		{"db", "migrate", RiskHigh, true},
		{"switch", "frobnicate", RiskLow, false},
	}
	eng := NewDefaultEngine()
	for _, tt := range tests {
		d := eng.Evaluate(Context{Target: tt.target, Action: tt.action})
		if d.Risk != tt.want || d.RequiresConfirmation != tt.confirm {
			t.Errorf("%s/%s: risk=%s confirm=%v, want %s/%v", tt.target, tt.action, d.Risk, d.RequiresConfirmation, tt.want, tt.confirm)
		}
		if ClassifyRisk(tt.target, tt.action) != tt.want {
			t.Errorf("ClassifyRisk(%s,%s) disagrees with Evaluate", tt.target, tt.action)
		}
	}
}

func TestSuicidalActionsDenied(t *testing.T) {
	eng := NewDefaultEngine()
	for _, target := range []string{"madre", "gateway"} {
		for _, action := range []string{"delete", "stop", "kill", "destroy"} {
			d := eng.Evaluate(Context{Target: target, Action: action})
			if d.Risk != RiskHigh || !d.Suicidal || d.Allow {
				t.Fatalf("%s/%s should be a denied suicidal HIGH, got %+v", target, action, d)
			}
		}
	}
	if d := eng.Evaluate(Context{Target: "madre", Action: "status"}); d.Suicidal || d.Risk != RiskLow {
		t.Fatalf("madre/status should be LOW, got %+v", d)
	}
}

func TestAllowlistPair(t *testing.T) {
	eng := NewDefaultEngine()
	eng.Allowlist["spawner:kill"] = true
	if d := eng.Evaluate(Context{Target: "spawner", Action: "kill"}); d.Risk != RiskLow || !d.Allow {
		t.Fatalf("allowlisted pair should be LOW, got %+v", d)
	}
}
