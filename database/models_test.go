package database

import (
	"testing"
)

func TestValidDecision(t *testing.T) {
	if !ValidDecision(DecisionPlaced) || !ValidDecision(DecisionIgnored) {
		t.Error("closed-set decisions must validate")
	}
	for _, invalid := range []string{"snoozed", "PLACED", ""} {
		if ValidDecision(invalid) {
			t.Errorf("ValidDecision(%q) should be false", invalid)
		}
	}
}

func TestDTEPairListScan(t *testing.T) {
	var pairs DTEPairList
	raw := []byte(`[{"front":30,"back":60,"front_tol":5,"back_tol":10}]`)
	if err := pairs.Scan(raw); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(pairs) != 1 || pairs[0].FrontTarget != 30 || pairs[0].BackTol != 10 {
		t.Errorf("unexpected pairs %+v", pairs)
	}

	// NULL column leaves the zero value
	var empty DTEPairList
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if empty != nil {
		t.Errorf("expected nil, got %+v", empty)
	}
}

func TestQuietHoursScan(t *testing.T) {
	var qh QuietHours
	if err := qh.Scan(`{"enabled":true,"start":"22:00","end":"07:00"}`); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if !qh.Enabled || qh.Start != "22:00" || qh.End != "07:00" {
		t.Errorf("unexpected quiet hours %+v", qh)
	}
}

func TestStringListValueNeverNull(t *testing.T) {
	var l StringList
	v, err := l.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if string(v.([]byte)) != "[]" {
		t.Errorf("nil list should serialize as [], got %s", v)
	}
}
