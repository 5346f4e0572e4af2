package core

import (
	"encoding/json"
	"testing"
)

func TestJobKey_String(t *testing.T) {
	got := NewJobKey("reports", "daily").String()
	if got != "reports/daily" {
		t.Errorf("String() = %q, want %q", got, "reports/daily")
	}
}

func TestJob_After(t *testing.T) {
	tests := []struct {
		name  string
		job   Job
		want  JobKey
		found bool
	}{
		{"none", Job{Group: "g", Name: "n"}, JobKey{}, false},
		{"group only", Job{Group: "g", Name: "n", AfterGroup: "up"}, JobKey{}, false},
		{"both", Job{Group: "g", Name: "n", AfterGroup: "up", AfterName: "stream"}, NewJobKey("up", "stream"), true},
	}

	for _, tt := range tests {
		got, ok := tt.job.After()
		if ok != tt.found || got != tt.want {
			t.Errorf("%s: After() = (%v, %v), want (%v, %v)", tt.name, got, ok, tt.want, tt.found)
		}
	}
}

func TestJob_Validate(t *testing.T) {
	if err := (&Job{Group: "g"}).Validate(); !IsDefinitionError(err) {
		t.Errorf("Validate() error = %v, want definition error", err)
	}
	if err := (&Job{Group: "g", Name: "n"}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestJob_Equal(t *testing.T) {
	base := &Job{
		Group:    "g",
		Name:     "n",
		Timezone: "UTC",
		Cron:     "* * * * * ?",
		Enabled:  true,
		Data:     map[string]any{"count": 1, "tag": "x"},
	}

	same := base.Clone()
	if !base.Equal(same) {
		t.Fatal("Equal() = false for a clone")
	}

	changed := base.Clone()
	changed.Cron = "0 * * * * ?"
	if base.Equal(changed) {
		t.Error("Equal() = true after cron change")
	}

	disabled := base.Clone()
	disabled.Enabled = false
	if base.Equal(disabled) {
		t.Error("Equal() = true after enabled change")
	}

	// Data that went through a JSON round trip decodes numbers as float64.
	raw, err := json.Marshal(base.Data)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	decoded, err := DecodeData(string(raw))
	if err != nil {
		t.Fatalf("DecodeData() error = %v", err)
	}
	roundTripped := base.Clone()
	roundTripped.Data = decoded
	if !base.Equal(roundTripped) {
		t.Error("Equal() = false after data round trip")
	}
}

func TestJob_EqualEmptyData(t *testing.T) {
	a := &Job{Group: "g", Name: "n"}
	b := &Job{Group: "g", Name: "n", Data: map[string]any{}}
	if !a.Equal(b) {
		t.Error("nil and empty data should compare equal")
	}
}

func TestJob_CloneDoesNotShareData(t *testing.T) {
	a := &Job{Group: "g", Name: "n", Data: map[string]any{"k": "v"}}
	b := a.Clone()
	b.Data["k"] = "changed"
	if a.Data["k"] != "v" {
		t.Errorf("Clone shared data map: a.Data[k] = %v", a.Data["k"])
	}
}

func TestEncodeDecodeData(t *testing.T) {
	encoded, err := EncodeData(nil)
	if err != nil || encoded != "{}" {
		t.Fatalf("EncodeData(nil) = %q, %v", encoded, err)
	}

	data, err := DecodeData("")
	if err != nil || len(data) != 0 {
		t.Fatalf("DecodeData(\"\") = %v, %v", data, err)
	}

	if _, err := DecodeData("{not json"); err == nil {
		t.Error("DecodeData() should reject malformed input")
	}
}

func TestJobState_String(t *testing.T) {
	if StateWaiting.String() != "waiting" || StateExecuting.String() != "executing" {
		t.Errorf("unexpected state names %q %q", StateWaiting, StateExecuting)
	}
}
