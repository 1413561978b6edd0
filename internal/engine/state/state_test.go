package state

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestServiceStatus_String(t *testing.T) {
	tests := []struct {
		status   ServiceStatus
		expected string
	}{
		{ServiceLoading, "loading"},
		{ServiceRunning, "running"},
		{ServiceShuttingDown, "shutting-down"},
		{ServiceDied, "died"},
		{ServiceStatus(42), "service-status(42)"},
	}

	for _, tc := range tests {
		if got := tc.status.String(); got != tc.expected {
			t.Errorf("ServiceStatus(%d).String() = %q, want %q", tc.status, got, tc.expected)
		}
	}
}

func TestParseServiceStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected ServiceStatus
		wantErr  bool
	}{
		{"loading", ServiceLoading, false},
		{"running", ServiceRunning, false},
		{"shutting-down", ServiceShuttingDown, false},
		{"shutting_down", ServiceShuttingDown, false},
		{"died", ServiceDied, false},
		{"bogus", ServiceLoading, true},
	}

	for _, tc := range tests {
		got, err := ParseServiceStatus(tc.input)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseServiceStatus(%q) err = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if got != tc.expected {
			t.Errorf("ParseServiceStatus(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestServiceStatus_JSON(t *testing.T) {
	data, err := json.Marshal(ServiceShuttingDown)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"shutting-down"` {
		t.Errorf("Marshal = %s, want \"shutting-down\"", data)
	}

	var parsed ServiceStatus
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if parsed != ServiceShuttingDown {
		t.Errorf("Unmarshal = %v, want %v", parsed, ServiceShuttingDown)
	}

	if err := json.Unmarshal([]byte(`"zombie"`), &parsed); err == nil {
		t.Error("Unmarshal of unknown status should fail")
	}
}

func TestCanTransitionService(t *testing.T) {
	valid := [][2]ServiceStatus{
		{ServiceLoading, ServiceRunning},
		{ServiceLoading, ServiceDied},
		{ServiceRunning, ServiceShuttingDown},
		{ServiceShuttingDown, ServiceDied},
	}
	for _, tr := range valid {
		if !CanTransitionService(tr[0], tr[1]) {
			t.Errorf("CanTransitionService(%s, %s) = false, want true", tr[0], tr[1])
		}
	}

	invalid := [][2]ServiceStatus{
		{ServiceRunning, ServiceLoading},
		{ServiceRunning, ServiceDied},
		{ServiceShuttingDown, ServiceRunning},
		{ServiceDied, ServiceLoading},
		{ServiceDied, ServiceRunning},
		{ServiceLoading, ServiceShuttingDown},
	}
	for _, tr := range invalid {
		if CanTransitionService(tr[0], tr[1]) {
			t.Errorf("CanTransitionService(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestCanTransitionEngine(t *testing.T) {
	if !CanTransitionEngine(EngineStarting, EngineRunning) {
		t.Error("starting -> running should be valid")
	}
	if !CanTransitionEngine(EngineRunning, EngineShuttingDown) {
		t.Error("running -> shutting-down should be valid")
	}
	if CanTransitionEngine(EngineRunning, EngineStarting) {
		t.Error("running -> starting should be invalid")
	}
	if CanTransitionEngine(EngineShuttingDown, EngineRunning) {
		t.Error("shutting-down -> running should be invalid")
	}

	for _, from := range []EngineStatus{EngineStarting, EngineRunning, EngineShuttingDown} {
		if !CanTransitionEngine(from, EngineDied) {
			t.Errorf("%s -> died should be valid", from)
		}
	}
	if CanTransitionEngine(EngineDied, EngineDied) {
		t.Error("died is terminal")
	}
}

func TestEngineStatus_Predicates(t *testing.T) {
	if !EngineDied.IsTerminal() {
		t.Error("EngineDied.IsTerminal() = false")
	}
	if EngineRunning.IsTerminal() {
		t.Error("EngineRunning.IsTerminal() = true")
	}
	if !EngineRunning.IsHealthy() {
		t.Error("EngineRunning.IsHealthy() = false")
	}
	if EngineStarting.IsHealthy() {
		t.Error("EngineStarting.IsHealthy() = true")
	}
}

func TestTransitionError(t *testing.T) {
	err := error(NewTransitionError(ServiceDied, ServiceRunning))
	want := "invalid state transition: died -> running"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	var te TransitionError
	if !errors.As(err, &te) {
		t.Fatal("errors.As should match TransitionError")
	}
	if !errors.Is(err, ErrInvalidTransition) {
		t.Error("errors.Is should match ErrInvalidTransition")
	}
}
