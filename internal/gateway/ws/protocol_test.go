package ws

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshal_RequestFrame(t *testing.T) {
	params, _ := json.Marshal(RunParams{RunID: "run-1", StepID: "step_2"})
	orig := Frame{
		Type:   FrameTypeRequest,
		ID:     "req-1",
		Method: string(MethodApproveRun),
		Params: params,
	}

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if got.Type != FrameTypeRequest {
		t.Fatalf("expected type %q, got %q", FrameTypeRequest, got.Type)
	}
	if got.Method != string(MethodApproveRun) {
		t.Fatalf("expected method %q, got %q", MethodApproveRun, got.Method)
	}

	var p RunParams
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.RunID != "run-1" || p.StepID != "step_2" {
		t.Fatalf("unexpected params %+v", p)
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("step.started", "run-42", map[string]string{"step_id": "s1"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, f.Type)
	}
	if f.Event != "step.started" {
		t.Fatalf("expected event %q, got %q", "step.started", f.Event)
	}
	if f.RunID != "run-42" {
		t.Fatalf("expected run_id %q, got %q", "run-42", f.RunID)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["step_id"] != "s1" {
		t.Fatalf("expected payload.step_id %q, got %q", "s1", p["step_id"])
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "run not found")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "run not found" {
		t.Fatalf("expected error %q, got %q", "run not found", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}
