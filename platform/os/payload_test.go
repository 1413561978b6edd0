package os

import (
	"encoding/json"
	"testing"
)

func TestNewPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "nil", in: nil, want: "null"},
		{name: "map", in: map[string]string{"status": "ok"}, want: `{"status":"ok"}`},
		{name: "raw message", in: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "bytes", in: []byte(`[1,2]`), want: `[1,2]`},
		{name: "empty bytes", in: []byte{}, want: "null"},
		{name: "invalid bytes", in: []byte(`{nope`), wantErr: true},
		{name: "unmarshalable", in: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPayload(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NewPayload(%v) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPayload() error: %v", err)
			}
			if p.String() != tt.want {
				t.Errorf("NewPayload() = %s, want %s", p, tt.want)
			}
		})
	}
}

func TestNewPayload_CopiesInput(t *testing.T) {
	raw := []byte(`{"n":1}`)
	p, err := NewPayload(raw)
	if err != nil {
		t.Fatalf("NewPayload() error: %v", err)
	}
	raw[5] = '9'
	if p.Get("n").Int() != 1 {
		t.Errorf("payload shares memory with input: %s", p)
	}
}

func TestPayload_GetAndDecode(t *testing.T) {
	p := MustPayload(map[string]any{"status": "ok", "items": []int{4, 5}})

	if got := p.Get("status").String(); got != "ok" {
		t.Errorf("Get(status) = %q, want ok", got)
	}
	if got := p.Get("items.1").Int(); got != 5 {
		t.Errorf("Get(items.1) = %d, want 5", got)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := p.Decode(&out); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if out.Status != "ok" {
		t.Errorf("Decode().Status = %q, want ok", out.Status)
	}
}

func TestPayload_EmbedsInEvent(t *testing.T) {
	ev := Event{Publisher: "pong", Name: "pong.ready", Payload: MustPayload(map[string]string{"status": "ok"})}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if back.Payload.Get("status").String() != "ok" {
		t.Errorf("payload lost in round trip: %s", data)
	}
}
