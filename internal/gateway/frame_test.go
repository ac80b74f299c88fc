package gateway

import (
	"encoding/json"
	"testing"
)

func TestNewHelloFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHelloFrame(45000)
	if err != nil {
		t.Fatalf("NewHelloFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHello {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHello)
	}
	if f.Seq != nil {
		t.Errorf("Seq = %v, want nil", f.Seq)
	}

	var hello HelloData
	if err := json.Unmarshal(f.Data, &hello); err != nil {
		t.Fatalf("unmarshal hello data: %v", err)
	}
	if hello.HeartbeatIntervalMS != 45000 {
		t.Errorf("HeartbeatIntervalMS = %d, want 45000", hello.HeartbeatIntervalMS)
	}
}

func TestNewHeartbeatACKFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewHeartbeatACKFrame()
	if err != nil {
		t.Fatalf("NewHeartbeatACKFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeHeartbeatACK {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeHeartbeatACK)
	}
	if len(f.Data) != 0 {
		t.Errorf("Data = %s, want empty", f.Data)
	}
}

func TestNewEnvelopeReadyFrame(t *testing.T) {
	t.Parallel()

	raw, err := NewEnvelopeReadyFrame(7, EnvelopeReadyData{PendingCount: 3})
	if err != nil {
		t.Fatalf("NewEnvelopeReadyFrame() error = %v", err)
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Op != OpcodeEnvelopeReady {
		t.Errorf("Op = %d, want %d", f.Op, OpcodeEnvelopeReady)
	}
	if f.Seq == nil || *f.Seq != 7 {
		t.Errorf("Seq = %v, want 7", f.Seq)
	}

	var data EnvelopeReadyData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatalf("unmarshal envelope ready data: %v", err)
	}
	if data.PendingCount != 3 {
		t.Errorf("PendingCount = %d, want 3", data.PendingCount)
	}
}

func TestControlFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func() ([]byte, error)
		op    Opcode
	}{
		{"reconnect", NewReconnectFrame, OpcodeReconnect},
		{"invalid session", NewInvalidSessionFrame, OpcodeInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := tt.build()
			if err != nil {
				t.Fatalf("build frame: %v", err)
			}
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if f.Op != tt.op {
				t.Errorf("Op = %d, want %d", f.Op, tt.op)
			}
		})
	}
}

func TestIdentifyDataRoundTrip(t *testing.T) {
	t.Parallel()

	id := IdentifyData{
		ClientHandle:    "handle-1",
		TimestampMS:     1700000000000,
		Nonce:           "n-1",
		Signature:       "deadbeef",
		ResumeSessionID: "sess-1",
		ResumeSeq:       9,
	}
	raw, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got IdentifyData
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != id {
		t.Errorf("round trip = %+v, want %+v", got, id)
	}
}
