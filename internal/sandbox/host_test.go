package sandbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hindsightlabs/hindsight/internal/checkpoint"
	"github.com/hindsightlabs/hindsight/internal/frame"
)

func writeSource(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("writeSource: %v", err)
	}
	return path
}

func TestCreateRejectsMalformedSource(t *testing.T) {
	path := writeSource(t, "function process( {{{")
	_, err := Create(CreateConfig{SourcePath: path})
	if !errors.Is(err, BadPlugin) {
		t.Fatalf("expected BadPlugin, got %v", err)
	}
}

func TestInitRunsBeforeProcessObservesItsEffect(t *testing.T) {
	src := `
var ready = false;
function init() { ready = true; }
function process(msg, cp, seq) {
	return ready ? 0 : 9;
}
`
	path := writeSource(t, src)
	h, err := Create(CreateConfig{SourcePath: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	code, err := h.Process(nil, nil, -1)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if code != CodeSent {
		t.Fatalf("expected CodeSent after init, got %v", code)
	}
}

func TestProcessReturnsNamedCodes(t *testing.T) {
	src := `
function process(msg, cp, seq) {
	return msg.Severity;
}
`
	path := writeSource(t, src)
	h, err := Create(CreateConfig{SourcePath: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cases := []struct {
		severity int32
		want     Code
	}{
		{0, CodeSent},
		{-1, CodeBatch},
		{-2, CodeAsync},
		{-3, CodeRetry},
		{-4, CodeFail},
	}
	for _, c := range cases {
		msg := &frame.Message{Uuid: [16]byte{1}, Timestamp: 1, Severity: c.severity}
		code, err := h.Process(msg, nil, -1)
		if err != nil {
			t.Fatalf("Process(severity=%d): %v", c.severity, err)
		}
		if code != c.want {
			t.Errorf("severity=%d: got %v want %v", c.severity, code, c.want)
		}
	}
}

func TestProcessFatalCodeTerminatesHandle(t *testing.T) {
	src := `
function process(msg, cp, seq) { return 1; }
`
	path := writeSource(t, src)
	h, err := Create(CreateConfig{SourcePath: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := &frame.Message{Uuid: [16]byte{1}, Timestamp: 1}
	code, err := h.Process(msg, nil, -1)
	if err == nil {
		t.Fatalf("expected an error terminating the handle")
	}
	if code != CodeFail {
		t.Fatalf("expected CodeFail on fatal return, got %v", code)
	}
	if _, err := h.Process(msg, nil, -1); err == nil {
		t.Fatalf("expected a terminated handle to reject further calls")
	}
}

func TestInjectMessageDeliversToInjector(t *testing.T) {
	src := `
function process(msg, cp, seq) {
	inject_message({
		Uuid: "01020304050607080910111213141516",
		Timestamp: 42,
		Type: "derived",
		Severity: 3,
		Fields: { "count": [1, 2, 3] }
	}, "7:100");
	return 0;
}
`
	path := writeSource(t, src)

	var captured *frame.Message
	var capturedCP checkpoint.Value
	h, err := Create(CreateConfig{
		SourcePath: path,
		Inject: func(msg *frame.Message, cp checkpoint.Value) error {
			captured = msg
			capturedCP = cp
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	msg := &frame.Message{Uuid: [16]byte{1}, Timestamp: 1}
	if _, err := h.Process(msg, nil, -1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if captured == nil {
		t.Fatalf("expected inject_message to deliver a message")
	}
	if captured.Type != "derived" || captured.Timestamp != 42 {
		t.Errorf("unexpected captured message: %+v", captured)
	}
	f, ok := captured.Field("count")
	if !ok || len(f.Values) != 3 {
		t.Fatalf("expected a 3-element count field, got %+v", f)
	}
	id, offset, ok := capturedCP.AsPosition()
	if !ok || id != 7 || offset != 100 {
		t.Errorf("expected checkpoint position 7:100, got %+v", capturedCP)
	}
}

func TestStopInterruptsRunningProcess(t *testing.T) {
	src := `
function process(msg, cp, seq) {
	while (true) {}
}
`
	path := writeSource(t, src)
	h, err := Create(CreateConfig{SourcePath: path})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		msg := &frame.Message{Uuid: [16]byte{1}, Timestamp: 1}
		_, err := h.Process(msg, nil, -1)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected Stop to interrupt the running process call")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Process did not return after Stop")
	}
}

func TestDestroySerializesState(t *testing.T) {
	src := `
var state = { count: 0 };
function init() { state.count = 42; }
`
	path := writeSource(t, src)
	statePath := filepath.Join(t.TempDir(), "plugin.state.json")

	h, err := Create(CreateConfig{SourcePath: path, StatePath: statePath})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := h.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	raw, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("reading serialized state: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decoding serialized state: %v", err)
	}
	if decoded["count"] != float64(42) {
		t.Errorf("expected count=42, got %v", decoded["count"])
	}
}

func TestCreateBindsConfigTable(t *testing.T) {
	src := `
function process(msg, cp, seq) {
	return config.threshold === 5 ? 0 : 9;
}
`
	path := writeSource(t, src)
	h, err := Create(CreateConfig{SourcePath: path, Config: []byte(`{"threshold": 5}`)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := &frame.Message{Uuid: [16]byte{1}, Timestamp: 1}
	code, err := h.Process(msg, nil, -1)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if code != CodeSent {
		t.Fatalf("expected the config table to be visible to the plugin, got %v", code)
	}
}
