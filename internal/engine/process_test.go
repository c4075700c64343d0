package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const helperEnv = "TUMORSCAN_WANT_HELPER_PROCESS"

// TestHelperProcess is re-executed by the tests below as a stub engine.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no helper mode")
		os.Exit(2)
	}

	input, _ := io.ReadAll(os.Stdin)
	switch args[0] {
	case "tumor":
		fmt.Print(`{"result":"Tumor Detected","confidence":0.92}`)
	case "warning":
		fmt.Fprint(os.Stderr, "disable_eager_execution warning")
		fmt.Print(`{"result":"No Tumor Detected","confidence":0.5}`)
		os.Exit(1)
	case "oom":
		fmt.Fprint(os.Stderr, "fatal: out of memory")
		os.Exit(1)
	case "notjson":
		fmt.Print("not json")
	case "echo":
		os.Stdout.Write(input)
	case "sleep":
		time.Sleep(time.Minute)
	case "flood":
		chunk := bytes.Repeat([]byte("x"), 4096)
		for {
			if _, err := os.Stdout.Write(chunk); err != nil {
				os.Exit(1)
			}
		}
	}
}

func helperTransport(mode string, opts ...Option) *ProcessTransport {
	cmd := Command{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--", mode},
		Env:  []string{helperEnv + "=1"},
	}
	return NewProcessTransport(cmd, opts...)
}

func TestProcessTransportSuccess(t *testing.T) {
	outcome, err := helperTransport("tumor").Invoke(context.Background(), map[string]string{"image": "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	var result struct {
		Result     string  `json:"result"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(outcome.Payload, &result); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if result.Result != "Tumor Detected" || result.Confidence != 0.92 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if outcome.Duration <= 0 {
		t.Fatal("expected duration to be recorded")
	}
}

func TestProcessTransportToleratedWarning(t *testing.T) {
	transport := helperTransport("warning", WithToleratedWarnings(DefaultToleratedWarnings))
	outcome, err := transport.Invoke(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("expected tolerated success, got %v", err)
	}
	if !outcome.Tolerated || outcome.ExitCode != 1 {
		t.Fatalf("expected tolerated exit 1, got tolerated=%v exit=%d", outcome.Tolerated, outcome.ExitCode)
	}
	if !strings.Contains(string(outcome.Payload), "No Tumor Detected") {
		t.Fatalf("unexpected payload: %s", outcome.Payload)
	}
}

func TestProcessTransportWarningWithoutAllowListFails(t *testing.T) {
	_, err := helperTransport("warning").Invoke(context.Background(), map[string]string{})
	if KindOf(err) != KindExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestProcessTransportExecutionError(t *testing.T) {
	_, err := helperTransport("oom", WithToleratedWarnings(DefaultToleratedWarnings)).Invoke(context.Background(), map[string]string{})
	var engErr *Error
	if !errors.As(err, &engErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if engErr.Kind != KindExecution || engErr.Message != "fatal: out of memory" {
		t.Fatalf("unexpected error: kind=%s message=%q", engErr.Kind, engErr.Message)
	}
}

func TestProcessTransportParseError(t *testing.T) {
	_, err := helperTransport("notjson").Invoke(context.Background(), map[string]string{})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	if engErr.Excerpt != "not json" {
		t.Fatalf("unexpected excerpt %q", engErr.Excerpt)
	}
}

func TestProcessTransportEchoPreservesRawPredictions(t *testing.T) {
	request := map[string]any{
		"image": "data:image/jpeg;base64,/9j/",
		"rawPredictions": map[string]any{
			"labels":              []string{"glioma", "meningioma", "notumor", "pituitary"},
			"probabilities":       []float64{0.7, 0.1, 0.15, 0.05},
			"predictedClassIndex": 0,
		},
	}
	outcome, err := helperTransport("echo").Invoke(context.Background(), request)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	var echoed struct {
		RawPredictions struct {
			Labels        []string  `json:"labels"`
			Probabilities []float64 `json:"probabilities"`
		} `json:"rawPredictions"`
	}
	if err := json.Unmarshal(outcome.Payload, &echoed); err != nil {
		t.Fatalf("failed to decode echo: %v", err)
	}
	if len(echoed.RawPredictions.Labels) != 4 || len(echoed.RawPredictions.Labels) != len(echoed.RawPredictions.Probabilities) {
		t.Fatalf("labels/probabilities lengths not preserved: %+v", echoed.RawPredictions)
	}
}

func TestProcessTransportSpawnError(t *testing.T) {
	transport := NewProcessTransport(Command{Path: filepath.Join(t.TempDir(), "missing-engine")})
	_, err := transport.Invoke(context.Background(), map[string]string{})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindSpawn {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if !strings.HasPrefix(engErr.Message, "failed to start process: ") {
		t.Fatalf("unexpected message %q", engErr.Message)
	}
}

func TestProcessTransportMissingScript(t *testing.T) {
	transport := NewProcessTransport(Command{Path: os.Args[0], Script: filepath.Join(t.TempDir(), "model_predictor.py")})
	_, err := transport.Invoke(context.Background(), map[string]string{})
	if KindOf(err) != KindSpawn {
		t.Fatalf("expected spawn error, got %v", err)
	}
}

func TestProcessTransportTimeoutKillsEngine(t *testing.T) {
	start := time.Now()
	_, err := helperTransport("sleep", WithTimeout(200*time.Millisecond)).Invoke(context.Background(), map[string]string{})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("engine was not killed promptly: %s", elapsed)
	}
}

func TestProcessTransportOutputLimit(t *testing.T) {
	_, err := helperTransport("flood", WithOutputLimit(64<<10)).Invoke(context.Background(), map[string]string{})
	if KindOf(err) != KindOutputLimit {
		t.Fatalf("expected output limit error, got %v", err)
	}
}

func TestProcessTransportRejectsUnencodableRequest(t *testing.T) {
	_, err := helperTransport("echo").Invoke(context.Background(), map[string]any{"bad": make(chan int)})
	if KindOf(err) != KindInvalidPayload {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestLimitedBufferStopsAtLimit(t *testing.T) {
	overflowed := false
	buf := &limitedBuffer{limit: 4, overflow: func() { overflowed = true }}
	if n, err := buf.Write([]byte("ab")); n != 2 || err != nil {
		t.Fatalf("unexpected write result %d %v", n, err)
	}
	if n, err := buf.Write([]byte("cdef")); n != 2 || !errors.Is(err, errOutputLimit) {
		t.Fatalf("unexpected overflow result %d %v", n, err)
	}
	if !overflowed || buf.String() != "abcd" {
		t.Fatalf("unexpected buffer state overflowed=%v content=%q", overflowed, buf.String())
	}
}
