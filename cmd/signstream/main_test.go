package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/signstream/pkg/devserver"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/providers/mock"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath, envFile, logLevel, probeBatch, replayDir = "", "", "", "", ""
		replayNoSubmit = false
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProbeTranslatesBatch(t *testing.T) {
	dev, err := devserver.New(devserver.Config{}, nil)
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	srv := httptest.NewServer(dev.Handler())
	defer srv.Close()

	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("SIGNSTREAM_SERVICE_BASE_URL="+srv.URL+"\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SIGNSTREAM_SERVICE_BASE_URL") })

	frames := make([]landmarks.FrameRecord, 20)
	for i := range frames {
		frames[i] = landmarks.FrameRecord{Timestamp: int64(i), SequenceIndex: i, RightHand: mock.Fist(0.5, 0.6)}
	}
	b, _ := json.Marshal(landmarks.Batch{Frames: frames})
	batchPath := filepath.Join(dir, "batch.json")
	if err := os.WriteFile(batchPath, b, 0o600); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	out, err := execute(t, "probe", "--env-file", envPath, "--log-level", "error", "--batch", batchPath)
	if err != nil {
		t.Fatalf("probe: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok") || !strings.Contains(out, "translation: WAIT") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestProbeFailsOnMissingEnvFile(t *testing.T) {
	if _, err := execute(t, "probe", "--env-file", filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for a missing env file")
	}
}

func TestReplayTranslatesFrameDirectory(t *testing.T) {
	dev, err := devserver.New(devserver.Config{}, nil)
	if err != nil {
		t.Fatalf("devserver: %v", err)
	}
	srv := httptest.NewServer(dev.Handler())
	defer srv.Close()

	dir := t.TempDir()
	frames := filepath.Join(dir, "frames")
	if err := os.Mkdir(frames, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"0001.jpg", "0002.jpg", "0003.jpg", ".hidden"} {
		if err := os.WriteFile(filepath.Join(frames, name), []byte{0xff, 0xd8}, 0o600); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	env := strings.Join([]string{
		"SIGNSTREAM_SERVICE_BASE_URL=" + srv.URL,
		"SIGNSTREAM_DETECTOR_PROVIDER=mock",
		"SIGNSTREAM_STREAM_BATCH_SIZE=2",
	}, "\n")
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte(env+"\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("SIGNSTREAM_SERVICE_BASE_URL")
		os.Unsetenv("SIGNSTREAM_DETECTOR_PROVIDER")
		os.Unsetenv("SIGNSTREAM_STREAM_BATCH_SIZE")
	})

	out, err := execute(t, "replay", "--env-file", envPath, "--log-level", "error", "--dir", frames)
	if err != nil {
		t.Fatalf("replay: %v\n%s", err, out)
	}
	for _, want := range []string{"batch 1: 2 frames: HELLO", "batch 2: 1 frames: HELLO"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
	if strings.Contains(out, "batch 3") {
		t.Fatalf("hidden files must not be replayed: %q", out)
	}
}

func TestReplayRequiresDir(t *testing.T) {
	if _, err := execute(t, "replay", "--log-level", "error"); err == nil {
		t.Fatalf("expected error without --dir")
	}
}
