package logger

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWorkerWritersWithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.WorkerWriters("tts-worker")
	if err != nil {
		t.Fatalf("WorkerWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, name := range []string{"tts-worker.stdout.log", "tts-worker.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
}

func TestWorkerWritersExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Dir:        dir,
		StdoutPath: filepath.Join(dir, "custom-out.log"),
		StderrPath: filepath.Join(dir, "custom-err.log"),
	}
	outW, errW, err := cfg.WorkerWriters("tts-worker")
	if err != nil {
		t.Fatalf("WorkerWriters error: %v", err)
	}
	_, _ = outW.Write([]byte("x"))
	_, _ = errW.Write([]byte("y"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "custom-out.log")); err != nil {
		t.Fatalf("explicit stdout path not honored: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tts-worker.stdout.log")); err == nil {
		t.Fatalf("derived path should not be used when explicit path is set")
	}
}

func TestWorkerWritersEmptyConfig(t *testing.T) {
	outW, errW, err := Config{}.WorkerWriters("tts-worker")
	if err != nil {
		t.Fatalf("WorkerWriters error: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers for empty config")
	}
}
