package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesArtifacts(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-1", SessionMeta{SessionID: "sess-1", Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(filepath.Join(w.Dir(), "transcript.log")); err != nil {
		t.Fatalf("transcript.log missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), "session.json")); err != nil {
		t.Fatalf("session.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.Dir(), "state.json")); err != nil {
		t.Fatalf("state.json missing: %v", err)
	}
}

func TestTranscriptIsAppendOnly(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-2", SessionMeta{SessionID: "sess-2"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	w.AppendTranscript([]byte("hello "))
	w.AppendTranscript([]byte("world"))

	data, err := os.ReadFile(filepath.Join(w.Dir(), "transcript.log"))
	if err != nil {
		t.Fatalf("read transcript.log: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("transcript.log = %q, want %q", data, "hello world")
	}
}

func TestInteractionLogRecordsStatusAndOutput(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-3", SessionMeta{SessionID: "sess-3"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	w.AppendInteraction("ready", "echo hi", "hi")

	data, err := os.ReadFile(filepath.Join(w.Dir(), "interaction.log"))
	if err != nil {
		t.Fatalf("read interaction.log: %v", err)
	}
	if !strings.Contains(string(data), "status=ready") {
		t.Fatalf("interaction.log missing status: %q", data)
	}
	if !strings.Contains(string(data), `"echo hi"`) {
		t.Fatalf("interaction.log missing quoted input: %q", data)
	}
}

func TestWriteSessionMetaIsAtomic(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-4", SessionMeta{SessionID: "sess-4", Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if err := w.WriteSessionMeta(SessionMeta{SessionID: "sess-4", PID: 1234, Rows: 24, Cols: 80}); err != nil {
		t.Fatalf("WriteSessionMeta: %v", err)
	}

	entries, err := os.ReadDir(w.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}

	meta, err := ReadSessionMeta(w.Dir())
	if err != nil {
		t.Fatalf("ReadSessionMeta: %v", err)
	}
	if meta.PID != 1234 {
		t.Fatalf("PID = %d, want 1234", meta.PID)
	}
}

func TestMarkEndedSetsEndTime(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-6", SessionMeta{SessionID: "sess-6", PID: 42, Rows: 24, Cols: 80})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	before, err := ReadSessionMeta(w.Dir())
	if err != nil {
		t.Fatalf("ReadSessionMeta: %v", err)
	}
	if before.EndTime != "" {
		t.Fatalf("end_time = %q before MarkEnded, want empty", before.EndTime)
	}

	w.MarkEnded()

	after, err := ReadSessionMeta(w.Dir())
	if err != nil {
		t.Fatalf("ReadSessionMeta: %v", err)
	}
	if after.EndTime == "" {
		t.Fatal("end_time still empty after MarkEnded")
	}
	if after.PID != 42 {
		t.Fatalf("PID = %d after MarkEnded, want 42 (unrelated fields must survive)", after.PID)
	}
}

func TestActivePointerLifecycle(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())
	w, err := Open("sess-5", SessionMeta{SessionID: "sess-5"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	ptrPath := filepath.Join(os.Getenv("PILOTY_HOME"), "active", "sess-5")
	if _, err := os.Stat(ptrPath); err != nil {
		t.Fatalf("active pointer missing: %v", err)
	}

	w.RemoveActivePointer()
	if _, err := os.Stat(ptrPath); !os.IsNotExist(err) {
		t.Fatalf("active pointer still present after removal: %v", err)
	}
}
