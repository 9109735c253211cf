package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func initTest(t *testing.T, s Settings) string {
	t.Helper()
	dir := t.TempDir()
	s.Dir = dir
	if err := Initialize(s); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(CloseAll)
	return dir
}

func readAll(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var sb strings.Builder
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatal(err)
		}
		sb.Write(data)
	}
	return sb.String()
}

func TestDebugModeWritesInfo(t *testing.T) {
	dir := initTest(t, Settings{DebugMode: true, Level: "debug"})

	Tick("tick fired for mode %s", "reflection")
	Get(CategoryGate).Debug("tier %d consulted", 1)
	CloseAll()

	out := readAll(t, dir)
	if !strings.Contains(out, "tick fired for mode reflection") {
		t.Error("info line missing in debug mode")
	}
	if !strings.Contains(out, "tier 1 consulted") {
		t.Error("debug line missing in debug mode")
	}
}

func TestProductionModeKeepsErrors(t *testing.T) {
	dir := initTest(t, Settings{DebugMode: false, Level: "info"})

	Outbox("drained message %d", 7)
	Get(CategoryOutbox).Error("claim failed: %v", os.ErrPermission)
	CloseAll()

	out := readAll(t, dir)
	if strings.Contains(out, "drained message 7") {
		t.Error("info line written without debug mode")
	}
	if !strings.Contains(out, "claim failed") {
		t.Error("error line must always be written")
	}
}

func TestDisabledCategoryIsNoop(t *testing.T) {
	dir := initTest(t, Settings{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"watch": false},
	})

	Watch("trigger observed at %s", "data/triggers/x")
	CloseAll()

	if out := readAll(t, dir); strings.Contains(out, "trigger observed") {
		t.Error("disabled category wrote to disk")
	}
}

func TestJSONFormat(t *testing.T) {
	dir := initTest(t, Settings{DebugMode: true, Level: "info", JSONFormat: true})

	GateLog("verdict recorded")
	CloseAll()

	out := readAll(t, dir)
	if !strings.Contains(out, `"cat":"gate"`) || !strings.Contains(out, `"msg":"verdict recorded"`) {
		t.Errorf("expected structured entry, got: %s", out)
	}
}
