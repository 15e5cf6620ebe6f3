package fs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteReportRoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "exports")
	exporter, err := NewExporter(root)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	if _, err := os.Stat(exporter.Root()); err != nil {
		t.Fatalf("export root missing: %v", err)
	}

	payload := []byte(`{"run_id":"r1"}`)
	path, err := exporter.WriteReport("r1", payload)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	if !strings.HasPrefix(path, exporter.Root()) {
		t.Fatalf("path=%s escapes root=%s", path, exporter.Root())
	}
	if !strings.HasSuffix(path, "r1.json") {
		t.Fatalf("path=%s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("data=%s want=%s", data, payload)
	}
}

func TestWriteReportRejectsUnsafeIDs(t *testing.T) {
	exporter, err := NewExporter(t.TempDir())
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	for _, id := range []string{"", "  ", "a/b", "../escape", "..", `..\escape`, "nested/../x"} {
		if _, err := exporter.WriteReport(id, []byte(`{}`)); !errors.Is(err, ErrInvalidReportID) {
			t.Fatalf("id=%q err=%v want=%v", id, err, ErrInvalidReportID)
		}
	}
}
