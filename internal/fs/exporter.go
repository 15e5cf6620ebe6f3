package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidReportID = errors.New("report id is not a valid file name")

// Exporter writes run reports as JSON files under a fixed root directory.
// Report ids are jailed to the root so a crafted id cannot escape it.
type Exporter struct {
	root string
}

func NewExporter(root string) (*Exporter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve export root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}
	return &Exporter{root: absRoot}, nil
}

func (e *Exporter) Root() string { return e.root }

func (e *Exporter) WriteReport(reportID string, data []byte) (string, error) {
	path, err := e.resolve(reportID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func (e *Exporter) resolve(reportID string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(reportID), "\\", "/")
	if normalized == "" || strings.Contains(normalized, "/") || strings.Contains(normalized, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidReportID, reportID)
	}
	abs := filepath.Clean(filepath.Join(e.root, normalized+".json"))
	rel, err := filepath.Rel(e.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve report path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes export root", ErrInvalidReportID)
	}
	return abs, nil
}
