// Package evidence writes screenshot and audit images under a per-lead
// directory.
package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Store writes PNG files to <dir>/<leadID>/<name>.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Write stores png and returns the file path.
func (s *Store) Write(leadID, name string, png []byte) (string, error) {
	if leadID == "" || strings.ContainsAny(leadID, `/\`) || leadID == ".." {
		return "", eris.Errorf("evidence: invalid lead id %q", leadID)
	}
	if name == "" || filepath.Base(name) != name {
		return "", eris.Errorf("evidence: invalid file name %q", name)
	}

	leadDir := filepath.Join(s.dir, leadID)
	if err := os.MkdirAll(leadDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "evidence: create dir %s", leadDir)
	}

	path := filepath.Join(leadDir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", eris.Wrapf(err, "evidence: write %s", path)
	}
	return path, nil
}

// ScreenshotName is the file name for a viewport capture taken at ts.
func ScreenshotName(ts time.Time, viewport string) string {
	return fmt.Sprintf("%d-%s.png", ts.UnixMilli(), viewport)
}

// UxAuditName is the file name for a mobile UX audit evidence image.
func UxAuditName(ts time.Time) string {
	return fmt.Sprintf("ux_audit_%d_mobile.png", ts.UnixMilli())
}

// Read loads a previously written file.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read %s", path)
	}
	return data, nil
}
