// Package history stores request and response records as one JSON file per
// record. Files are written to a temp name first and renamed into place, so a
// reader never sees a partial record.
package history

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relay-api/internal/shared"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tempPattern = "temp-*.json"

var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"X-Api-Key":           true,
}

type Store struct {
	Dir string
	Log *zap.SugaredLogger

	now    func() time.Time
	rename func(oldpath, newpath string) error
}

func NewStore(dir string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir %q: %w", dir, err)
	}
	return &Store{Dir: dir, Log: log, now: time.Now, rename: os.Rename}, nil
}

// Save writes record as <timestamp>_<kind>_<uuid>.json and returns the path.
func (s *Store) Save(kind string, record any) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.json", s.now().Format(shared.HistoryTimeFormat), kind, uuid.NewString())
	final := filepath.Join(s.Dir, name)

	tmp, err := os.CreateTemp(s.Dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	err = enc.Encode(record)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write history record: %w", err)
	}

	if err := s.rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to move history record into place: %w", err)
	}
	s.Log.Debugw("Saved history record", "kind", kind, "file", name)
	return final, nil
}

// RedactHeaders returns a copy of h with credentials masked.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for key, values := range out {
		if !sensitiveHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = maskCredential(v)
		}
		out[key] = masked
	}
	return out
}

// maskCredential keeps the auth scheme and the last four characters.
func maskCredential(v string) string {
	scheme, token, found := strings.Cut(v, " ")
	if !found {
		token, scheme = v, ""
	}
	masked := "[REDACTED]"
	if len(token) > 12 {
		masked = "..." + token[len(token)-4:]
	}
	if scheme != "" {
		return scheme + " " + masked
	}
	return masked
}

// IsHistoryFile reports whether name looks like a completed record.
func IsHistoryFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, "temp-")
}
