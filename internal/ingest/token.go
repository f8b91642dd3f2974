// Package ingest is the HTTP front door: it authenticates hook posts,
// assigns importance, and appends events to the durable queue. It never
// processes events itself; backpressure is the only coupling to the
// pipeline.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"kait/internal/logging"
	"kait/internal/types"
)

const tokenFile = "kaitd.token"

// LoadToken resolves the bearer token: KAITD_TOKEN wins, then the token
// file under the data root. A missing token file is generated with 0600
// permissions so hooks on the same machine can read it.
func LoadToken(dataRoot string) (string, error) {
	if tok := strings.TrimSpace(os.Getenv("KAITD_TOKEN")); tok != "" {
		return tok, nil
	}

	path := filepath.Join(dataRoot, tokenFile)
	data, err := os.ReadFile(path)
	if err == nil {
		tok := strings.TrimSpace(string(data))
		if tok == "" {
			return "", fmt.Errorf("token file %s is empty: %w", path, types.ErrFatal)
		}
		return tok, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %v: %w", err, types.ErrFatal)
	}

	tok := uuid.NewString()
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return "", fmt.Errorf("create data root: %v: %w", err, types.ErrFatal)
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %v: %w", err, types.ErrFatal)
	}
	logging.Ingest("generated bearer token at %s", path)
	return tok, nil
}
