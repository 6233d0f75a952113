// Package objectstore persists generated site artifacts.
package objectstore

import (
	"context"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = eris.New("objectstore: not found")

// Store writes and reads whole objects by key. Put overwrites.
type Store interface {
	Put(ctx context.Context, key string, content []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// CleanKey normalizes a slash-separated key and rejects keys that would
// escape the store root.
func CleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." {
		return "", eris.Errorf("objectstore: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", eris.Errorf("objectstore: key %q escapes root", key)
		}
	}
	return k, nil
}

// ContentType guesses the MIME type for a site artifact.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".css":
		return "text/css; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
