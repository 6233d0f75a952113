package workflow

import (
	"context"
	"encoding/json"
	"path"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sitegen/internal/objectstore"
)

// Artifact names, relative to the instance prefix.
const (
	ArtifactIndex    = "index.html"
	ArtifactPrivacy  = "privacy.html"
	ArtifactTerms    = "terms.html"
	ArtifactResearch = "research.json"
	manifestName     = "manifest.json"
)

// ArtifactNames lists what every published instance writes, in upload order.
var ArtifactNames = []string{ArtifactIndex, ArtifactPrivacy, ArtifactTerms, ArtifactResearch}

// Manifest points a site at its current version.
type Manifest struct {
	SiteID      string            `json:"site_id"`
	Version     string            `json:"version"`
	Pages       map[string]string `json:"pages"`
	Quality     float64           `json:"quality"`
	Regenerated bool              `json:"regenerated"`
	PublishedAt time.Time         `json:"published_at"`
}

// InstancePrefix is the key prefix of one instance's artifacts.
func InstancePrefix(siteID, instanceID string) string {
	return path.Join("sites", siteID, instanceID)
}

// ManifestKey is the key of a site's manifest.
func ManifestKey(siteID string) string {
	return path.Join("sites", siteID, manifestName)
}

// uploadReceipt is the cached result of the upload step.
type uploadReceipt struct {
	Keys        []string  `json:"keys"`
	ManifestKey string    `json:"manifest_key"`
	PublishedAt time.Time `json:"published_at"`
}

// writeArtifacts uploads every page, the research snapshot, and finally
// the manifest so readers never see a manifest pointing at missing pages.
func writeArtifacts(ctx context.Context, store objectstore.Store, siteID, instanceID string, pages map[string][]byte, manifest Manifest) (uploadReceipt, error) {
	prefix := InstancePrefix(siteID, instanceID)
	receipt := uploadReceipt{PublishedAt: manifest.PublishedAt}
	manifest.Pages = make(map[string]string, len(ArtifactNames))

	for _, name := range ArtifactNames {
		content, ok := pages[name]
		if !ok {
			return uploadReceipt{}, eris.Errorf("workflow: missing artifact %s", name)
		}
		key := path.Join(prefix, name)
		if err := store.Put(ctx, key, content, objectstore.ContentType(name)); err != nil {
			return uploadReceipt{}, eris.Wrapf(err, "workflow: upload %s", name)
		}
		receipt.Keys = append(receipt.Keys, key)
		manifest.Pages[name] = key
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return uploadReceipt{}, eris.Wrap(err, "workflow: encode manifest")
	}
	receipt.ManifestKey = ManifestKey(siteID)
	if err := store.Put(ctx, receipt.ManifestKey, body, objectstore.ContentType(manifestName)); err != nil {
		return uploadReceipt{}, eris.Wrap(err, "workflow: upload manifest")
	}
	return receipt, nil
}
