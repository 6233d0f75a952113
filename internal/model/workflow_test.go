package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		want     string
		terminal bool
	}{
		{StatusCollecting, "collecting", false},
		{StatusGenerating, "generating", false},
		{StatusUploading, "uploading", false},
		{StatusPublished, "published", true},
		{StatusError, "error", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestParams_JSONFieldNames(t *testing.T) {
	t.Parallel()

	raw := `{
		"siteId": "site-1",
		"orgId": "org-1",
		"businessName": "Acme Bakery",
		"businessPhone": "555-0100",
		"externalPlaceId": "place-9",
		"uploadedAssetRefs": [{"kind": "logo", "url": "s3://bucket/logo.png"}]
	}`

	var p Params
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, "site-1", p.SiteID)
	assert.Equal(t, "org-1", p.OrgID)
	assert.Equal(t, "Acme Bakery", p.BusinessName)
	assert.Equal(t, "place-9", p.ExternalPlaceID)
	require.Len(t, p.UploadedAssets, 1)
	assert.Equal(t, AssetLogo, p.UploadedAssets[0].Kind)
}

func TestQualityScore_OmitsFlagsWhenUnset(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(QualityScore{Overall: 0.8})
	require.NoError(t, err)
	assert.JSONEq(t, `{"overall":0.8}`, string(raw))
}
