package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUploadUnderQuota(t *testing.T) {
	// Anything goes while the quota is not reached.
	assert.True(t, Upload(false, 0, false, false))
	assert.True(t, Upload(false, 1<<30, true, false))
	assert.True(t, Upload(false, -5, false, true))
}

func TestUploadBlockDeniedWhenQuotaReached(t *testing.T) {
	assert.False(t, Upload(true, 1, true, false))
	assert.False(t, Upload(true, 1, true, true))
	assert.False(t, Upload(true, MetafileThreshold-1, true, true))
}

func TestUploadMetafileGrace(t *testing.T) {
	// Overwrites of small meta-files are admitted even over quota.
	assert.True(t, Upload(true, MetafileThreshold-1, false, true))
	assert.False(t, Upload(true, MetafileThreshold, false, true))
	assert.False(t, Upload(true, MetafileThreshold+1, false, true))

	// New meta-files are not.
	assert.False(t, Upload(true, 1, false, false))
}

func TestDownload(t *testing.T) {
	assert.True(t, Download(0))
	assert.True(t, Download(TrafficThreshold))
	assert.False(t, Download(TrafficThreshold+1))
}

func TestDelete(t *testing.T) {
	assert.True(t, Delete())
}
