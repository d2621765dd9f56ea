package contentkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cookgraph/internal/contentkey"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

func TestComputeKey(t *testing.T) {
	svc := contentkey.New("v1")
	item := &model.Item{Key: "A", Class: "Texture", Digest: "abc"}

	k1, err := svc.ComputeKey(item, "linux")
	require.NoError(t, err)
	assert.Len(t, string(k1), 16)

	again, err := svc.ComputeKey(&model.Item{Key: "A", Class: "Texture", Digest: "abc"}, "linux")
	require.NoError(t, err)
	assert.Equal(t, k1, again)

	otherTarget, _ := svc.ComputeKey(item, "windows")
	assert.NotEqual(t, k1, otherTarget)

	otherSalt, _ := contentkey.New("v2").ComputeKey(item, "linux")
	assert.NotEqual(t, k1, otherSalt)

	changed, _ := svc.ComputeKey(&model.Item{Key: "A", Class: "Texture", Digest: "abd"}, "linux")
	assert.NotEqual(t, k1, changed)
}

func TestComputeKeyNeedsDigest(t *testing.T) {
	_, err := contentkey.New("").ComputeKey(&model.Item{Key: "A"}, "linux")
	assert.ErrorIs(t, err, contentkey.ErrNoDigest)

	_, err = contentkey.New("").ComputeKey(nil, "linux")
	assert.Error(t, err)
}
