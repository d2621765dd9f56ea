package contentkey

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// ErrNoDigest is returned for items whose source data has no digest; such
// items can never be proven unmodified.
var ErrNoDigest = errors.New("item has no content digest")

// Service derives content keys from item digests. The salt changes every
// key at once, e.g. when the build tool version changes.
type Service struct {
	salt string
}

func New(salt string) *Service {
	return &Service{salt: salt}
}

// ComputeKey implements dag.ContentKeyService.
func (s *Service) ComputeKey(item *model.Item, target model.Target) (model.ContentKey, error) {
	if item == nil {
		return "", errors.New("compute content key: nil item")
	}
	if item.Digest == "" {
		return "", fmt.Errorf("compute content key for %s: %w", item.Key, ErrNoDigest)
	}
	h := xxhash.New()
	for _, part := range []string{s.salt, string(target), item.Class, item.Digest} {
		h.WriteString(part)
		h.Write([]byte{0})
	}
	return model.ContentKey(fmt.Sprintf("%016x", h.Sum64())), nil
}
