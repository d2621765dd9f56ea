package dag

import (
	"context"
	"errors"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// DependencyIndex answers dependency queries for one item. Implementations
// must be safe for concurrent reads and return keys in a stable order.
type DependencyIndex interface {
	Dependencies(ctx context.Context, key model.Key, kind model.DependencyKind) ([]model.Key, error)
}

// ItemResolver looks up the canonical item for a key. A nil item with a nil
// error means the key does not exist.
type ItemResolver interface {
	Resolve(ctx context.Context, key model.Key) (*model.Item, error)
}

// ContentKeyService computes the content key an item would have if it were
// built now for target.
type ContentKeyService interface {
	ComputeKey(item *model.Item, target model.Target) (model.ContentKey, error)
}

// DeliverFunc receives the result for one key of a FetchBatch call. A nil
// manifest means the cache has no data for the key.
type DeliverFunc func(key model.Key, m *model.Manifest, err error)

// CacheReadTransport reads previous-build manifests asynchronously.
//
// FetchBatch may return before any result is delivered; deliver is then
// called once per key from arbitrary goroutines. If FetchBatch returns an
// error, keys not yet delivered are recorded as having no manifest. Pseudo
// targets are passed through as well and must be answered with empty
// manifests.
type CacheReadTransport interface {
	FetchBatch(ctx context.Context, target model.Target, keys []model.Key, deliver DeliverFunc) error
}

// Decision is a cookability verdict for one (item, target).
type Decision struct {
	Cookable   bool
	Explorable bool
	Reason     model.SuppressReason
}

// CookabilityPolicy decides whether an item may be built for a target and
// whether its dependencies should be followed. It must not have side effects.
type CookabilityPolicy interface {
	Evaluate(item *model.Item, target model.Target) Decision
}

// Collaborators bundles the services a Cluster consults.
type Collaborators struct {
	Resolver  ItemResolver
	Index     DependencyIndex
	Keys      ContentKeyService
	Transport CacheReadTransport
	Policy    CookabilityPolicy
}

func (c Collaborators) validate() error {
	var errs []error
	if c.Resolver == nil {
		errs = append(errs, errors.New("missing item resolver"))
	}
	if c.Index == nil {
		errs = append(errs, errors.New("missing dependency index"))
	}
	if c.Keys == nil {
		errs = append(errs, errors.New("missing content key service"))
	}
	if c.Transport == nil {
		errs = append(errs, errors.New("missing cache read transport"))
	}
	if c.Policy == nil {
		errs = append(errs, errors.New("missing cookability policy"))
	}
	return errors.Join(errs...)
}
