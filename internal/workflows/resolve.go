package workflows

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Resolution is the outcome of joining an item to its previous stage
type Resolution int

const (
	// Skipped means the stage has no predecessor, so there is nothing to join
	Skipped Resolution = iota
	// Resolved means the previous stage's task for the item was found
	Resolved
	// Unresolved means the previous stage has no task for the item (yet)
	Unresolved
)

func (r Resolution) String() string {
	switch r {
	case Skipped:
		return "skipped"
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// DependencyResolver stitches an item's per-stage tasks into a chain through
// the mapping store, keyed by (stage task id, item identity). It holds no
// cache; the mapping store is the only source of truth.
type DependencyResolver struct {
	mappings MappingStore
	retry    RetryPolicy
}

// NewDependencyResolver creates a resolver on mappings
func NewDependencyResolver(mappings MappingStore, retry RetryPolicy) *DependencyResolver {
	return &DependencyResolver{mappings: mappings, retry: retry}
}

// Register records that itemTaskID handles identity for stageTaskID so the
// next stage can find it. It returns the stored id, which differs from
// itemTaskID when the pair was registered by an earlier delivery.
func (r *DependencyResolver) Register(ctx context.Context, stageTaskID uuid.UUID, identity string, itemTaskID uuid.UUID) (uuid.UUID, error) {
	var stored uuid.UUID
	err := r.retry.Do(ctx, func() error {
		var err error
		stored, err = r.mappings.CreateMapping(ctx, stageTaskID, identity, itemTaskID)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create mapping (%s, %q): %w", stageTaskID, identity, err)
	}
	return stored, nil
}

// Resolve answers which task handled identity at the stage predecessor.
// A nil predecessor skips resolution. A missing mapping is Unresolved, not
// an error.
func (r *DependencyResolver) Resolve(ctx context.Context, predecessor *uuid.UUID, identity string) (Resolution, uuid.UUID, error) {
	if predecessor == nil {
		return Skipped, uuid.Nil, nil
	}

	var (
		id    uuid.UUID
		found bool
	)
	err := r.retry.Do(ctx, func() error {
		var err error
		id, found, err = r.mappings.QueryMapping(ctx, *predecessor, identity)
		return err
	})
	if err != nil {
		return Unresolved, uuid.Nil, fmt.Errorf("query mapping (%s, %q): %w", *predecessor, identity, err)
	}
	if !found {
		return Unresolved, uuid.Nil, nil
	}
	return Resolved, id, nil
}
