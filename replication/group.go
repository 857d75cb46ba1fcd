package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/storagekit/metromirror/locking"
)

// groupLockName scopes the critical section around consistency group LSS
// selection. Members of the same group may be added concurrently and must not
// race onto the same LSS slots.
const groupLockName = "metromirror_consistency_group"

// lssPair is one claimed source/target LSS binding.
type lssPair struct {
	source string
	target string
}

// groupClaims is the in-process reservation table for consistency groups.
// It bridges the window between selecting an LSS pair for a group and the
// array's occupancy counters catching up, which spans several REST calls.
// Entries are removed when a group is deleted or emptied.
type groupClaims struct {
	mu     sync.Mutex
	claims map[string]lssPair
}

func newGroupClaims() *groupClaims {
	return &groupClaims{claims: map[string]lssPair{}}
}

// get returns the LSS pair already claimed by the group.
func (g *groupClaims) get(groupID string) (lssPair, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pair, ok := g.claims[groupID]
	return pair, ok
}

// claim records the LSS pair for the group.
func (g *groupClaims) claim(groupID string, pair lssPair) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.claims[groupID] = pair
}

// release drops the group's claim.
func (g *groupClaims) release(groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, groupID)
}

// claimedElsewhere reports whether the source LSS is claimed by a different
// group.
func (g *groupClaims) claimedElsewhere(groupID string, sourceLSS string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, pair := range g.claims {
		if id != groupID && pair.source == sourceLSS {
			return true
		}
	}

	return false
}

// findGroupPoolLSSPair selects the placement for a consistency group member.
// Source and target LSS come zipped from the two arrays' reserved sets: the
// n-th reserved source LSS always pairs with the n-th reserved target LSS,
// so PPRC consistency group semantics group the members correctly.
//
// Exhaustion of the reserved set is a configuration error: the operator must
// reserve more LSSes. It is reported loudly and never retried.
func (o *Orchestrator) findGroupPoolLSSPair(ctx context.Context, groupID string) (*PoolLSSPair, error) {
	unlock, err := locking.Lock(ctx, groupLockName)
	if err != nil {
		return nil, err
	}

	defer unlock()

	source, target := o.arrays()

	err = source.RefreshInventory(ctx)
	if err != nil {
		return nil, err
	}

	err = target.RefreshInventory(ctx)
	if err != nil {
		return nil, err
	}

	// Reuse the pair this group already claimed while it has capacity.
	claimed, ok := o.claims.get(groupID)
	if ok {
		if source.lssOccupancy(claimed.source) < maxVolumesPerLSS && target.lssOccupancy(claimed.target) < maxVolumesPerLSS {
			return o.groupPlacement(source, target, claimed)
		}
	}

	reservedSource := source.ReservedGroupLSS()
	reservedTarget := target.ReservedGroupLSS()
	if len(reservedSource) == 0 {
		return nil, fmt.Errorf("%w: no LSSes are reserved for consistency groups on array %q", ErrReservedLSSExhausted, source.BackendID)
	}

	for i := range reservedSource {
		pair := lssPair{source: reservedSource[i], target: reservedTarget[i]}

		if o.claims.claimedElsewhere(groupID, pair.source) {
			continue
		}

		if source.lssOccupancy(pair.source) >= maxVolumesPerLSS || target.lssOccupancy(pair.target) >= maxVolumesPerLSS {
			continue
		}

		o.claims.claim(groupID, pair)

		return o.groupPlacement(source, target, pair)
	}

	return nil, fmt.Errorf("%w: all LSSes reserved for consistency groups on array %q are in use, reserve additional LSSes", ErrReservedLSSExhausted, source.BackendID)
}

// groupPlacement resolves the pools serving a claimed LSS pair.
func (o *Orchestrator) groupPlacement(source *StorageArray, target *StorageArray, pair lssPair) (*PoolLSSPair, error) {
	sourcePool := source.poolForLSS(pair.source)
	if sourcePool == nil {
		return nil, fmt.Errorf("Reserved LSS %q maps to no pool on array %q", pair.source, source.BackendID)
	}

	targetPool := target.poolForLSS(pair.target)
	if targetPool == nil {
		return nil, fmt.Errorf("Reserved LSS %q maps to no pool on array %q", pair.target, target.BackendID)
	}

	return &PoolLSSPair{
		Source: PoolLSS{PoolID: sourcePool.ID, LSS: pair.source},
		Target: PoolLSS{PoolID: targetPool.ID, LSS: pair.target},
	}, nil
}

// ReleaseGroup drops the in-process LSS claim of a consistency group. Called
// by the volume layer once a group has been deleted or emptied.
func (o *Orchestrator) ReleaseGroup(groupID string) {
	o.claims.release(groupID)
}
