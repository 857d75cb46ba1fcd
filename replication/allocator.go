package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/storagekit/metromirror/shared/logger"
)

// Allocator selects pool and LSS placements on one storage array.
//
// Selection is optimistic: the occupancy counts it works from are cached
// snapshots, so a chosen LSS can fill up between selection and the actual
// volume create. Callers catch ErrLSSFull from the create, add the losing
// LSS to their exclusion set and re-invoke the allocator.
type Allocator struct {
	array  *StorageArray
	logger logger.Logger
}

// NewAllocator returns an allocator for the given array.
func NewAllocator(array *StorageArray) *Allocator {
	return &Allocator{
		array:  array,
		logger: logger.AddContext(logger.Ctx{"backend": array.BackendID}),
	}
}

// FindAvailableLSS selects a pool and LSS for a new volume.
//
// With a specific poolID the search is limited to LSSes on that pool's node.
// Without one, fallbackToAnyPool must be set and pools are tried in order of
// descending available capacity. LSSes in excluded are never picked, and
// neither are LSSes consumed by an active PPRC path, since filling their
// remaining slots would strand replication topology.
func (a *Allocator) FindAvailableLSS(ctx context.Context, poolID string, fallbackToAnyPool bool, excluded map[string]struct{}) (string, string, error) {
	err := a.array.RefreshInventory(ctx)
	if err != nil {
		return "", "", err
	}

	pathLSS, err := a.pathLSSes(ctx)
	if err != nil {
		return "", "", err
	}

	if poolID != "" {
		pool := a.array.Pool(poolID)
		if pool == nil {
			return "", "", fmt.Errorf("Pool %q does not exist on array %q", poolID, a.array.BackendID)
		}

		lss, err := a.findInPool(pool, excluded, pathLSS)
		if err != nil {
			return "", "", err
		}

		return pool.ID, lss, nil
	}

	if !fallbackToAnyPool {
		return "", "", fmt.Errorf("No pool requested and pool fallback is disabled")
	}

	for _, pool := range a.array.Pools() {
		lss, err := a.findInPool(pool, excluded, pathLSS)
		if err != nil {
			a.logger.Debug("Pool exhausted, trying next", logger.Ctx{"pool": pool.ID})
			continue
		}

		return pool.ID, lss, nil
	}

	return "", "", fmt.Errorf("All pools on array %q are exhausted: %w", a.array.BackendID, ErrLSSIDExhausted)
}

// FindLSSForReplication selects a pool and LSS for the endpoint of a new
// replicated volume. An LSS not yet linked by any PPRC path is preferred so
// that existing path capacity is not consumed; failing that, the emptiest
// existing LSS outside active paths is used.
func (a *Allocator) FindLSSForReplication(ctx context.Context, poolID string, excluded map[string]struct{}) (string, string, error) {
	err := a.array.RefreshInventory(ctx)
	if err != nil {
		return "", "", err
	}

	pathLSS, err := a.pathLSSes(ctx)
	if err != nil {
		return "", "", err
	}

	pools := a.array.Pools()
	if poolID != "" {
		pool := a.array.Pool(poolID)
		if pool == nil {
			return "", "", fmt.Errorf("Pool %q does not exist on array %q", poolID, a.array.BackendID)
		}

		pools = []*Pool{pool}
	}

	// Prefer a brand-new LSS on any candidate pool.
	for _, pool := range pools {
		lss, err := a.synthesizeLSS(pool.Node, excluded)
		if err == nil {
			return pool.ID, lss, nil
		}
	}

	// Fall back to the emptiest existing LSS outside active PPRC paths.
	for _, pool := range pools {
		lss := a.emptiestExisting(pool, excluded, pathLSS, true)
		if lss != "" {
			return pool.ID, lss, nil
		}
	}

	return "", "", fmt.Errorf("No LSS available for replication on array %q: %w", a.array.BackendID, ErrLSSIDExhausted)
}

// findInPool picks an LSS on the pool's node, preferring the emptiest
// existing one and synthesizing a brand-new ID when none qualifies.
func (a *Allocator) findInPool(pool *Pool, excluded map[string]struct{}, pathLSS map[string]bool) (string, error) {
	lss := a.emptiestExisting(pool, excluded, pathLSS, true)
	if lss != "" {
		return lss, nil
	}

	lss, err := a.synthesizeLSS(pool.Node, excluded)
	if err != nil {
		return "", fmt.Errorf("Pool %q: %w", pool.ID, err)
	}

	return lss, nil
}

// emptiestExisting returns the existing LSS with the fewest occupied volume
// slots matching the pool's node and the array's volume type, or "" if none
// qualifies.
func (a *Allocator) emptiestExisting(pool *Pool, excluded map[string]struct{}, pathLSS map[string]bool, excludePathLSS bool) string {
	var best *LSS
	for _, lss := range a.array.LSSes() {
		if lss.Node != pool.Node || lss.Type != a.array.ConnectionType() {
			continue
		}

		if lss.Full() {
			continue
		}

		_, isExcluded := excluded[lss.ID]
		if isExcluded || a.array.reservedForGroup(lss.ID) {
			continue
		}

		if excludePathLSS && pathLSS[lss.ID] {
			continue
		}

		if best == nil || lss.ConfiguredVolumes < best.ConfiguredVolumes {
			best = lss
		}
	}

	if best == nil {
		return ""
	}

	return best.ID
}

// synthesizeLSS picks a brand-new LSS ID in the node's parity space, skipping
// address groups already used by the opposite volume type.
func (a *Allocator) synthesizeLSS(node int, excluded map[string]struct{}) (string, error) {
	for n := node; n <= maxLSSNumber; n += 2 {
		id := lssID(n)

		if a.array.LSS(id) != nil {
			continue
		}

		_, isExcluded := excluded[id]
		if isExcluded || a.array.reservedForGroup(id) {
			continue
		}

		if a.addressGroupTypeConflict(n / 16) {
			continue
		}

		return id, nil
	}

	return "", ErrLSSIDExhausted
}

// addressGroupTypeConflict reports whether the address group already contains
// an LSS of the opposite volume type. Address groups never mix fb and ckd.
func (a *Allocator) addressGroupTypeConflict(group int) bool {
	for _, lss := range a.array.LSSes() {
		if lss.AddressGroup() != group {
			continue
		}

		if lss.Type != "" && lss.Type != a.array.ConnectionType() {
			return true
		}
	}

	return false
}

// pathLSSes returns the set of LSS IDs consumed by active PPRC paths on this
// array.
func (a *Allocator) pathLSSes(ctx context.Context) (map[string]bool, error) {
	paths, err := a.array.api.GetPPRCPaths(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(paths))
	for _, path := range paths {
		set[strings.ToLower(path.SourceLSS)] = true
	}

	return set, nil
}
