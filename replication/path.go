package replication

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"golang.org/x/sync/errgroup"

	"github.com/storagekit/metromirror/shared/logger"
)

// maxPortPairs is the array hardware limit on port pairs per PPRC path.
const maxPortPairs = 8

// portStateSuccess is the healthy state of a path's port pair.
const portStateSuccess = "success"

// Bounds on the path create verification loop.
const (
	pathCreateAttempts = 4
	pathCreateInterval = 2 * time.Second
)

// PathHealth is the aggregate health of the PPRC paths between an LSS pair.
// The values are ordered: a higher value is a strictly better outcome.
type PathHealth int

const (
	// PathNotExist means no candidate path exists at all.
	PathNotExist PathHealth = iota

	// PathUnhealthy means candidate paths exist but none has a working port pair.
	PathUnhealthy

	// PathFull means healthy paths exist but every candidate LSS pair is out
	// of volume slots on at least one side.
	PathFull

	// PathHealthy means at least one candidate path has working port pairs
	// and free volume slots on both sides.
	PathHealthy
)

// String returns the health state name.
func (h PathHealth) String() string {
	switch h {
	case PathNotExist:
		return "not_exist"
	case PathUnhealthy:
		return "unhealthy"
	case PathFull:
		return "full"
	case PathHealthy:
		return "healthy"
	}

	return "unknown"
}

// pathID derives the identity of the path between an LSS pair on two arrays.
func pathID(sourceWWNN string, sourceLSS string, targetWWNN string, targetLSS string) string {
	return fmt.Sprintf("%s_%s:%s_%s", sourceWWNN, sourceLSS, targetWWNN, targetLSS)
}

// PathManager discovers, verifies and creates the PPRC paths between two
// arrays' logical subsystems.
type PathManager struct {
	source *StorageArray
	target *StorageArray

	// configuredPortPairs are the operator-pinned port pairs, if any.
	configuredPortPairs []PortPair

	logger logger.Logger
}

// NewPathManager returns a path manager for the given array pair.
func NewPathManager(source *StorageArray, target *StorageArray, configuredPortPairs []PortPair) *PathManager {
	return &PathManager{
		source:              source,
		target:              target,
		configuredPortPairs: configuredPortPairs,
		logger: logger.AddContext(logger.Ctx{
			"source": source.BackendID,
			"target": target.BackendID,
		}),
	}
}

// CheckPhysicalLinks verifies that physical FC links exist between the two
// arrays and pins the port pair set replication will use. With operator
// configured port pairs each one is validated against the discovered links;
// without, up to maxPortPairs links are auto-selected.
func (m *PathManager) CheckPhysicalLinks(ctx context.Context) error {
	links, err := m.source.api.GetPhysicalLinks(ctx, m.target.WWNN)
	if err != nil {
		return err
	}

	if len(links) == 0 {
		return fmt.Errorf("%w: no physical links between array %q and array %q", ErrNoUsableLink, m.source.BackendID, m.target.BackendID)
	}

	if len(m.configuredPortPairs) > 0 {
		for _, pair := range m.configuredPortPairs {
			if !portPairIn(pair, links) {
				return fmt.Errorf("%w: configured port pair %s:%s is not among the physical links between array %q and array %q",
					ErrNoUsableLink, pair.SourcePortID, pair.TargetPortID, m.source.BackendID, m.target.BackendID)
			}
		}

		m.source.PinPortPairs(m.configuredPortPairs)
		return nil
	}

	if len(links) > maxPortPairs {
		links = links[:maxPortPairs]
	}

	m.logger.Info("Auto-selected replication port pairs", logger.Ctx{"count": len(links)})
	m.source.PinPortPairs(links)

	return nil
}

// FindFromExistingPaths searches the source array's current PPRC paths for a
// usable LSS pair. When specifiedLSS is set only paths originating on that
// LSS qualify; otherwise LSSes reserved for consistency groups are skipped.
// On PathHealthy the candidate minimizing combined slot occupancy is returned
// together with its pool mapping on both sides.
func (m *PathManager) FindFromExistingPaths(ctx context.Context, specifiedLSS string, excluded map[string]struct{}) (PathHealth, *PoolLSSPair, error) {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.source.RefreshInventory(gCtx) })
	g.Go(func() error { return m.target.RefreshInventory(gCtx) })

	err := g.Wait()
	if err != nil {
		return PathNotExist, nil, err
	}

	paths, err := m.source.api.GetPPRCPaths(ctx)
	if err != nil {
		return PathNotExist, nil, err
	}

	candidates := m.filterPaths(paths, specifiedLSS, excluded)
	if len(candidates) == 0 {
		return PathNotExist, nil, nil
	}

	var healthy []pprcPath
	for _, path := range candidates {
		if pathUsable(path) {
			healthy = append(healthy, path)
		}
	}

	if len(healthy) == 0 {
		return PathUnhealthy, nil, nil
	}

	// Pick the healthy candidate whose LSS pair has the most headroom.
	var best *pprcPath
	bestLoad := 0
	for i, path := range healthy {
		sourceOccupancy := m.source.lssOccupancy(path.SourceLSS)
		targetOccupancy := m.target.lssOccupancy(path.TargetLSS)
		if sourceOccupancy >= maxVolumesPerLSS || targetOccupancy >= maxVolumesPerLSS {
			continue
		}

		load := sourceOccupancy + targetOccupancy
		if best == nil || load < bestLoad {
			best = &healthy[i]
			bestLoad = load
		}
	}

	if best == nil {
		return PathFull, nil, nil
	}

	sourceLSS := strings.ToLower(best.SourceLSS)
	targetLSS := strings.ToLower(best.TargetLSS)

	pair := &PoolLSSPair{
		Source: PoolLSS{PoolID: m.source.poolForLSS(sourceLSS).ID, LSS: sourceLSS},
		Target: PoolLSS{PoolID: m.target.poolForLSS(targetLSS).ID, LSS: targetLSS},
	}

	return PathHealthy, pair, nil
}

// filterPaths reduces the source array's paths to the candidates usable for
// this manager's array pair.
func (m *PathManager) filterPaths(paths []pprcPath, specifiedLSS string, excluded map[string]struct{}) []pprcPath {
	pinned := m.source.PortPairs()
	specifiedLSS = strings.ToLower(specifiedLSS)

	var candidates []pprcPath
	for _, path := range paths {
		sourceLSS := strings.ToLower(path.SourceLSS)
		targetLSS := strings.ToLower(path.TargetLSS)

		// Only paths to the expected peer.
		if path.TargetSystemWWNN != m.target.WWNN {
			continue
		}

		// Only paths riding the pinned port pairs.
		if !portPairsSubset(path.PortPairs, pinned) {
			continue
		}

		// Only LSSes of the configured volume type. A brand-new LSS has no
		// type yet and qualifies.
		sourceEntry := m.source.LSS(sourceLSS)
		if sourceEntry != nil && sourceEntry.Type != "" && sourceEntry.Type != m.source.ConnectionType() {
			continue
		}

		// Both sides must map to a pool, otherwise the path cannot host volumes.
		if m.source.poolForLSS(sourceLSS) == nil || m.target.poolForLSS(targetLSS) == nil {
			continue
		}

		_, isExcluded := excluded[sourceLSS]
		if isExcluded {
			continue
		}

		if specifiedLSS != "" {
			if sourceLSS != specifiedLSS {
				continue
			}
		} else if m.source.reservedForGroup(sourceLSS) || m.target.reservedForGroup(targetLSS) {
			// Keep ordinary volumes off the consistency group reservation.
			continue
		}

		candidates = append(candidates, path)
	}

	return candidates
}

// CreatePathIfNeeded guarantees a healthy PPRC path between the LSS pair.
// An already healthy path is left alone. Otherwise the path is created with
// the pinned port pairs and polled until healthy; if it never becomes
// healthy the half-created path is removed and the create fails.
func (m *PathManager) CreatePathIfNeeded(ctx context.Context, sourceLSS string, targetLSS string, groupReplication bool) error {
	id := pathID(m.source.WWNN, sourceLSS, m.target.WWNN, targetLSS)

	healthy, err := m.pathHealthy(ctx, sourceLSS, targetLSS)
	if err != nil {
		return err
	}

	if healthy {
		return nil
	}

	m.logger.Info("Creating PPRC path", logger.Ctx{"path": id, "groupReplication": groupReplication})

	err = m.source.api.CreatePPRCPath(ctx, createPathRequest{
		SourceLSS:        sourceLSS,
		TargetLSS:        targetLSS,
		TargetSystemWWNN: m.target.WWNN,
		PortPairs:        m.source.PortPairs(),
		ConsistencyGroup: groupReplication,
	})
	if err != nil {
		return err
	}

	err = retry.Retry(func(attempt uint) error {
		healthy, err := m.pathHealthy(ctx, sourceLSS, targetLSS)
		if err != nil {
			return err
		}

		if !healthy {
			return fmt.Errorf("PPRC path %q is not healthy yet", id)
		}

		return nil
	}, strategy.Limit(pathCreateAttempts), strategy.Wait(pathCreateInterval))
	if err == nil {
		return nil
	}

	// The path never became healthy, remove the half-created leftover.
	deleteErr := m.source.api.DeletePPRCPath(ctx, id)
	if deleteErr != nil {
		m.logger.Warn("Failed to delete unhealthy PPRC path", logger.Ctx{"path": id, "err": deleteErr})
	}

	return &APIError{Message: fmt.Sprintf("PPRC path %q did not become healthy after %d attempts", id, pathCreateAttempts)}
}

// pathHealthy reports whether a path between the exact LSS pair exists and
// has at least one working port pair.
func (m *PathManager) pathHealthy(ctx context.Context, sourceLSS string, targetLSS string) (bool, error) {
	paths, err := m.source.api.GetPPRCPaths(ctx)
	if err != nil {
		return false, err
	}

	for _, path := range paths {
		if path.TargetSystemWWNN != m.target.WWNN {
			continue
		}

		if !strings.EqualFold(path.SourceLSS, sourceLSS) || !strings.EqualFold(path.TargetLSS, targetLSS) {
			continue
		}

		if pathUsable(path) {
			return true, nil
		}
	}

	return false, nil
}

// pathUsable reports whether the path has at least one working port pair.
func pathUsable(path pprcPath) bool {
	for _, pair := range path.PortPairs {
		if pair.State == portStateSuccess {
			return true
		}
	}

	return false
}

// portPairIn reports whether the pair appears in the given set, compared by
// port identity.
func portPairIn(pair PortPair, set []PortPair) bool {
	for _, candidate := range set {
		if candidate.SourcePortID == pair.SourcePortID && candidate.TargetPortID == pair.TargetPortID {
			return true
		}
	}

	return false
}

// portPairsSubset reports whether every pair is contained in set.
func portPairsSubset(pairs []PortPair, set []PortPair) bool {
	for _, pair := range pairs {
		if !portPairIn(pair, set) {
			return false
		}
	}

	return true
}
