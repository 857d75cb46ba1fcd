package replication

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"

	"github.com/storagekit/metromirror/shared/api"
	"github.com/storagekit/metromirror/shared/logger"
	"github.com/storagekit/metromirror/shared/revert"
)

// BackendIDDefault addresses the configured primary array in failover
// requests, asking for a failback.
const BackendIDDefault = "default"

// Orchestrator coordinates the allocator, the path manager and the pair
// manager to provide volume replication between a primary array and a single
// replication target. It is long-lived and safe for use by concurrent
// workers; a failover swaps the two array roles in place.
type Orchestrator struct {
	conf *Config

	mu              sync.RWMutex
	source          *StorageArray
	target          *StorageArray
	failedOver      bool
	activeBackendID string

	claims       *groupClaims
	pollInterval time.Duration
	logger       logger.Logger
}

// New connects to both arrays, verifies the physical replication topology
// and returns a ready orchestrator.
func New(ctx context.Context, conf *Config) (*Orchestrator, error) {
	conf.fillDefaults()

	err := conf.Validate()
	if err != nil {
		return nil, err
	}

	source, err := NewStorageArray(ctx, conf.Primary, conf.ConnectionType)
	if err != nil {
		return nil, err
	}

	target, err := NewStorageArray(ctx, conf.Target, conf.ConnectionType)
	if err != nil {
		return nil, err
	}

	if source.WWNN == target.WWNN {
		return nil, fmt.Errorf("%w: %q and %q are the same array", ErrInvalidReplicationTarget, conf.Primary.BackendID, conf.Target.BackendID)
	}

	o := &Orchestrator{
		conf:         conf,
		source:       source,
		target:       target,
		claims:       newGroupClaims(),
		pollInterval: conf.PollInterval,
		logger:       logger.AddContext(logger.Ctx{"primary": source.BackendID, "target": target.BackendID}),
	}

	err = o.pathManager().CheckPhysicalLinks(ctx)
	if err != nil {
		return nil, err
	}

	return o, nil
}

// arrays returns the current source and target array in that order.
func (o *Orchestrator) arrays() (*StorageArray, *StorageArray) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.source, o.target
}

// Arrays returns the array currently serving I/O and its replication peer.
func (o *Orchestrator) Arrays() (*StorageArray, *StorageArray) {
	return o.arrays()
}

// ResumeFailedOver restores a pre-existing failed-over state after a restart,
// swapping the array roles so the configured target is treated as active.
// A no-op when already failed over.
func (o *Orchestrator) ResumeFailedOver() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failedOver {
		return
	}

	o.source, o.target = o.target, o.source
	o.failedOver = true
	o.activeBackendID = o.source.BackendID
}

// ActiveBackendID returns the backend currently serving I/O, or "" while the
// primary is active.
func (o *Orchestrator) ActiveBackendID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeBackendID
}

// FailedOver reports whether the orchestrator currently addresses the
// replication target as primary.
func (o *Orchestrator) FailedOver() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.failedOver
}

// pathManager returns a path manager for the current array roles.
func (o *Orchestrator) pathManager() *PathManager {
	source, target := o.arrays()
	return NewPathManager(source, target, o.conf.PortPairs)
}

// pairManager returns a pair manager for the current array roles.
func (o *Orchestrator) pairManager(source *StorageArray, target *StorageArray) *PairManager {
	m := NewPairManager(source, target)
	m.pollInterval = o.pollInterval
	return m
}

// EstablishReplication sets up a Metro Mirror replica for the given volume
// and blocks until the pair is fully synchronized.
//
// A volume that already has a placement (cloned or migrated) reuses its
// existing replication path when healthy; an unhealthy existing path is fatal
// since silently replicating an existing volume through a broken link risks
// data loss. A volume without a placement is allocated and created on both
// arrays here.
//
// On any failure the partially created artifacts (pair, replica, and the
// source volume if it was created by this call) are deleted best-effort and
// the original error is returned.
func (o *Orchestrator) EstablishReplication(ctx context.Context, vol *Volume) (*Volume, error) {
	if o.FailedOver() {
		return nil, fmt.Errorf("Cannot establish replication for volume %q while failed over", vol.Name)
	}

	source, target := o.arrays()
	lun := newLun(vol, target.BackendID)
	log := o.logger.AddContext(logger.Ctx{"volume": lun.name})

	rev := revert.New()
	defer rev.Fail()

	placement, err := o.placeAndCreateSource(ctx, lun, rev)
	if err != nil {
		return nil, err
	}

	// Create the replica volume, retrying placement when the target LSS
	// fills up underneath us.
	excludedTarget := map[string]struct{}{}
	for {
		replicaID, err := target.api.CreateVolume(ctx, createVolumeRequest{
			Name:     lun.name,
			SizeGiB:  lun.sizeGiB,
			DataType: o.conf.ConnectionType,
			PoolID:   placement.Target.PoolID,
			LSS:      placement.Target.LSS,
		})
		if err == nil {
			lun.replicaDSID = replicaID
			break
		}

		if !errors.Is(err, ErrLSSFull) {
			return nil, err
		}

		if lun.groupID != "" {
			// Reserved consistency group capacity is operator-managed.
			return nil, err
		}

		log.Debug("Target LSS full, retrying placement", logger.Ctx{"lss": placement.Target.LSS})
		excludedTarget[placement.Target.LSS] = struct{}{}

		poolID, lssID, err := NewAllocator(target).FindLSSForReplication(ctx, "", excludedTarget)
		if err != nil {
			return nil, err
		}

		placement.Target = PoolLSS{PoolID: poolID, LSS: lssID}
	}

	rev.Add(func() {
		err := target.api.DeleteVolume(ctx, lun.replicaDSID)
		if err != nil {
			log.Warn("Failed to delete replica volume during cleanup", logger.Ctx{"replica": lun.replicaDSID, "err": err})
		}
	})

	err = o.pathManager().CreatePathIfNeeded(ctx, placement.Source.LSS, placement.Target.LSS, lun.groupID != "")
	if err != nil {
		return nil, err
	}

	pair := Pair{SourceVolumeID: lun.dsID, TargetVolumeID: lun.replicaDSID}
	rev.Add(func() {
		err := o.pairManager(source, target).DeletePair(ctx, source, lun.dsID, true)
		if err != nil {
			log.Warn("Failed to delete PPRC pair during cleanup", logger.Ctx{"pair": pair.key(), "err": err})
		}
	})

	err = o.pairManager(source, target).CreatePairs(ctx, []Pair{pair})
	if err != nil {
		return nil, err
	}

	rev.Success()
	lun.placement = placement

	log.Info("Replication established", logger.Ctx{"volume_id": lun.dsID, "replica_id": lun.replicaDSID})

	out := *vol
	out.Location = *lun.location(target.BackendID)
	out.ReplicationStatus = ReplicationEnabled

	return &out, nil
}

// placeAndCreateSource resolves the volume's placement on both arrays and,
// for a volume that does not exist yet, creates it on the source array. The
// source create runs the LSS-full retry loop with an accumulating exclusion
// set.
func (o *Orchestrator) placeAndCreateSource(ctx context.Context, lun *Lun, rev *revert.Reverter) (*PoolLSSPair, error) {
	source, _ := o.arrays()
	log := o.logger.AddContext(logger.Ctx{"volume": lun.name})

	if lun.dsID != "" {
		return o.placementForExisting(ctx, lun)
	}

	if lun.groupID != "" {
		placement, err := o.findGroupPoolLSSPair(ctx, lun.groupID)
		if err != nil {
			return nil, err
		}

		id, err := source.api.CreateVolume(ctx, createVolumeRequest{
			Name:     lun.name,
			SizeGiB:  lun.sizeGiB,
			DataType: o.conf.ConnectionType,
			PoolID:   placement.Source.PoolID,
			LSS:      placement.Source.LSS,
		})
		if err != nil {
			return nil, err
		}

		lun.dsID = id
		o.addSourceCleanup(lun, rev)

		return placement, nil
	}

	excluded := map[string]struct{}{}
	for {
		placement, err := o.freshPlacement(ctx, excluded)
		if err != nil {
			return nil, err
		}

		id, err := source.api.CreateVolume(ctx, createVolumeRequest{
			Name:     lun.name,
			SizeGiB:  lun.sizeGiB,
			DataType: o.conf.ConnectionType,
			PoolID:   placement.Source.PoolID,
			LSS:      placement.Source.LSS,
		})
		if err == nil {
			lun.dsID = id
			o.addSourceCleanup(lun, rev)
			return placement, nil
		}

		if !errors.Is(err, ErrLSSFull) {
			return nil, err
		}

		// Another worker filled the LSS between selection and create.
		log.Debug("Source LSS full, retrying placement", logger.Ctx{"lss": placement.Source.LSS})
		excluded[placement.Source.LSS] = struct{}{}
	}
}

// addSourceCleanup registers a best-effort delete of the source volume this
// call created.
func (o *Orchestrator) addSourceCleanup(lun *Lun, rev *revert.Reverter) {
	source, _ := o.arrays()
	log := o.logger.AddContext(logger.Ctx{"volume": lun.name})

	rev.Add(func() {
		err := source.api.DeleteVolume(context.Background(), lun.dsID)
		if err != nil {
			log.Warn("Failed to delete source volume during cleanup", logger.Ctx{"volume_id": lun.dsID, "err": err})
		}
	})
}

// placementForExisting resolves the placement for a volume that already
// lives on the source array.
func (o *Orchestrator) placementForExisting(ctx context.Context, lun *Lun) (*PoolLSSPair, error) {
	source, target := o.arrays()

	health, pair, err := o.pathManager().FindFromExistingPaths(ctx, lun.sourceLSS(), nil)
	if err != nil {
		return nil, err
	}

	switch health {
	case PathHealthy:
		return pair, nil
	case PathUnhealthy:
		return nil, fmt.Errorf("%w: replication path for existing volume %q on LSS %q is unhealthy", ErrNoUsableLink, lun.name, lun.sourceLSS())
	}

	// No path yet (or the linked target is saturated): keep the volume where
	// it is and pick a fresh LSS on the target array.
	sourcePool := source.poolForLSS(lun.sourceLSS())
	if sourcePool == nil {
		return nil, fmt.Errorf("LSS %q of volume %q maps to no pool on array %q", lun.sourceLSS(), lun.name, source.BackendID)
	}

	poolID, lssID, err := NewAllocator(target).FindLSSForReplication(ctx, "", nil)
	if err != nil {
		return nil, err
	}

	return &PoolLSSPair{
		Source: PoolLSS{PoolID: sourcePool.ID, LSS: lun.sourceLSS()},
		Target: PoolLSS{PoolID: poolID, LSS: lssID},
	}, nil
}

// freshPlacement allocates a brand-new placement on both arrays, preferring
// an existing healthy path over consuming new LSS pairs.
func (o *Orchestrator) freshPlacement(ctx context.Context, excludedSource map[string]struct{}) (*PoolLSSPair, error) {
	source, target := o.arrays()

	health, pair, err := o.pathManager().FindFromExistingPaths(ctx, "", excludedSource)
	if err != nil {
		return nil, err
	}

	if health == PathHealthy {
		return pair, nil
	}

	sourcePoolID, sourceLSS, err := NewAllocator(source).FindLSSForReplication(ctx, "", excludedSource)
	if err != nil {
		return nil, err
	}

	targetPoolID, targetLSS, err := NewAllocator(target).FindLSSForReplication(ctx, "", nil)
	if err != nil {
		return nil, err
	}

	return &PoolLSSPair{
		Source: PoolLSS{PoolID: sourcePoolID, LSS: sourceLSS},
		Target: PoolLSS{PoolID: targetPoolID, LSS: targetLSS},
	}, nil
}

// DeleteReplica removes the volume's Metro Mirror pair and its replica
// volume. An unreachable target array degrades gracefully: the pair record on
// the source is removed and the replica volume is left behind.
func (o *Orchestrator) DeleteReplica(ctx context.Context, vol *Volume) (*Volume, error) {
	source, target := o.arrays()
	lun := newLun(vol, target.BackendID)
	log := o.logger.AddContext(logger.Ctx{"volume": lun.name})

	out := *vol
	out.ReplicationStatus = ReplicationDisabled

	if !lun.replicated() {
		return &out, nil
	}

	pairMgr := o.pairManager(source, target)

	// The pair record must disappear from the source array's perspective.
	err := pairMgr.DeletePair(ctx, source, lun.dsID, true)
	if err != nil {
		return nil, err
	}

	// Best-effort on the target side.
	err = pairMgr.DeletePair(ctx, target, lun.replicaDSID, false)
	if err != nil {
		log.Warn("Replication target unreachable, leaving replica volume behind", logger.Ctx{"replica": lun.replicaDSID, "err": err})

		out.Location.Replicas = nil
		return &out, nil
	}

	_, err = target.api.GetVolume(ctx, lun.replicaDSID)
	if err == nil {
		err = target.api.DeleteVolume(ctx, lun.replicaDSID)
		if err != nil {
			return nil, err
		}
	} else if !api.StatusErrorCheck(err, http.StatusNotFound) {
		log.Warn("Failed to look up replica volume, leaving it behind", logger.Ctx{"replica": lun.replicaDSID, "err": err})
	}

	log.Info("Replica deleted", logger.Ctx{"replica": lun.replicaDSID})

	out.Location.Replicas = nil
	return &out, nil
}

// FailoverHost reverses the replication direction for the given volumes and
// makes the replication target the active array. Volumes without an active
// replica cannot follow the array over and are marked errored until the
// failback restores them.
//
// A failover to the already active backend returns immediately with an empty
// update list.
func (o *Orchestrator) FailoverHost(ctx context.Context, vols []*Volume, targetBackendID string) (string, []VolumeUpdate, error) {
	if targetBackendID == BackendIDDefault {
		return o.FailbackHost(ctx, vols)
	}

	o.mu.RLock()
	active := o.activeBackendID
	failedOver := o.failedOver
	source := o.source
	target := o.target
	o.mu.RUnlock()

	if failedOver {
		if targetBackendID == active {
			// Already in the requested direction.
			return active, nil, nil
		}

		return active, nil, fmt.Errorf("%w: %q, already failed over to %q", ErrInvalidReplicationTarget, targetBackendID, active)
	}

	if targetBackendID != target.BackendID {
		return active, nil, fmt.Errorf("%w: %q, the configured target is %q", ErrInvalidReplicationTarget, targetBackendID, target.BackendID)
	}

	replicated, unreplicated := partitionVolumes(vols, target.BackendID)

	pairs := make([]Pair, 0, len(replicated))
	for _, lun := range replicated {
		pairs = append(pairs, Pair{SourceVolumeID: lun.dsID, TargetVolumeID: lun.replicaDSID})
	}

	if len(pairs) > 0 {
		err := o.pairManager(source, target).Failover(ctx, pairs)
		if err != nil {
			return active, nil, err
		}
	}

	o.mu.Lock()
	o.source, o.target = o.target, o.source
	o.failedOver = true
	o.activeBackendID = targetBackendID
	o.mu.Unlock()

	o.logger.Info("Failed over", logger.Ctx{"active": targetBackendID, "volumes": len(replicated), "stranded": len(unreplicated)})

	updates := make([]VolumeUpdate, 0, len(vols))
	for _, lun := range replicated {
		lun.swap()
		updates = append(updates, VolumeUpdate{
			Name:              lun.name,
			ReplicationStatus: ReplicationFailedOver,
			Location:          lun.location(source.BackendID),
		})
	}

	for _, vol := range unreplicated {
		updates = append(updates, VolumeUpdate{
			Name:     vol.Name,
			Status:   statusError,
			Metadata: map[string]string{metadataPreviousStatus: vol.Status},
		})
	}

	return targetBackendID, updates, nil
}

// FailbackHost reconnects to the original primary and moves the volumes
// back. The array models a failback as failing back the data direction and
// then failing over the control relationship, so after the resync the normal
// failover sequence runs once more in the opposite direction; the net effect
// on volume placement is the identity.
//
// The primary must be reachable; if it still is not after one retry the
// failback is refused and the active backend is left unchanged.
func (o *Orchestrator) FailbackHost(ctx context.Context, vols []*Volume) (string, []VolumeUpdate, error) {
	o.mu.RLock()
	active := o.activeBackendID
	failedOver := o.failedOver
	secondary := o.source
	primary := o.target
	o.mu.RUnlock()

	if !failedOver {
		// Already home.
		return BackendIDDefault, nil, nil
	}

	err := retry.Retry(func(attempt uint) error {
		_, err := primary.api.GetSystem(ctx)
		return err
	}, strategy.Limit(2))
	if err != nil {
		return active, nil, fmt.Errorf("%w: array %q is unreachable: %v", ErrUnableToFailOver, primary.BackendID, err)
	}

	replicated, unreplicated := partitionVolumes(vols, primary.BackendID)

	// Re-establish the replication paths in the failed-over direction before
	// the resync. One representative volume per distinct LSS pair is enough,
	// volumes sharing an LSS pair share path health.
	pathMgr := NewPathManager(secondary, primary, o.conf.PortPairs)
	seen := map[string]bool{}
	for _, lun := range replicated {
		key := lun.sourceLSS() + ":" + lun.replicaLSS()
		if seen[key] {
			continue
		}

		seen[key] = true

		err := pathMgr.CreatePathIfNeeded(ctx, lun.sourceLSS(), lun.replicaLSS(), lun.groupID != "")
		if err != nil {
			return active, nil, err
		}
	}

	pairs := make([]Pair, 0, len(replicated))
	for _, lun := range replicated {
		pairs = append(pairs, Pair{SourceVolumeID: lun.dsID, TargetVolumeID: lun.replicaDSID})
	}

	if len(pairs) > 0 {
		// Sync the data home.
		err := o.pairManager(secondary, primary).Failback(ctx, pairs)
		if err != nil {
			return active, nil, err
		}

		// Hand the control relationship back to the primary.
		err = o.pairManager(secondary, primary).Failover(ctx, pairs)
		if err != nil {
			return active, nil, err
		}

		// Resume replication in the original direction.
		err = o.pairManager(primary, secondary).Failback(ctx, reversePairs(pairs))
		if err != nil {
			return active, nil, err
		}
	}

	o.mu.Lock()
	o.source = primary
	o.target = secondary
	o.failedOver = false
	o.activeBackendID = ""
	o.mu.Unlock()

	o.logger.Info("Failed back", logger.Ctx{"active": primary.BackendID, "volumes": len(replicated)})

	updates := make([]VolumeUpdate, 0, len(vols))
	for _, lun := range replicated {
		lun.swap()
		updates = append(updates, VolumeUpdate{
			Name:              lun.name,
			ReplicationStatus: ReplicationEnabled,
			Location:          lun.location(secondary.BackendID),
		})
	}

	for _, vol := range unreplicated {
		previous := vol.Metadata[metadataPreviousStatus]
		if previous == "" {
			previous = "available"
		}

		updates = append(updates, VolumeUpdate{
			Name:     vol.Name,
			Status:   previous,
			Metadata: map[string]string{metadataPreviousStatus: ""},
		})
	}

	return BackendIDDefault, updates, nil
}

// partitionVolumes splits the volumes into those with an active replica,
// translated into luns, and those without.
func partitionVolumes(vols []*Volume, replicaBackendID string) ([]*Lun, []*Volume) {
	var replicated []*Lun
	var unreplicated []*Volume

	for _, vol := range vols {
		lun := newLun(vol, replicaBackendID)
		if lun.replicated() {
			replicated = append(replicated, lun)
		} else {
			unreplicated = append(unreplicated, vol)
		}
	}

	return replicated, unreplicated
}
