package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/storagekit/metromirror/shared/logger"
)

// PairState is the array reported copy state of a PPRC pair. States are only
// ever observed through polling, never set directly.
type PairState string

const (
	PairStateNotExist           PairState = "not_exist"
	PairStateFullDuplex         PairState = "full_duplex"
	PairStateSuspended          PairState = "suspended"
	PairStateValid              PairState = "valid"
	PairStateInvalid            PairState = "invalid"
	PairStateTargetSuspended    PairState = "target_suspended"
	PairStateVolumeInaccessible PairState = "volume_inaccessible"
)

// defaultPollInterval is the delay between successive copy state polls.
const defaultPollInterval = 2 * time.Second

// Options understood by the pairs create call.
const (
	pairOptionSpaceEfficient  = "permit_space_efficient_target"
	pairOptionInitialCopyFull = "initial_copy_full"
	pairOptionFailover        = "failover"
	pairOptionFailback        = "failback"
	pairOptionUnconditional   = "unconditional"
	pairOptionIssueSource     = "issue_source"
	pairOptionIssueTarget     = "issue_target"
)

// abortState reports whether the observed state terminates a wait. While
// awaiting full duplex a suspension is also terminal, since a fresh pair
// that suspends will never synchronize on its own.
func abortState(state PairState, awaitingDuplex bool) bool {
	switch state {
	case PairStateInvalid, PairStateTargetSuspended, PairStateVolumeInaccessible:
		return true
	case PairStateSuspended:
		return awaitingDuplex
	}

	return false
}

// Pair identifies one volume level Metro Mirror relationship by its two
// volume IDs, in the direction of the array the operation is issued on.
type Pair struct {
	SourceVolumeID string
	TargetVolumeID string
}

// reversed returns the pair with its direction flipped.
func (p Pair) reversed() Pair {
	return Pair{SourceVolumeID: p.TargetVolumeID, TargetVolumeID: p.SourceVolumeID}
}

// key identifies the pair within a polled batch.
func (p Pair) key() string {
	return p.SourceVolumeID + ":" + p.TargetVolumeID
}

// wireID derives the array's pair identity for the current direction.
func (p Pair) wireID(sourceWWNN string, targetWWNN string) string {
	return fmt.Sprintf("%s_%s:%s_%s", sourceWWNN, p.SourceVolumeID, targetWWNN, p.TargetVolumeID)
}

// reversePairs flips the direction of every pair.
func reversePairs(pairs []Pair) []Pair {
	out := make([]Pair, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, pair.reversed())
	}

	return out
}

// PairManager drives the lifecycle of Metro Mirror volume pairs between the
// two arrays.
type PairManager struct {
	source *StorageArray
	target *StorageArray

	// pollInterval is the fixed sleep between copy state polls.
	pollInterval time.Duration

	logger logger.Logger
}

// NewPairManager returns a pair manager replicating from source to target.
func NewPairManager(source *StorageArray, target *StorageArray) *PairManager {
	return &PairManager{
		source:       source,
		target:       target,
		pollInterval: defaultPollInterval,
		logger: logger.AddContext(logger.Ctx{
			"source": source.BackendID,
			"target": target.BackendID,
		}),
	}
}

// CreatePairs establishes the given Metro Mirror pairs and blocks until every
// pair reaches full duplex. If any pair in the polled batch reports a
// terminal state instead, all pairs of the batch are deleted best-effort and
// the create fails.
func (m *PairManager) CreatePairs(ctx context.Context, pairs []Pair) error {
	err := m.source.api.CreatePPRCPairs(ctx, createPairsRequest{
		TargetSystemWWNN: m.target.WWNN,
		Pairs:            pairs,
		Options:          []string{pairOptionSpaceEfficient, pairOptionInitialCopyFull},
	})
	if err != nil {
		return err
	}

	return m.waitForState(ctx, m.source, pairs, PairStateFullDuplex, true)
}

// Failover reverses the replication direction of the given pairs: the create
// is issued on the target array, which takes over as the writable primary.
// Pairs are given in the currently active direction. The expected state after
// a failover is suspended.
func (m *PairManager) Failover(ctx context.Context, pairs []Pair) error {
	reversed := reversePairs(pairs)

	err := m.target.api.CreatePPRCPairs(ctx, createPairsRequest{
		TargetSystemWWNN: m.source.WWNN,
		Pairs:            reversed,
		Options:          []string{pairOptionFailover},
	})
	if err != nil {
		return err
	}

	return m.waitForState(ctx, m.target, reversed, PairStateSuspended, false)
}

// Failback resynchronizes the given pairs back towards the target array and
// blocks until they reach full duplex. The call addresses existing pair IDs
// rather than volumes, since the pair identity follows the current direction.
func (m *PairManager) Failback(ctx context.Context, pairs []Pair) error {
	ids := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		ids = append(ids, pair.wireID(m.source.WWNN, m.target.WWNN))
	}

	err := m.source.api.CreatePPRCPairs(ctx, createPairsRequest{
		PairIDs: ids,
		Options: []string{pairOptionFailback},
	})
	if err != nil {
		return err
	}

	return m.waitForState(ctx, m.source, pairs, PairStateFullDuplex, false)
}

// DeletePair removes the Metro Mirror pair involving volumeID on the given
// array. A pair that does not exist is a no-op, never an error. issueSource
// selects from whose perspective the delete is issued; using the wrong side
// silently leaves the pair behind on the other array.
func (m *PairManager) DeletePair(ctx context.Context, array *StorageArray, volumeID string, issueSource bool) error {
	if volumeID == "" {
		return nil
	}

	observed, err := array.api.GetPPRCPairs(ctx, volumeID, volumeID)
	if err != nil {
		return err
	}

	var ids []string
	for _, pair := range observed {
		if pair.SourceVolume.Name == volumeID || pair.TargetVolume.Name == volumeID {
			ids = append(ids, pair.ID)
		}
	}

	if len(ids) == 0 {
		return nil
	}

	option := pairOptionIssueTarget
	if issueSource {
		option = pairOptionIssueSource
	}

	return array.api.DeletePPRCPairs(ctx, ids, []string{pairOptionUnconditional, option})
}

// waitForState polls the copy state of the batch until every pair reports
// want. Polling is keyed by the batch's volume ID range so a whole
// consistency group costs one REST call per tick. Any terminal state aborts
// the wait, deletes the batch best-effort and fails.
func (m *PairManager) waitForState(ctx context.Context, array *StorageArray, pairs []Pair, want PairState, awaitingDuplex bool) error {
	wanted := make(map[string]bool, len(pairs))
	volumeIDs := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		wanted[pair.key()] = true
		volumeIDs = append(volumeIDs, pair.SourceVolumeID)
	}

	minID, maxID := volumeIDRange(volumeIDs)

	for {
		observed, err := array.api.GetPPRCPairs(ctx, minID, maxID)
		if err != nil {
			return err
		}

		reached := 0
		for _, pair := range observed {
			key := pair.SourceVolume.Name + ":" + pair.TargetVolume.Name
			if !wanted[key] {
				continue
			}

			state := PairState(pair.State)
			if abortState(state, awaitingDuplex) {
				m.logger.Error("PPRC pair entered terminal state", logger.Ctx{"pair": pair.ID, "state": state})
				m.deleteBatch(ctx, array, pairs)
				return &APIError{Message: fmt.Sprintf("PPRC pair %q entered state %q while waiting for %q", pair.ID, state, want)}
			}

			if state == want {
				reached++
			}
		}

		if reached == len(pairs) {
			return nil
		}

		err = ctx.Err()
		if err != nil {
			return fmt.Errorf("Aborted waiting for PPRC pairs to reach %q: %w", want, err)
		}

		time.Sleep(m.pollInterval)
	}
}

// deleteBatch removes every pair of the batch, tolerating failures. The
// caller's own error is what must surface, not a cleanup failure.
func (m *PairManager) deleteBatch(ctx context.Context, array *StorageArray, pairs []Pair) {
	peer := m.target
	if array == m.target {
		peer = m.source
	}

	ids := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		ids = append(ids, pair.wireID(array.WWNN, peer.WWNN))
	}

	err := array.api.DeletePPRCPairs(ctx, ids, []string{pairOptionUnconditional, pairOptionIssueSource})
	if err != nil {
		m.logger.Warn("Failed to delete PPRC pair batch", logger.Ctx{"pairs": ids, "err": err})
	}
}
