package replication

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoSites builds a source/target array pair over fresh fakes with pinned
// port pairs, ready for orchestration.
func twoSites(t *testing.T) (*fakeArrayAPI, *fakeArrayAPI, *Orchestrator) {
	t.Helper()

	sourceAPI := newFakeArrayAPI("wwnn-a")
	sourceAPI.pools = fbPools()
	targetAPI := newFakeArrayAPI("wwnn-b")
	targetAPI.pools = fbPools()

	source := newFakeStorageArray(t, "site-a", sourceAPI, ConnTypeFB)
	target := newFakeStorageArray(t, "site-b", targetAPI, ConnTypeFB)
	source.PinPortPairs(testPortPairs)
	target.PinPortPairs(testPortPairs)

	return sourceAPI, targetAPI, newTestOrchestrator(t, source, target)
}

func TestEstablishReplicationFreshVolume(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)

	out, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10})
	require.NoError(t, err)

	assert.Equal(t, ReplicationEnabled, out.ReplicationStatus)
	assert.Equal(t, "0000", out.Location.VolumeID)
	assert.Equal(t, map[string]string{"site-b": "0000"}, out.Location.Replicas)

	require.Len(t, sourceAPI.createdVolumes, 1)
	assert.Equal(t, createVolumeRequest{Name: "vol1", SizeGiB: 10, DataType: ConnTypeFB, PoolID: "P0", LSS: "00"}, sourceAPI.createdVolumes[0])
	require.Len(t, targetAPI.createdVolumes, 1)
	assert.Equal(t, "00", targetAPI.createdVolumes[0].LSS)

	require.Len(t, sourceAPI.createdPaths, 1)
	assert.False(t, sourceAPI.createdPaths[0].ConsistencyGroup)

	require.Len(t, sourceAPI.pairCreates, 1)
	assert.Equal(t, []string{pairOptionSpaceEfficient, pairOptionInitialCopyFull}, sourceAPI.pairCreates[0].Options)
}

func TestEstablishReplicationRetriesFullSourceLSS(t *testing.T) {
	sourceAPI, _, o := twoSites(t)
	sourceAPI.fullLSS["00"] = true

	out, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10})
	require.NoError(t, err)

	// The first placement lost the race, the second one moved to the next
	// LSS in the node's parity space.
	require.Len(t, sourceAPI.createdVolumes, 2)
	assert.Equal(t, "00", sourceAPI.createdVolumes[0].LSS)
	assert.Equal(t, "02", sourceAPI.createdVolumes[1].LSS)
	assert.Equal(t, "0200", out.Location.VolumeID)
}

func TestEstablishReplicationRetriesFullTargetLSS(t *testing.T) {
	_, targetAPI, o := twoSites(t)
	targetAPI.fullLSS["00"] = true

	out, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10})
	require.NoError(t, err)

	require.Len(t, targetAPI.createdVolumes, 2)
	assert.Equal(t, "02", targetAPI.createdVolumes[1].LSS)
	assert.Equal(t, map[string]string{"site-b": "0200"}, out.Location.Replicas)
}

func TestEstablishReplicationReusesHealthyPath(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addLSS("1a", "fb", 1)
	sourceAPI.addVolume("1a00", "vol1")
	sourceAPI.addPath("1a", "1c", "wwnn-b", portStateSuccess)
	targetAPI.addLSS("1c", "fb", 0)

	vol := &Volume{Name: "vol1", SizeGiB: 10, Location: ProviderLocation{VolumeID: "1a00"}}
	out, err := o.EstablishReplication(context.Background(), vol)
	require.NoError(t, err)

	// The source volume already exists, only the replica is created, and it
	// lands on the far end of the existing path.
	assert.Empty(t, sourceAPI.createdVolumes)
	require.Len(t, targetAPI.createdVolumes, 1)
	assert.Equal(t, "1c", targetAPI.createdVolumes[0].LSS)
	assert.Equal(t, "1a00", out.Location.VolumeID)
	assert.Equal(t, map[string]string{"site-b": "1c00"}, out.Location.Replicas)

	// The existing path is reused, not recreated.
	assert.Empty(t, sourceAPI.createdPaths)
}

func TestEstablishReplicationUnhealthyPathIsFatal(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addLSS("1a", "fb", 1)
	sourceAPI.addPath("1a", "1c", "wwnn-b", "failed")

	vol := &Volume{Name: "vol1", SizeGiB: 10, Location: ProviderLocation{VolumeID: "1a00"}}
	_, err := o.EstablishReplication(context.Background(), vol)
	require.ErrorIs(t, err, ErrNoUsableLink)

	assert.Empty(t, sourceAPI.createdVolumes)
	assert.Empty(t, targetAPI.createdVolumes)
}

func TestEstablishReplicationCleansUpOnPairFailure(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.pairStates = []string{string(PairStateInvalid)}

	_, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)

	// Both freshly created volumes are rolled back.
	assert.Contains(t, sourceAPI.deletedVolumes, "0000")
	assert.Contains(t, targetAPI.deletedVolumes, "0000")
}

func TestEstablishReplicationKeepsExistingVolumeOnFailure(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addLSS("1a", "fb", 1)
	sourceAPI.addVolume("1a00", "vol1")
	sourceAPI.addPath("1a", "1c", "wwnn-b", portStateSuccess)
	targetAPI.addLSS("1c", "fb", 0)
	sourceAPI.pairStates = []string{string(PairStateInvalid)}

	vol := &Volume{Name: "vol1", SizeGiB: 10, Location: ProviderLocation{VolumeID: "1a00"}}
	_, err := o.EstablishReplication(context.Background(), vol)
	require.Error(t, err)

	// Only the replica is rolled back, the caller's volume stays.
	assert.NotContains(t, sourceAPI.deletedVolumes, "1a00")
	assert.Contains(t, targetAPI.deletedVolumes, "1c00")
}

func TestEstablishReplicationRejectedWhileFailedOver(t *testing.T) {
	_, _, o := twoSites(t)
	o.failedOver = true

	_, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10})
	assert.ErrorContains(t, err, "failed over")
}

func TestEstablishReplicationConsistencyGroup(t *testing.T) {
	sourceAPI := newFakeArrayAPI("wwnn-a")
	sourceAPI.pools = fbPools()
	targetAPI := newFakeArrayAPI("wwnn-b")
	targetAPI.pools = fbPools()

	source := newFakeStorageArray(t, "site-a", sourceAPI, ConnTypeFB, "e0")
	target := newFakeStorageArray(t, "site-b", targetAPI, ConnTypeFB, "e4")
	source.PinPortPairs(testPortPairs)
	o := newTestOrchestrator(t, source, target)

	out, err := o.EstablishReplication(context.Background(), &Volume{Name: "vol1", SizeGiB: 10, GroupID: "g1"})
	require.NoError(t, err)

	// Members land on the reserved LSS pair and the path carries consistency
	// group semantics.
	assert.Equal(t, "e000", out.Location.VolumeID)
	assert.Equal(t, map[string]string{"site-b": "e400"}, out.Location.Replicas)
	require.Len(t, sourceAPI.createdPaths, 1)
	assert.True(t, sourceAPI.createdPaths[0].ConsistencyGroup)

	// A second member of the same group reuses the claim.
	out, err = o.EstablishReplication(context.Background(), &Volume{Name: "vol2", SizeGiB: 10, GroupID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, "e001", out.Location.VolumeID)

	// A different group cannot share the claimed pair and the reservation
	// only holds one.
	_, err = o.EstablishReplication(context.Background(), &Volume{Name: "vol3", SizeGiB: 10, GroupID: "g2"})
	require.ErrorIs(t, err, ErrReservedLSSExhausted)

	o.ReleaseGroup("g1")

	_, err = o.EstablishReplication(context.Background(), &Volume{Name: "vol3", SizeGiB: 10, GroupID: "g2"})
	require.NoError(t, err)
}

func TestDeleteReplica(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addVolume("0a00", "vol1")
	sourceAPI.addPair("0a00", "0a01", "wwnn-b")
	targetAPI.addVolume("0a01", "vol1")
	targetAPI.addPair("0a01", "0a00", "wwnn-a")

	vol := &Volume{
		Name:              "vol1",
		ReplicationStatus: ReplicationEnabled,
		Location:          ProviderLocation{VolumeID: "0a00", Replicas: map[string]string{"site-b": "0a01"}},
	}

	out, err := o.DeleteReplica(context.Background(), vol)
	require.NoError(t, err)

	assert.Equal(t, ReplicationDisabled, out.ReplicationStatus)
	assert.Nil(t, out.Location.Replicas)

	require.Len(t, sourceAPI.pairDeletes, 1)
	require.Len(t, targetAPI.pairDeletes, 1)
	assert.Equal(t, []string{"0a01"}, targetAPI.deletedVolumes)
}

func TestDeleteReplicaUnreplicated(t *testing.T) {
	sourceAPI, _, o := twoSites(t)

	vol := &Volume{Name: "vol1", Location: ProviderLocation{VolumeID: "0a00"}}
	out, err := o.DeleteReplica(context.Background(), vol)
	require.NoError(t, err)

	assert.Equal(t, ReplicationDisabled, out.ReplicationStatus)
	assert.Empty(t, sourceAPI.pairDeletes)
}

func TestDeleteReplicaTargetUnreachable(t *testing.T) {
	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addVolume("0a00", "vol1")
	sourceAPI.addPair("0a00", "0a01", "wwnn-b")
	targetAPI.addVolume("0a01", "vol1")
	targetAPI.pairsErr = errors.New("connection refused")

	vol := &Volume{
		Name:              "vol1",
		ReplicationStatus: ReplicationEnabled,
		Location:          ProviderLocation{VolumeID: "0a00", Replicas: map[string]string{"site-b": "0a01"}},
	}

	// The source side is cleaned up, the stranded replica volume stays.
	out, err := o.DeleteReplica(context.Background(), vol)
	require.NoError(t, err)

	assert.Equal(t, ReplicationDisabled, out.ReplicationStatus)
	require.Len(t, sourceAPI.pairDeletes, 1)
	assert.Empty(t, targetAPI.deletedVolumes)
}

func failoverFixture(t *testing.T) (*fakeArrayAPI, *fakeArrayAPI, *Orchestrator, []*Volume) {
	t.Helper()

	sourceAPI, targetAPI, o := twoSites(t)
	sourceAPI.addVolume("0a00", "vol1")
	targetAPI.addVolume("0a01", "vol1")
	sourceAPI.addPair("0a00", "0a01", "wwnn-b")

	vols := []*Volume{
		{
			Name:              "vol1",
			Status:            "in-use",
			ReplicationStatus: ReplicationEnabled,
			Location:          ProviderLocation{VolumeID: "0a00", Replicas: map[string]string{"site-b": "0a01"}},
		},
		{
			Name:   "vol2",
			Status: "available",
		},
	}

	return sourceAPI, targetAPI, o, vols
}

func TestFailoverHost(t *testing.T) {
	sourceAPI, targetAPI, o, vols := failoverFixture(t)
	targetAPI.pairStates = []string{string(PairStateSuspended)}

	active, updates, err := o.FailoverHost(context.Background(), vols, "site-b")
	require.NoError(t, err)
	assert.Equal(t, "site-b", active)
	assert.True(t, o.FailedOver())

	// The takeover was issued on the secondary with reversed pairs.
	assert.Empty(t, sourceAPI.pairCreates)
	require.Len(t, targetAPI.pairCreates, 1)
	assert.Equal(t, []string{pairOptionFailover}, targetAPI.pairCreates[0].Options)
	assert.Equal(t, []Pair{{SourceVolumeID: "0a01", TargetVolumeID: "0a00"}}, targetAPI.pairCreates[0].Pairs)

	require.Len(t, updates, 2)

	assert.Equal(t, "vol1", updates[0].Name)
	assert.Equal(t, ReplicationFailedOver, updates[0].ReplicationStatus)
	require.NotNil(t, updates[0].Location)
	assert.Equal(t, "0a01", updates[0].Location.VolumeID)
	assert.Equal(t, map[string]string{"site-a": "0a00"}, updates[0].Location.Replicas)

	// The unreplicated volume is stranded until failback.
	assert.Equal(t, "vol2", updates[1].Name)
	assert.Equal(t, statusError, updates[1].Status)
	assert.Equal(t, map[string]string{metadataPreviousStatus: "available"}, updates[1].Metadata)
}

func TestFailoverHostIdempotent(t *testing.T) {
	_, targetAPI, o, vols := failoverFixture(t)
	targetAPI.pairStates = []string{string(PairStateSuspended)}

	_, _, err := o.FailoverHost(context.Background(), vols, "site-b")
	require.NoError(t, err)

	// Failing over to the already active backend changes nothing.
	active, updates, err := o.FailoverHost(context.Background(), vols, "site-b")
	require.NoError(t, err)
	assert.Equal(t, "site-b", active)
	assert.Empty(t, updates)
	require.Len(t, targetAPI.pairCreates, 1)
}

func TestFailoverHostInvalidTarget(t *testing.T) {
	_, _, o, vols := failoverFixture(t)

	_, _, err := o.FailoverHost(context.Background(), vols, "site-c")
	assert.ErrorIs(t, err, ErrInvalidReplicationTarget)
	assert.False(t, o.FailedOver())
}

func TestFailbackHostNotFailedOver(t *testing.T) {
	_, _, o, vols := failoverFixture(t)

	active, updates, err := o.FailbackHost(context.Background(), vols)
	require.NoError(t, err)
	assert.Equal(t, BackendIDDefault, active)
	assert.Empty(t, updates)
}

func TestFailoverFailbackRoundTrip(t *testing.T) {
	sourceAPI, targetAPI, o, vols := failoverFixture(t)

	// The secondary first reports the takeover, then the resync; the
	// original primary does the same in the return direction.
	targetAPI.pairStates = []string{string(PairStateSuspended), string(PairStateFullDuplex)}
	sourceAPI.pairStates = []string{string(PairStateSuspended), string(PairStateFullDuplex)}

	// A healthy return path already exists on the secondary.
	targetAPI.addLSS("0a", "fb", 1)
	targetAPI.addPath("0a", "0a", "wwnn-a", portStateSuccess)

	_, updates, err := o.FailoverHost(context.Background(), vols, "site-b")
	require.NoError(t, err)

	// Feed the failover updates back in, the way the volume layer would.
	failedOver := []*Volume{
		{
			Name:              "vol1",
			Status:            "in-use",
			ReplicationStatus: updates[0].ReplicationStatus,
			Location:          *updates[0].Location,
		},
		{
			Name:     "vol2",
			Status:   updates[1].Status,
			Metadata: updates[1].Metadata,
		},
	}

	active, updates, err := o.FailbackHost(context.Background(), failedOver)
	require.NoError(t, err)
	assert.Equal(t, BackendIDDefault, active)
	assert.False(t, o.FailedOver())

	require.Len(t, updates, 2)

	// Placement is restored exactly.
	assert.Equal(t, ReplicationEnabled, updates[0].ReplicationStatus)
	require.NotNil(t, updates[0].Location)
	assert.Equal(t, "0a00", updates[0].Location.VolumeID)
	assert.Equal(t, map[string]string{"site-b": "0a01"}, updates[0].Location.Replicas)

	// The stranded volume gets its previous status back.
	assert.Equal(t, "vol2", updates[1].Name)
	assert.Equal(t, "available", updates[1].Status)
}

func TestFailbackHostPrimaryUnreachable(t *testing.T) {
	sourceAPI, targetAPI, o, vols := failoverFixture(t)
	targetAPI.pairStates = []string{string(PairStateSuspended)}

	_, _, err := o.FailoverHost(context.Background(), vols, "site-b")
	require.NoError(t, err)

	sourceAPI.mu.Lock()
	sourceAPI.systemErr = errors.New("dial tcp: i/o timeout")
	sourceAPI.mu.Unlock()

	// A failback request is a failover to "default".
	active, _, err := o.FailoverHost(context.Background(), vols, BackendIDDefault)
	assert.ErrorIs(t, err, ErrUnableToFailOver)
	assert.Equal(t, "site-b", active)
	assert.True(t, o.FailedOver())
}
