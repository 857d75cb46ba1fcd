package replication

import (
	"strings"
)

// Replication status values reported back to the volume layer.
const (
	ReplicationEnabled    = "enabled"
	ReplicationDisabled   = "disabled"
	ReplicationFailedOver = "failed-over"
)

// statusError marks a volume the host cannot serve after a failover.
const statusError = "error"

// metadataPreviousStatus remembers a volume's status across a failover of
// volumes that cannot follow the array over.
const metadataPreviousStatus = "previous_status"

// ProviderLocation is the persisted placement handle of a volume. The
// external metadata store round-trips it unchanged between calls.
type ProviderLocation struct {
	// VolumeID is the array-assigned 4-hex-digit volume ID on the active array.
	VolumeID string `json:"vol_hex_id,omitempty"`

	// Replicas maps a replication target's backend ID to the volume's ID on
	// that target. Only one target is supported, but the handle is keyed so
	// that the stored form does not change if that ever loosens.
	Replicas map[string]string `json:"replicas,omitempty"`
}

// Volume is the descriptor exchanged with the external volume-management
// layer. The orchestration layer never persists it.
type Volume struct {
	Name              string
	SizeGiB           int
	GroupID           string
	Status            string
	ReplicationStatus string
	Metadata          map[string]string
	Location          ProviderLocation
}

// VolumeUpdate carries the per-volume changes resulting from an operation
// back to the external metadata store.
type VolumeUpdate struct {
	Name              string
	Status            string
	ReplicationStatus string
	Location          *ProviderLocation
	Metadata          map[string]string
}

// PoolLSS is a pool and LSS placement on one array.
type PoolLSS struct {
	PoolID string
	LSS    string
}

// PoolLSSPair records the placement decision on both sides of a replicated
// volume.
type PoolLSSPair struct {
	Source PoolLSS
	Target PoolLSS
}

// Lun is the orchestration layer's canonical view of one logical volume.
// It is built once per operation from the caller's descriptor; internal logic
// never branches on the external record's shape again.
type Lun struct {
	name        string
	sizeGiB     int
	groupID     string
	status      string
	dsID        string
	replicaDSID string
	failedOver  bool
	placement   *PoolLSSPair
}

// newLun translates an external volume descriptor into the canonical internal
// form. replicaBackendID selects which entry of the replica map applies.
func newLun(vol *Volume, replicaBackendID string) *Lun {
	return &Lun{
		name:        vol.Name,
		sizeGiB:     vol.SizeGiB,
		groupID:     vol.GroupID,
		status:      vol.Status,
		dsID:        strings.ToLower(vol.Location.VolumeID),
		replicaDSID: strings.ToLower(vol.Location.Replicas[replicaBackendID]),
		failedOver:  vol.ReplicationStatus == ReplicationFailedOver,
	}
}

// replicated reports whether the lun has an active replica.
func (l *Lun) replicated() bool {
	return l.replicaDSID != ""
}

// sourceLSS returns the LSS the lun lives in on the active array.
func (l *Lun) sourceLSS() string {
	return volumeLSS(l.dsID)
}

// replicaLSS returns the LSS of the lun's replica on the peer array.
func (l *Lun) replicaLSS() string {
	return volumeLSS(l.replicaDSID)
}

// swap exchanges the active and replica volume IDs after a change of
// replication direction.
func (l *Lun) swap() {
	l.dsID, l.replicaDSID = l.replicaDSID, l.dsID
	l.failedOver = !l.failedOver
}

// location builds the provider location handle for the lun's current
// placement, keyed by the backend holding the replica.
func (l *Lun) location(replicaBackendID string) *ProviderLocation {
	loc := &ProviderLocation{VolumeID: l.dsID}
	if l.replicaDSID != "" {
		loc.Replicas = map[string]string{replicaBackendID: l.replicaDSID}
	}

	return loc
}
