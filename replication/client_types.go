package replication

import (
	"encoding/json"
)

// responseEnvelope is the outer JSON document returned by the array for
// every request. The server block carries the request outcome, the data
// block carries the typed payload keyed by resource name.
type responseEnvelope struct {
	Server struct {
		Status  string `json:"status"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"server"`
	Data map[string]json.RawMessage `json:"data"`
}

// arraySystem describes the array itself.
type arraySystem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	WWNN string `json:"wwnn"`
}

// arrayPool describes one storage pool. The array reports numeric fields
// as decimal strings.
type arrayPool struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Node              string `json:"node"`
	StorageType       string `json:"stgtype"`
	Capacity          string `json:"cap"`
	CapacityAvailable string `json:"capavail"`
}

// arrayLSS describes one logical subsystem.
type arrayLSS struct {
	ID                string `json:"id"`
	Group             string `json:"group"`
	AddressGroup      string `json:"addrgrp"`
	Type              string `json:"type"`
	ConfiguredVolumes string `json:"configvols"`
}

// arrayVolume describes one logical volume.
type arrayVolume struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Pool  string `json:"pool"`
	State string `json:"state"`
}

// PortPair is one physical FC port mapping between the two arrays.
// State is only populated when the pair is reported as part of a PPRC path.
type PortPair struct {
	SourcePortID string `json:"source_port_id" yaml:"source"`
	TargetPortID string `json:"target_port_id" yaml:"target"`
	State        string `json:"state,omitempty" yaml:"-"`
}

// pprcPath is one PPRC path between an LSS pair on the two arrays.
type pprcPath struct {
	ID               string     `json:"id"`
	SourceLSS        string     `json:"source_lss_id"`
	TargetLSS        string     `json:"target_lss_id"`
	TargetSystemWWNN string     `json:"target_system_wwnn"`
	PortPairs        []PortPair `json:"port_pairs"`
}

// pprcPair is one volume level Metro Mirror relationship.
type pprcPair struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	SourceVolume struct {
		Name string `json:"name"`
	} `json:"source_volume"`
	TargetVolume struct {
		Name string `json:"name"`
	} `json:"target_volume"`
	TargetSystemWWNN string `json:"target_system_wwnn"`
}

// createVolumeRequest is the body of a volume create call.
type createVolumeRequest struct {
	Name     string
	SizeGiB  int
	DataType string
	PoolID   string
	LSS      string
}

// createPathRequest is the body of a PPRC path create call.
type createPathRequest struct {
	SourceLSS        string
	TargetLSS        string
	TargetSystemWWNN string
	PortPairs        []PortPair
	ConsistencyGroup bool
}

// createPairsRequest is the body of a PPRC pairs create call. Pairs are
// addressed either by source/target volume (create, failover) or by
// existing pair IDs (failback), never both.
type createPairsRequest struct {
	TargetSystemWWNN string
	Pairs            []Pair
	PairIDs          []string
	Options          []string
}
