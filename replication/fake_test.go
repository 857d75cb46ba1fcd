package replication

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storagekit/metromirror/shared/api"
	"github.com/storagekit/metromirror/shared/logger"
)

// testPortPairs is the port pair set shared by most fixtures.
var testPortPairs = []PortPair{
	{SourcePortID: "I0040", TargetPortID: "I0140"},
	{SourcePortID: "I0041", TargetPortID: "I0141"},
}

// fakeArrayAPI is an in-memory stand-in for one array's REST control plane.
// Mutators record every request so tests can assert on the exact calls made.
type fakeArrayAPI struct {
	mu sync.Mutex

	system    arraySystem
	systemErr error

	pools []arrayPool

	lssType    map[string]string
	lssVolumes map[string]int

	volumes map[string]arrayVolume

	// fullLSS simulates an LSS running out of volume slots between placement
	// and create.
	fullLSS map[string]bool

	links []PortPair
	paths []pprcPath

	// createPathErr fails every path create when set.
	createPathErr error

	// pathStaysDown leaves the port pairs of created paths in a failed state.
	pathStaysDown bool

	pairs []pprcPair

	// pairStates is the sequence of copy states reported by successive pair
	// queries; the last entry repeats. An empty sequence reports full duplex.
	pairStates []string
	stateIdx   int

	// pairsErr fails every pair query when set, simulating an unreachable
	// array.
	pairsErr error

	createdVolumes []createVolumeRequest
	deletedVolumes []string
	createdPaths   []createPathRequest
	deletedPaths   []string
	pairCreates    []createPairsRequest
	pairDeletes    [][]string
}

func newFakeArrayAPI(wwnn string) *fakeArrayAPI {
	return &fakeArrayAPI{
		system:     arraySystem{ID: wwnn, Name: wwnn, WWNN: wwnn},
		lssType:    map[string]string{},
		lssVolumes: map[string]int{},
		volumes:    map[string]arrayVolume{},
		fullLSS:    map[string]bool{},
	}
}

// addLSS seeds one logical subsystem.
func (f *fakeArrayAPI) addLSS(id string, lssType string, volumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lssType[id] = lssType
	f.lssVolumes[id] = volumes
}

// addPath seeds one PPRC path to the given peer, riding testPortPairs.
func (f *fakeArrayAPI) addPath(sourceLSS string, targetLSS string, targetWWNN string, portState string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pairs := make([]PortPair, 0, len(testPortPairs))
	for _, pair := range testPortPairs {
		pair.State = portState
		pairs = append(pairs, pair)
	}

	f.paths = append(f.paths, pprcPath{
		ID:               pathID(f.system.WWNN, sourceLSS, targetWWNN, targetLSS),
		SourceLSS:        sourceLSS,
		TargetLSS:        targetLSS,
		TargetSystemWWNN: targetWWNN,
		PortPairs:        pairs,
	})
}

// addVolume seeds one volume.
func (f *fakeArrayAPI) addVolume(id string, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[id] = arrayVolume{ID: id, Name: name, State: "normal"}
}

// addPair seeds one existing PPRC pair.
func (f *fakeArrayAPI) addPair(sourceVolumeID string, targetVolumeID string, targetWWNN string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pair := Pair{SourceVolumeID: sourceVolumeID, TargetVolumeID: targetVolumeID}
	f.pairs = append(f.pairs, f.newPair(pair, targetWWNN))
}

func (f *fakeArrayAPI) newPair(pair Pair, targetWWNN string) pprcPair {
	out := pprcPair{
		ID:               pair.wireID(f.system.WWNN, targetWWNN),
		TargetSystemWWNN: targetWWNN,
	}
	out.SourceVolume.Name = pair.SourceVolumeID
	out.TargetVolume.Name = pair.TargetVolumeID

	return out
}

func (f *fakeArrayAPI) nextPairState() string {
	if len(f.pairStates) == 0 {
		return string(PairStateFullDuplex)
	}

	state := f.pairStates[f.stateIdx]
	if f.stateIdx < len(f.pairStates)-1 {
		f.stateIdx++
	}

	return state
}

func (f *fakeArrayAPI) GetSystem(ctx context.Context) (*arraySystem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.systemErr != nil {
		return nil, f.systemErr
	}

	system := f.system
	return &system, nil
}

func (f *fakeArrayAPI) GetPools(ctx context.Context) ([]arrayPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]arrayPool(nil), f.pools...), nil
}

func (f *fakeArrayAPI) GetLSSes(ctx context.Context) ([]arrayLSS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := map[string]bool{}
	for id := range f.lssType {
		ids[id] = true
	}

	for id := range f.lssVolumes {
		ids[id] = true
	}

	out := make([]arrayLSS, 0, len(ids))
	for id := range ids {
		n, err := lssNumber(id)
		if err != nil {
			continue
		}

		out = append(out, arrayLSS{
			ID:                id,
			Group:             strconv.Itoa(n % 2),
			AddressGroup:      strconv.Itoa(n / 16),
			Type:              f.lssType[id],
			ConfiguredVolumes: strconv.Itoa(f.lssVolumes[id]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (f *fakeArrayAPI) CreateVolume(ctx context.Context, req createVolumeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createdVolumes = append(f.createdVolumes, req)

	if f.fullLSS[req.LSS] {
		return "", fmt.Errorf("Failed to create volume %q: %w", req.Name, ErrLSSFull)
	}

	id := fmt.Sprintf("%s%02x", req.LSS, f.lssVolumes[req.LSS])
	f.volumes[id] = arrayVolume{ID: id, Name: req.Name, Pool: req.PoolID, State: "normal"}
	f.lssVolumes[req.LSS]++

	return id, nil
}

func (f *fakeArrayAPI) GetVolume(ctx context.Context, volumeID string) (*arrayVolume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	vol, ok := f.volumes[volumeID]
	if !ok {
		return nil, api.StatusErrorf(http.StatusNotFound, "Volume not found: %q", volumeID)
	}

	return &vol, nil
}

func (f *fakeArrayAPI) DeleteVolume(ctx context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletedVolumes = append(f.deletedVolumes, volumeID)

	_, ok := f.volumes[volumeID]
	if !ok {
		return api.StatusErrorf(http.StatusNotFound, "Volume not found: %q", volumeID)
	}

	delete(f.volumes, volumeID)
	f.lssVolumes[volumeLSS(volumeID)]--

	return nil
}

func (f *fakeArrayAPI) GetPhysicalLinks(ctx context.Context, targetWWNN string) ([]PortPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PortPair(nil), f.links...), nil
}

func (f *fakeArrayAPI) GetPPRCPaths(ctx context.Context) ([]pprcPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pprcPath(nil), f.paths...), nil
}

func (f *fakeArrayAPI) CreatePPRCPath(ctx context.Context, req createPathRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createPathErr != nil {
		return f.createPathErr
	}

	f.createdPaths = append(f.createdPaths, req)

	state := portStateSuccess
	if f.pathStaysDown {
		state = "failed"
	}

	pairs := make([]PortPair, 0, len(req.PortPairs))
	for _, pair := range req.PortPairs {
		pair.State = state
		pairs = append(pairs, pair)
	}

	f.paths = append(f.paths, pprcPath{
		ID:               pathID(f.system.WWNN, req.SourceLSS, req.TargetSystemWWNN, req.TargetLSS),
		SourceLSS:        req.SourceLSS,
		TargetLSS:        req.TargetLSS,
		TargetSystemWWNN: req.TargetSystemWWNN,
		PortPairs:        pairs,
	})

	return nil
}

func (f *fakeArrayAPI) DeletePPRCPath(ctx context.Context, pathID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletedPaths = append(f.deletedPaths, pathID)

	var remaining []pprcPath
	for _, path := range f.paths {
		if path.ID != pathID {
			remaining = append(remaining, path)
		}
	}

	f.paths = remaining

	return nil
}

func (f *fakeArrayAPI) GetPPRCPairs(ctx context.Context, minVolumeID string, maxVolumeID string) ([]pprcPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pairsErr != nil {
		return nil, f.pairsErr
	}

	minVal, _ := strconv.ParseInt(minVolumeID, 16, 64)
	maxVal, _ := strconv.ParseInt(maxVolumeID, 16, 64)

	state := f.nextPairState()

	var out []pprcPair
	for _, pair := range f.pairs {
		val, _ := strconv.ParseInt(pair.SourceVolume.Name, 16, 64)
		if val < minVal || val > maxVal {
			continue
		}

		pair.State = state
		out = append(out, pair)
	}

	return out, nil
}

func (f *fakeArrayAPI) CreatePPRCPairs(ctx context.Context, req createPairsRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pairCreates = append(f.pairCreates, req)

	for _, pair := range req.Pairs {
		created := f.newPair(pair, req.TargetSystemWWNN)

		replaced := false
		for i, existing := range f.pairs {
			if existing.ID == created.ID {
				f.pairs[i] = created
				replaced = true
				break
			}
		}

		if !replaced {
			f.pairs = append(f.pairs, created)
		}
	}

	return nil
}

func (f *fakeArrayAPI) DeletePPRCPairs(ctx context.Context, pairIDs []string, options []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pairDeletes = append(f.pairDeletes, pairIDs)

	remove := map[string]bool{}
	for _, id := range pairIDs {
		remove[id] = true
	}

	var remaining []pprcPair
	for _, pair := range f.pairs {
		if !remove[pair.ID] {
			remaining = append(remaining, pair)
		}
	}

	f.pairs = remaining

	return nil
}

// fbPools returns a pool on each controller node, node 0 holding the larger
// free capacity.
func fbPools() []arrayPool {
	return []arrayPool{
		{ID: "P0", Name: "pool0", Node: "0", StorageType: "fb", Capacity: "10995116277760", CapacityAvailable: "8796093022208"},
		{ID: "P1", Name: "pool1", Node: "1", StorageType: "fb", Capacity: "10995116277760", CapacityAvailable: "4398046511104"},
	}
}

// newFakeStorageArray wires a fake control plane into a StorageArray and
// loads its inventory.
func newFakeStorageArray(t *testing.T, backendID string, f *fakeArrayAPI, connType string, reserved ...string) *StorageArray {
	t.Helper()

	a := &StorageArray{
		api:           f,
		BackendID:     backendID,
		WWNN:          f.system.WWNN,
		connType:      connType,
		reservedGroup: normalizeLSSIDs(reserved),
		pools:         map[string]*Pool{},
		lsses:         map[string]*LSS{},
		logger:        logger.AddContext(logger.Ctx{"backend": backendID}),
	}

	require.NoError(t, a.RefreshInventory(context.Background()))

	return a
}

// newTestOrchestrator assembles an orchestrator around two fake-backed
// arrays with a fast poll interval.
func newTestOrchestrator(t *testing.T, source *StorageArray, target *StorageArray) *Orchestrator {
	t.Helper()

	conf := &Config{
		Primary:        ArrayConfig{BackendID: source.BackendID},
		Target:         ArrayConfig{BackendID: target.BackendID},
		ConnectionType: source.connType,
		PortPairs:      testPortPairs,
		PollInterval:   time.Millisecond,
	}

	return &Orchestrator{
		conf:         conf,
		source:       source,
		target:       target,
		claims:       newGroupClaims(),
		pollInterval: time.Millisecond,
		logger:       logger.AddContext(logger.Ctx{"primary": source.BackendID, "target": target.BackendID}),
	}
}
