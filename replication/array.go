package replication

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/storagekit/metromirror/shared/logger"
)

// Connection types supported by the arrays. An LSS serves exactly one of the
// two addressing schemes.
const (
	ConnTypeFB  = "fb"
	ConnTypeCKD = "ckd"
)

// maxLSSNumber is the highest valid LSS ID on the array.
const maxLSSNumber = 0xFF

// maxVolumesPerLSS is the number of volume slots in one logical subsystem.
const maxVolumesPerLSS = 256

// arrayAPI is the narrow surface of the array REST control plane consumed by
// the orchestration layer. It is implemented by Client.
type arrayAPI interface {
	GetSystem(ctx context.Context) (*arraySystem, error)
	GetPools(ctx context.Context) ([]arrayPool, error)
	GetLSSes(ctx context.Context) ([]arrayLSS, error)
	CreateVolume(ctx context.Context, req createVolumeRequest) (string, error)
	GetVolume(ctx context.Context, volumeID string) (*arrayVolume, error)
	DeleteVolume(ctx context.Context, volumeID string) error
	GetPhysicalLinks(ctx context.Context, targetWWNN string) ([]PortPair, error)
	GetPPRCPaths(ctx context.Context) ([]pprcPath, error)
	CreatePPRCPath(ctx context.Context, req createPathRequest) error
	DeletePPRCPath(ctx context.Context, pathID string) error
	GetPPRCPairs(ctx context.Context, minVolumeID string, maxVolumeID string) ([]pprcPair, error)
	CreatePPRCPairs(ctx context.Context, req createPairsRequest) error
	DeletePPRCPairs(ctx context.Context, pairIDs []string, options []string) error
}

// Pool is one storage pool on the array. A pool belongs to exactly one of the
// two controller nodes.
type Pool struct {
	ID             string
	Name           string
	Node           int
	StorageType    string
	CapacityBytes  uint64
	AvailableBytes uint64
}

// LSS is one logical subsystem on the array.
type LSS struct {
	ID                string
	Node              int
	Type              string
	ConfiguredVolumes int
}

// AddressGroup returns the address group the LSS belongs to. All LSSes within
// one address group must share the fb/ckd type.
func (l *LSS) AddressGroup() int {
	n, err := lssNumber(l.ID)
	if err != nil {
		return -1
	}

	return n / 16
}

// Full reports whether the LSS has no free volume slots left.
func (l *LSS) Full() bool {
	return l.ConfiguredVolumes >= maxVolumesPerLSS
}

// StorageArray models one physical array: its identity, its REST client and
// a read-mostly cache of its pool and LSS inventory. The struct is long-lived
// and shared across concurrent volume operations; the inventory caches are
// refreshed on demand.
type StorageArray struct {
	api arrayAPI

	// BackendID is the operator-assigned identifier of this array.
	BackendID string

	// WWNN is the array's world wide node name.
	WWNN string

	connType      string
	reservedGroup []string

	mu        sync.RWMutex
	pools     map[string]*Pool
	lsses     map[string]*LSS
	portPairs []PortPair

	logger logger.Logger
}

// NewStorageArray connects to the array behind conf and loads its identity
// and inventory.
func NewStorageArray(ctx context.Context, conf ArrayConfig, connType string) (*StorageArray, error) {
	a := &StorageArray{
		api:           NewClient(conf),
		BackendID:     conf.BackendID,
		connType:      connType,
		reservedGroup: normalizeLSSIDs(conf.ReservedGroupLSS),
		pools:         map[string]*Pool{},
		lsses:         map[string]*LSS{},
		logger:        logger.AddContext(logger.Ctx{"backend": conf.BackendID}),
	}

	system, err := a.api.GetSystem(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to query array %q: %w", conf.BackendID, err)
	}

	a.WWNN = system.WWNN

	err = a.RefreshInventory(ctx)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// RefreshInventory reloads the pool and LSS caches from the array. Both
// queries run concurrently.
func (a *StorageArray) RefreshInventory(ctx context.Context) error {
	var pools []arrayPool
	var lsses []arrayLSS

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pools, err = a.api.GetPools(ctx)
		return err
	})

	g.Go(func() error {
		var err error
		lsses, err = a.api.GetLSSes(ctx)
		return err
	})

	err := g.Wait()
	if err != nil {
		return fmt.Errorf("Failed to refresh inventory of array %q: %w", a.BackendID, err)
	}

	newPools := make(map[string]*Pool, len(pools))
	for _, pool := range pools {
		parsed, err := parsePool(pool)
		if err != nil {
			a.logger.Warn("Skipping unparsable pool", logger.Ctx{"pool": pool.ID, "err": err})
			continue
		}

		newPools[parsed.ID] = parsed
	}

	newLSSes := make(map[string]*LSS, len(lsses))
	for _, lss := range lsses {
		parsed, err := parseLSS(lss)
		if err != nil {
			a.logger.Warn("Skipping unparsable LSS", logger.Ctx{"lss": lss.ID, "err": err})
			continue
		}

		newLSSes[parsed.ID] = parsed
	}

	a.mu.Lock()
	a.pools = newPools
	a.lsses = newLSSes
	a.mu.Unlock()

	return nil
}

// Pools returns the cached pools serving the array's connection type, ordered
// by descending available capacity.
func (a *StorageArray) Pools() []*Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pools := make([]*Pool, 0, len(a.pools))
	for _, pool := range a.pools {
		if pool.StorageType != a.connType {
			continue
		}

		pools = append(pools, pool)
	}

	sort.Slice(pools, func(i, j int) bool {
		if pools[i].AvailableBytes != pools[j].AvailableBytes {
			return pools[i].AvailableBytes > pools[j].AvailableBytes
		}

		return pools[i].ID < pools[j].ID
	})

	return pools
}

// Pool returns the cached pool behind poolID, or nil.
func (a *StorageArray) Pool(poolID string) *Pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pools[poolID]
}

// LSSes returns the cached logical subsystems.
func (a *StorageArray) LSSes() []*LSS {
	a.mu.RLock()
	defer a.mu.RUnlock()

	lsses := make([]*LSS, 0, len(a.lsses))
	for _, lss := range a.lsses {
		lsses = append(lsses, lss)
	}

	sort.Slice(lsses, func(i, j int) bool { return lsses[i].ID < lsses[j].ID })

	return lsses
}

// LSS returns the cached logical subsystem behind lssID, or nil.
func (a *StorageArray) LSS(lssID string) *LSS {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lsses[strings.ToLower(lssID)]
}

// lssOccupancy returns the occupied volume slot count of the given LSS.
// An LSS the array has not yet materialized is empty.
func (a *StorageArray) lssOccupancy(lssID string) int {
	lss := a.LSS(lssID)
	if lss == nil {
		return 0
	}

	return lss.ConfiguredVolumes
}

// poolForLSS returns the pool with the most available capacity on the LSS's
// node, or nil if no pool of the array's connection type lives there. An LSS
// without a pool cannot host volumes and is unusable for replication.
func (a *StorageArray) poolForLSS(lssID string) *Pool {
	node, err := lssNumber(lssID)
	if err != nil {
		return nil
	}

	node %= 2

	var best *Pool
	for _, pool := range a.Pools() {
		if pool.Node != node {
			continue
		}

		// Pools() orders by descending available capacity.
		best = pool
		break
	}

	return best
}

// PinPortPairs records the port pairs replication to the remote array uses.
func (a *StorageArray) PinPortPairs(pairs []PortPair) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.portPairs = pairs
}

// PortPairs returns the pinned replication port pairs.
func (a *StorageArray) PortPairs() []PortPair {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.portPairs
}

// ReservedGroupLSS returns the LSS IDs set aside for consistency groups.
func (a *StorageArray) ReservedGroupLSS() []string {
	return a.reservedGroup
}

// reservedForGroup reports whether the LSS is part of the consistency group
// reservation.
func (a *StorageArray) reservedForGroup(lssID string) bool {
	lssID = strings.ToLower(lssID)
	for _, reserved := range a.reservedGroup {
		if reserved == lssID {
			return true
		}
	}

	return false
}

// ConnectionType returns the volume addressing scheme this array serves.
func (a *StorageArray) ConnectionType() string {
	return a.connType
}

func parsePool(raw arrayPool) (*Pool, error) {
	node, err := strconv.Atoi(raw.Node)
	if err != nil || (node != 0 && node != 1) {
		return nil, fmt.Errorf("Invalid pool node %q", raw.Node)
	}

	capacity, err := strconv.ParseUint(raw.Capacity, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid pool capacity %q", raw.Capacity)
	}

	available, err := strconv.ParseUint(raw.CapacityAvailable, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Invalid pool available capacity %q", raw.CapacityAvailable)
	}

	return &Pool{
		ID:             raw.ID,
		Name:           raw.Name,
		Node:           node,
		StorageType:    raw.StorageType,
		CapacityBytes:  capacity,
		AvailableBytes: available,
	}, nil
}

func parseLSS(raw arrayLSS) (*LSS, error) {
	id := strings.ToLower(raw.ID)
	n, err := lssNumber(id)
	if err != nil {
		return nil, err
	}

	configured := 0
	if raw.ConfiguredVolumes != "" {
		configured, err = strconv.Atoi(raw.ConfiguredVolumes)
		if err != nil {
			return nil, fmt.Errorf("Invalid LSS volume count %q", raw.ConfiguredVolumes)
		}
	}

	return &LSS{
		ID:                id,
		Node:              n % 2,
		Type:              raw.Type,
		ConfiguredVolumes: configured,
	}, nil
}

func normalizeLSSIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, strings.ToLower(id))
	}

	return out
}
