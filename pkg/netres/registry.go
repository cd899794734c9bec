package netres

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/google/uuid"
)

// Kind records how a range was reserved.
type Kind string

const (
	// KindDynamic ranges were found by Reserve.
	KindDynamic Kind = "dynamic"

	// KindStatic ranges were inserted with explicit bounds.
	KindStatic Kind = "static"
)

// AllocationPool is one interval of a network from which ranges are reserved.
type AllocationPool struct {
	Start netip.Addr `json:"start"`
	End   netip.Addr `json:"end"`
}

// Size returns the number of addresses in the pool.
func (p AllocationPool) Size() int {
	s, _ := toUint32(p.Start)
	e, _ := toUint32(p.End)
	return int(uint64(e) - uint64(s) + 1)
}

func (p AllocationPool) String() string {
	return fmt.Sprintf("%s-%s", p.Start, p.End)
}

// ReservedRange is an exclusively owned interval of a network.
type ReservedRange struct {
	ID       string     `json:"id"`
	Network  string     `json:"network"`
	Owner    string     `json:"owner"`
	Start    netip.Addr `json:"start"`
	End      netip.Addr `json:"end"`
	Kind     Kind       `json:"kind"`
	Assigned int        `json:"assigned"`
}

// Size returns the number of addresses in the range.
func (r ReservedRange) Size() int {
	s, _ := toUint32(r.Start)
	e, _ := toUint32(r.End)
	return int(uint64(e) - uint64(s) + 1)
}

// Overlaps reports whether two ranges share at least one address.
func (r ReservedRange) Overlaps(o ReservedRange) bool {
	return r.Start.Compare(o.End) <= 0 && o.Start.Compare(r.End) <= 0
}

// RangeSpec describes a range inserted with explicit bounds.
type RangeSpec struct {
	ID    string     `json:"id,omitempty"`
	Owner string     `json:"owner" validate:"required"`
	Start netip.Addr `json:"start"`
	End   netip.Addr `json:"end"`
	Kind  Kind       `json:"kind,omitempty"`
}

// NetworkInfo is a read-only view of a network.
type NetworkInfo struct {
	Name         string           `json:"name"`
	Pools        []AllocationPool `json:"pools"`
	Reservations []ReservedRange  `json:"reservations"`
	Capacity     int              `json:"capacity"`
	Reserved     int              `json:"reserved"`
}

type reservation struct {
	id    string
	owner string
	kind  Kind
	pool  *Pool
}

func (r *reservation) view(network string) ReservedRange {
	return ReservedRange{
		ID:       r.id,
		Network:  network,
		Owner:    r.owner,
		Start:    r.pool.Start(),
		End:      r.pool.End(),
		Kind:     r.kind,
		Assigned: r.pool.InUse(),
	}
}

type network struct {
	name         string
	pools        []AllocationPool
	reservations []*reservation
}

// LayoutStore persists the reservation layout.
type LayoutStore interface {
	LoadLayout(ctx context.Context) (*Layout, error)
	SaveLayout(ctx context.Context, layout *Layout) error
}

// Options configures a Registry.
type Options struct {
	Store   LayoutStore
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

// Registry owns every network and its reservations behind one process-wide lock.
// The lock is only reachable through WithLock so callers cannot hold it across
// a suspension point.
type Registry struct {
	mu       sync.Mutex
	networks map[string]*network
	order    []string

	store   LayoutStore
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Registry{
		networks: make(map[string]*network),
		store:    opts.Store,
		logger:   logger.NewComponentLogger("netres"),
		metrics:  opts.Metrics,
		events:   opts.Events,
		tracer:   opts.Tracer,
	}
}

// Tx is the view of the registry inside WithLock. Its methods must not be
// used after the function passed to WithLock returns.
type Tx struct {
	r     *Registry
	dirty bool
	added []ReservedRange
	freed []ReservedRange
}

// WithLock runs fn under the registry lock. Mutations made by fn are saved to
// the layout store when fn returns nil; if fn or the save fails every mutation
// is rolled back.
func (r *Registry) WithLock(ctx context.Context, fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.layoutLocked()
	tx := &Tx{r: r}

	err := fn(tx)
	if err == nil && tx.dirty && r.store != nil {
		if serr := r.store.SaveLayout(context.WithoutCancel(ctx), r.layoutLocked()); serr != nil {
			err = engine.NewTransientError("failed to save network layout", serr)
		}
	}
	if err != nil {
		if tx.dirty {
			if rerr := r.restoreLocked(before); rerr != nil {
				r.logger.WithError(rerr).Error("Failed to roll back network layout")
			}
		}
		return err
	}

	if tx.dirty {
		r.observeLocked()
		for _, rr := range tx.added {
			_ = r.events.PublishRangeReserved(rr.Network, rr.Owner, rr.Start.String(), rr.End.String())
		}
		for _, rr := range tx.freed {
			_ = r.events.PublishRangeReleased(rr.Network, rr.Owner, rr.Start.String(), rr.End.String())
		}
	}
	return nil
}

// AddNetwork declares a network and its allocation pools.
func (r *Registry) AddNetwork(ctx context.Context, name string, pools []AllocationPool) error {
	return r.WithLock(ctx, func(tx *Tx) error {
		return tx.AddNetwork(name, pools)
	})
}

// Reserve finds length free addresses on the network for owner.
func (r *Registry) Reserve(ctx context.Context, networkName, owner string, length int) ([]ReservedRange, error) {
	_, span := r.tracer.StartReservationSpan(ctx, networkName, owner, length)
	defer span.End()

	var out []ReservedRange
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Reserve(networkName, owner, length)
		return err
	})

	result := "ok"
	switch {
	case engine.HasCode(err, engine.ErrCodeInsufficientCapacity):
		result = "insufficient_capacity"
	case err != nil:
		result = "error"
	}
	r.metrics.RecordReservation(networkName, result)

	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return out, nil
}

// AddReservedRange inserts a range with explicit bounds.
func (r *Registry) AddReservedRange(ctx context.Context, networkName string, spec RangeSpec) (ReservedRange, error) {
	var out ReservedRange
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.AddReservedRange(networkName, spec)
		return err
	})
	return out, err
}

// Release removes a range by ID.
func (r *Registry) Release(ctx context.Context, networkName, rangeID string) error {
	return r.WithLock(ctx, func(tx *Tx) error {
		return tx.Release(networkName, rangeID)
	})
}

// ReleaseOwner removes every range of owner on the network and returns how many were removed.
func (r *Registry) ReleaseOwner(ctx context.Context, networkName, owner string) (int, error) {
	var n int
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.ReleaseOwner(networkName, owner)
		return err
	})
	return n, err
}

// AssignAddress hands out one address from inside a reservation.
// It returns false when the reservation is fully used.
func (r *Registry) AssignAddress(ctx context.Context, networkName, rangeID string) (netip.Addr, bool, error) {
	var addr netip.Addr
	var ok bool
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		addr, ok, err = tx.AssignAddress(networkName, rangeID)
		return err
	})
	return addr, ok, err
}

// ReleaseAddress returns one address to its reservation.
func (r *Registry) ReleaseAddress(ctx context.Context, networkName, rangeID string, addr netip.Addr) error {
	return r.WithLock(ctx, func(tx *Tx) error {
		return tx.ReleaseAddress(networkName, rangeID, addr)
	})
}

// ExtendRangeEnd grows a reservation in place.
func (r *Registry) ExtendRangeEnd(ctx context.Context, networkName, rangeID string, newEnd netip.Addr) (ReservedRange, error) {
	var out ReservedRange
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ExtendRangeEnd(networkName, rangeID, newEnd)
		return err
	})
	return out, err
}

// Network returns a view of one network.
func (r *Registry) Network(ctx context.Context, name string) (NetworkInfo, error) {
	var out NetworkInfo
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Network(name)
		return err
	})
	return out, err
}

// Networks returns views of every network in declaration order.
func (r *Registry) Networks(ctx context.Context) []NetworkInfo {
	var out []NetworkInfo
	_ = r.WithLock(ctx, func(tx *Tx) error {
		out = tx.Networks()
		return nil
	})
	return out
}

// Reservations returns the ranges held by owner on the network.
func (r *Registry) Reservations(ctx context.Context, networkName, owner string) ([]ReservedRange, error) {
	var out []ReservedRange
	err := r.WithLock(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Reservations(networkName, owner)
		return err
	})
	return out, err
}

// AddNetwork declares a network and its allocation pools.
func (tx *Tx) AddNetwork(name string, pools []AllocationPool) error {
	if name == "" {
		return engine.NewPermanentError("network name is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if _, ok := tx.r.networks[name]; ok {
		return engine.NewConflictError(fmt.Sprintf("network %s already exists", name), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(name)
	}
	if err := validatePools(name, pools); err != nil {
		return err
	}

	tx.r.networks[name] = &network{name: name, pools: append([]AllocationPool(nil), pools...)}
	tx.r.order = append(tx.r.order, name)
	tx.dirty = true
	return nil
}

// SetPools replaces the pools of an existing network. Every reservation must
// stay covered by the new pools.
func (tx *Tx) SetPools(name string, pools []AllocationPool) error {
	net, err := tx.network(name)
	if err != nil {
		return err
	}
	if err := validatePools(name, pools); err != nil {
		return err
	}

	candidate := &network{name: name, pools: pools}
	for _, res := range net.reservations {
		if !candidate.covers(res.pool.start, res.pool.end) {
			return engine.NewConflictError(fmt.Sprintf("range %s-%s would fall outside the new pools", res.pool.Start(), res.pool.End()), nil).
				WithCode(engine.ErrCodeRangeConflict).WithResource(name)
		}
	}

	net.pools = append([]AllocationPool(nil), pools...)
	tx.dirty = true
	return nil
}

// Reserve scans pools in declaration order and addresses in ascending order,
// collecting free addresses until length are found. Contiguous addresses are
// coalesced into one range. Nothing is recorded when capacity is short.
func (tx *Tx) Reserve(networkName, owner string, length int) ([]ReservedRange, error) {
	if owner == "" {
		return nil, engine.NewPermanentError("reservation owner is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if length <= 0 {
		return nil, engine.NewPermanentError(fmt.Sprintf("reservation length must be positive, got %d", length), nil).
			WithCode(engine.ErrCodeValidation)
	}
	net, err := tx.network(networkName)
	if err != nil {
		return nil, err
	}

	runs := net.findFree(uint64(length))
	var found uint64
	for _, run := range runs {
		found += run[1] - run[0] + 1
	}
	if found < uint64(length) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("network %s has %d free addresses, %d requested", networkName, net.free(), length), nil).
			WithCode(engine.ErrCodeInsufficientCapacity).
			WithResource(networkName).
			WithDetail("requested", length).
			WithDetail("owner", owner)
	}

	out := make([]ReservedRange, 0, len(runs))
	for _, run := range runs {
		pool, err := NewPool(fromUint32(uint32(run[0])), fromUint32(uint32(run[1])))
		if err != nil {
			return nil, err
		}
		res := &reservation{id: uuid.New().String(), owner: owner, kind: KindDynamic, pool: pool}
		net.insert(res)
		out = append(out, res.view(net.name))
	}

	tx.dirty = true
	tx.added = append(tx.added, out...)
	return out, nil
}

// AddReservedRange inserts a range after checking it overlaps no existing range.
func (tx *Tx) AddReservedRange(networkName string, spec RangeSpec) (ReservedRange, error) {
	net, err := tx.network(networkName)
	if err != nil {
		return ReservedRange{}, err
	}
	if spec.Owner == "" {
		return ReservedRange{}, engine.NewPermanentError("reservation owner is required", nil).WithCode(engine.ErrCodeValidation)
	}

	pool, err := NewPool(spec.Start, spec.End)
	if err != nil {
		return ReservedRange{}, err
	}
	if !net.covers(pool.start, pool.end) {
		return ReservedRange{}, engine.NewPermanentError(
			fmt.Sprintf("range %s-%s is not inside the pools of %s", spec.Start, spec.End, networkName), nil).
			WithCode(engine.ErrCodeValidation).WithResource(networkName)
	}
	if other := net.overlapping(pool.start, pool.end, nil); other != nil {
		return ReservedRange{}, engine.NewConflictError(
			fmt.Sprintf("range %s-%s overlaps %s-%s owned by %s", spec.Start, spec.End, other.pool.Start(), other.pool.End(), other.owner), nil).
			WithCode(engine.ErrCodeRangeConflict).WithResource(networkName)
	}

	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	} else if net.byID(id) != nil {
		return ReservedRange{}, engine.NewConflictError(fmt.Sprintf("range id %s already in use", id), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(networkName)
	}
	kind := spec.Kind
	if kind == "" {
		kind = KindStatic
	}

	res := &reservation{id: id, owner: spec.Owner, kind: kind, pool: pool}
	net.insert(res)

	view := res.view(net.name)
	tx.dirty = true
	tx.added = append(tx.added, view)
	return view, nil
}

// Release removes a range by ID.
func (tx *Tx) Release(networkName, rangeID string) error {
	net, err := tx.network(networkName)
	if err != nil {
		return err
	}
	for i, res := range net.reservations {
		if res.id == rangeID {
			tx.freed = append(tx.freed, res.view(net.name))
			net.reservations = append(net.reservations[:i], net.reservations[i+1:]...)
			tx.dirty = true
			return nil
		}
	}
	return engine.NewPermanentError(fmt.Sprintf("range %s not found on %s", rangeID, networkName), nil).
		WithCode(engine.ErrCodeNotFound).WithResource(networkName)
}

// ReleaseOwner removes every range held by owner.
func (tx *Tx) ReleaseOwner(networkName, owner string) (int, error) {
	net, err := tx.network(networkName)
	if err != nil {
		return 0, err
	}
	kept := net.reservations[:0]
	removed := 0
	for _, res := range net.reservations {
		if res.owner == owner {
			tx.freed = append(tx.freed, res.view(net.name))
			removed++
			continue
		}
		kept = append(kept, res)
	}
	for i := len(kept); i < len(net.reservations); i++ {
		net.reservations[i] = nil
	}
	net.reservations = kept
	if removed > 0 {
		tx.dirty = true
	}
	return removed, nil
}

// AssignAddress hands out the lowest free address of a reservation.
func (tx *Tx) AssignAddress(networkName, rangeID string) (netip.Addr, bool, error) {
	res, err := tx.reservation(networkName, rangeID)
	if err != nil {
		return netip.Addr{}, false, err
	}
	addr, ok := res.pool.Assign()
	if ok {
		tx.dirty = true
	}
	return addr, ok, nil
}

// ReleaseAddress returns an address to its reservation.
func (tx *Tx) ReleaseAddress(networkName, rangeID string, addr netip.Addr) error {
	res, err := tx.reservation(networkName, rangeID)
	if err != nil {
		return err
	}
	if err := res.pool.Release(addr.Unmap()); err != nil {
		return err
	}
	tx.dirty = true
	return nil
}

// ExtendRangeEnd grows a reservation. newEnd must exceed the current end and
// the grown interval must stay inside the pools without touching other ranges.
func (tx *Tx) ExtendRangeEnd(networkName, rangeID string, newEnd netip.Addr) (ReservedRange, error) {
	net, err := tx.network(networkName)
	if err != nil {
		return ReservedRange{}, err
	}
	res := net.byID(rangeID)
	if res == nil {
		return ReservedRange{}, engine.NewPermanentError(fmt.Sprintf("range %s not found on %s", rangeID, networkName), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(networkName)
	}

	e, err := toUint32(newEnd.Unmap())
	if err != nil {
		return ReservedRange{}, err
	}
	if e <= res.pool.end {
		return ReservedRange{}, engine.NewPermanentError(
			fmt.Sprintf("new end %s must exceed current end %s", newEnd, res.pool.End()), nil).
			WithCode(engine.ErrCodeValidation).WithResource(networkName)
	}
	if !net.covers(res.pool.start, e) {
		return ReservedRange{}, engine.NewConflictError(
			fmt.Sprintf("extending to %s leaves the pools of %s", newEnd, networkName), nil).
			WithCode(engine.ErrCodeRangeConflict).WithResource(networkName)
	}
	if other := net.overlapping(res.pool.end+1, e, res); other != nil {
		return ReservedRange{}, engine.NewConflictError(
			fmt.Sprintf("extending to %s overlaps %s-%s owned by %s", newEnd, other.pool.Start(), other.pool.End(), other.owner), nil).
			WithCode(engine.ErrCodeRangeConflict).WithResource(networkName)
	}

	if err := res.pool.Extend(newEnd.Unmap()); err != nil {
		return ReservedRange{}, err
	}
	tx.dirty = true
	return res.view(net.name), nil
}

// Network returns a view of one network.
func (tx *Tx) Network(name string) (NetworkInfo, error) {
	net, err := tx.network(name)
	if err != nil {
		return NetworkInfo{}, err
	}
	return net.info(), nil
}

// Networks returns views of every network in declaration order.
func (tx *Tx) Networks() []NetworkInfo {
	out := make([]NetworkInfo, 0, len(tx.r.order))
	for _, name := range tx.r.order {
		out = append(out, tx.r.networks[name].info())
	}
	return out
}

// Reservations returns the ranges held by owner, or all ranges when owner is empty.
func (tx *Tx) Reservations(networkName, owner string) ([]ReservedRange, error) {
	net, err := tx.network(networkName)
	if err != nil {
		return nil, err
	}
	var out []ReservedRange
	for _, res := range net.reservations {
		if owner == "" || res.owner == owner {
			out = append(out, res.view(net.name))
		}
	}
	return out, nil
}

func (tx *Tx) network(name string) (*network, error) {
	net, ok := tx.r.networks[name]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("network %s not found", name), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(name)
	}
	return net, nil
}

func (tx *Tx) reservation(networkName, rangeID string) (*reservation, error) {
	net, err := tx.network(networkName)
	if err != nil {
		return nil, err
	}
	res := net.byID(rangeID)
	if res == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("range %s not found on %s", rangeID, networkName), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(networkName)
	}
	return res, nil
}

// findFree returns free runs in pool order, stopping once want addresses are
// collected. Adjacent runs are coalesced.
func (n *network) findFree(want uint64) [][2]uint64 {
	taken := n.sortedIntervals()
	var runs [][2]uint64
	remaining := want

	for _, p := range n.pools {
		if remaining == 0 {
			break
		}
		ps, _ := toUint32(p.Start)
		pe, _ := toUint32(p.End)
		cur, end := uint64(ps), uint64(pe)

		// First interval that ends at or after cur.
		i := sort.Search(len(taken), func(i int) bool { return taken[i][1] >= cur })

		for cur <= end && remaining > 0 {
			if i < len(taken) && taken[i][0] <= cur {
				cur = taken[i][1] + 1
				i++
				continue
			}
			freeEnd := end
			if i < len(taken) && taken[i][0]-1 < freeEnd {
				freeEnd = taken[i][0] - 1
			}
			count := freeEnd - cur + 1
			if count > remaining {
				count = remaining
			}

			last := cur + count - 1
			if len(runs) > 0 && runs[len(runs)-1][1]+1 == cur {
				runs[len(runs)-1][1] = last
			} else {
				runs = append(runs, [2]uint64{cur, last})
			}
			remaining -= count
			cur = last + 1
		}
	}
	return runs
}

// sortedIntervals returns reserved intervals ordered by start address.
func (n *network) sortedIntervals() [][2]uint64 {
	out := make([][2]uint64, 0, len(n.reservations))
	for _, res := range n.reservations {
		out = append(out, [2]uint64{uint64(res.pool.start), uint64(res.pool.end)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// covers reports whether every address in start..end belongs to some pool.
func (n *network) covers(start, end uint32) bool {
	intervals := make([][2]uint64, 0, len(n.pools))
	for _, p := range n.pools {
		ps, _ := toUint32(p.Start)
		pe, _ := toUint32(p.End)
		intervals = append(intervals, [2]uint64{uint64(ps), uint64(pe)})
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i][0] < intervals[j][0] })

	cur := uint64(start)
	for _, iv := range intervals {
		if iv[1] < cur {
			continue
		}
		if iv[0] > cur {
			return false
		}
		if iv[1] >= uint64(end) {
			return true
		}
		cur = iv[1] + 1
	}
	return false
}

// overlapping returns a reservation other than skip intersecting start..end.
func (n *network) overlapping(start, end uint32, skip *reservation) *reservation {
	for _, res := range n.reservations {
		if res == skip {
			continue
		}
		if res.pool.start <= end && start <= res.pool.end {
			return res
		}
	}
	return nil
}

func (n *network) byID(id string) *reservation {
	for _, res := range n.reservations {
		if res.id == id {
			return res
		}
	}
	return nil
}

// insert keeps reservations ordered by start address.
func (n *network) insert(res *reservation) {
	i := sort.Search(len(n.reservations), func(i int) bool {
		return n.reservations[i].pool.start > res.pool.start
	})
	n.reservations = append(n.reservations, nil)
	copy(n.reservations[i+1:], n.reservations[i:])
	n.reservations[i] = res
}

func (n *network) capacity() int {
	total := 0
	for _, p := range n.pools {
		total += p.Size()
	}
	return total
}

func (n *network) reserved() int {
	total := 0
	for _, res := range n.reservations {
		total += res.pool.Size()
	}
	return total
}

func (n *network) free() int {
	return n.capacity() - n.reserved()
}

func (n *network) info() NetworkInfo {
	info := NetworkInfo{
		Name:     n.name,
		Pools:    append([]AllocationPool(nil), n.pools...),
		Capacity: n.capacity(),
		Reserved: n.reserved(),
	}
	for _, res := range n.reservations {
		info.Reservations = append(info.Reservations, res.view(n.name))
	}
	return info
}

// observeLocked refreshes the pool utilization gauges.
func (r *Registry) observeLocked() {
	for _, name := range r.order {
		net := r.networks[name]
		for _, p := range net.pools {
			ps, _ := toUint32(p.Start)
			pe, _ := toUint32(p.End)
			reserved := 0
			for _, res := range net.reservations {
				lo, hi := res.pool.start, res.pool.end
				if lo < ps {
					lo = ps
				}
				if hi > pe {
					hi = pe
				}
				if lo <= hi {
					reserved += int(hi-lo) + 1
				}
			}
			r.metrics.SetPoolReserved(name, p.String(), float64(reserved))
		}
	}
}

func validatePools(name string, pools []AllocationPool) error {
	if len(pools) == 0 {
		return engine.NewPermanentError(fmt.Sprintf("network %s needs at least one pool", name), nil).
			WithCode(engine.ErrCodeValidation).WithResource(name)
	}
	for i, p := range pools {
		s, err := toUint32(p.Start)
		if err != nil {
			return err
		}
		e, err := toUint32(p.End)
		if err != nil {
			return err
		}
		if e < s {
			return engine.NewPermanentError(fmt.Sprintf("pool %s of %s ends before it starts", p, name), nil).
				WithCode(engine.ErrCodeValidation).WithResource(name)
		}
		for _, q := range pools[:i] {
			qs, _ := toUint32(q.Start)
			qe, _ := toUint32(q.End)
			if s <= qe && qs <= e {
				return engine.NewPermanentError(fmt.Sprintf("pools %s and %s of %s overlap", q, p, name), nil).
					WithCode(engine.ErrCodeValidation).WithResource(name)
			}
		}
	}
	return nil
}
