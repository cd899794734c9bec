package netres

import (
	"context"
	"fmt"
	"net/netip"
	"os"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Layout is the persisted form of every network: pools plus reservations with
// their assigned addresses. It is enough to rebuild free and used addresses.
type Layout struct {
	Networks []NetworkLayout `json:"networks" yaml:"networks"`
}

// NetworkLayout is the persisted form of one network.
type NetworkLayout struct {
	Name         string              `json:"name" yaml:"name"`
	Pools        []PoolLayout        `json:"pools" yaml:"pools"`
	Reservations []ReservationLayout `json:"reservations,omitempty" yaml:"reservations,omitempty"`
}

// PoolLayout is the persisted form of an allocation pool.
type PoolLayout struct {
	Start string `json:"start" yaml:"start" validate:"required,ipv4"`
	End   string `json:"end" yaml:"end" validate:"required,ipv4"`
}

// ReservationLayout is the persisted form of a reservation.
type ReservationLayout struct {
	ID    string   `json:"id" yaml:"id"`
	Owner string   `json:"owner" yaml:"owner"`
	Start string   `json:"start" yaml:"start"`
	End   string   `json:"end" yaml:"end"`
	Kind  Kind     `json:"kind" yaml:"kind"`
	Used  []string `json:"used,omitempty" yaml:"used,omitempty"`
}

// Layout returns a snapshot of the current layout.
func (r *Registry) Layout(ctx context.Context) *Layout {
	var out *Layout
	_ = r.WithLock(ctx, func(*Tx) error {
		out = r.layoutLocked()
		return nil
	})
	return out
}

// Load replaces the registry state with the layout held by the store.
// A store without a saved layout leaves the registry empty.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	layout, err := r.store.LoadLayout(ctx)
	if err != nil {
		return fmt.Errorf("failed to load network layout: %w", err)
	}
	if layout == nil {
		return nil
	}
	return r.Restore(ctx, layout)
}

// Restore replaces the registry state with the given layout and saves it.
func (r *Registry) Restore(ctx context.Context, layout *Layout) error {
	return r.WithLock(ctx, func(tx *Tx) error {
		if err := r.restoreLocked(layout); err != nil {
			return err
		}
		tx.dirty = true
		return nil
	})
}

func (r *Registry) layoutLocked() *Layout {
	out := &Layout{Networks: make([]NetworkLayout, 0, len(r.order))}
	for _, name := range r.order {
		net := r.networks[name]
		nl := NetworkLayout{Name: name}
		for _, p := range net.pools {
			nl.Pools = append(nl.Pools, PoolLayout{Start: p.Start.String(), End: p.End.String()})
		}
		for _, res := range net.reservations {
			rl := ReservationLayout{
				ID:    res.id,
				Owner: res.owner,
				Start: res.pool.Start().String(),
				End:   res.pool.End().String(),
				Kind:  res.kind,
			}
			for _, a := range res.pool.Assigned() {
				rl.Used = append(rl.Used, a.String())
			}
			nl.Reservations = append(nl.Reservations, rl)
		}
		out.Networks = append(out.Networks, nl)
	}
	return out
}

// restoreLocked rebuilds the state from a layout. The current state is kept
// when the layout is invalid.
func (r *Registry) restoreLocked(layout *Layout) error {
	networks := make(map[string]*network, len(layout.Networks))
	order := make([]string, 0, len(layout.Networks))

	for _, nl := range layout.Networks {
		if _, dup := networks[nl.Name]; dup {
			return engine.NewPermanentError(fmt.Sprintf("network %s declared twice", nl.Name), nil).
				WithCode(engine.ErrCodeValidation)
		}
		pools, err := parsePools(nl.Pools)
		if err != nil {
			return err
		}
		if err := validatePools(nl.Name, pools); err != nil {
			return err
		}

		net := &network{name: nl.Name, pools: pools}
		for _, rl := range nl.Reservations {
			res, err := parseReservation(rl)
			if err != nil {
				return err
			}
			if !net.covers(res.pool.start, res.pool.end) {
				return engine.NewPermanentError(fmt.Sprintf("range %s-%s is not inside the pools of %s", rl.Start, rl.End, nl.Name), nil).
					WithCode(engine.ErrCodeValidation)
			}
			if other := net.overlapping(res.pool.start, res.pool.end, nil); other != nil {
				return engine.NewConflictError(fmt.Sprintf("range %s-%s overlaps %s-%s", rl.Start, rl.End, other.pool.Start(), other.pool.End()), nil).
					WithCode(engine.ErrCodeRangeConflict)
			}
			net.insert(res)
		}

		networks[nl.Name] = net
		order = append(order, nl.Name)
	}

	r.networks = networks
	r.order = order
	return nil
}

func parsePools(in []PoolLayout) ([]AllocationPool, error) {
	out := make([]AllocationPool, 0, len(in))
	for _, p := range in {
		start, err := parseAddr(p.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseAddr(p.End)
		if err != nil {
			return nil, err
		}
		out = append(out, AllocationPool{Start: start, End: end})
	}
	return out, nil
}

func parseReservation(rl ReservationLayout) (*reservation, error) {
	start, err := parseAddr(rl.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseAddr(rl.End)
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(start, end)
	if err != nil {
		return nil, err
	}
	for _, u := range rl.Used {
		addr, err := parseAddr(u)
		if err != nil {
			return nil, err
		}
		if err := pool.Mark(addr); err != nil {
			return nil, err
		}
	}
	kind := rl.Kind
	if kind == "" {
		kind = KindDynamic
	}
	return &reservation{id: rl.ID, owner: rl.Owner, kind: kind, pool: pool}, nil
}

// Topology declares networks and their pools, typically from networks.yaml.
type Topology struct {
	Networks []NetworkSpec `yaml:"networks" validate:"dive"`
}

// NetworkSpec declares one network.
type NetworkSpec struct {
	Name  string       `yaml:"name" validate:"required"`
	Pools []PoolLayout `yaml:"pools" validate:"required,min=1,dive"`
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes and validates a YAML topology.
func ParseTopology(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := validator.New().Struct(topo); err != nil {
		return nil, engine.NewPermanentError("invalid topology", err).WithCode(engine.ErrCodeValidation)
	}
	return &topo, nil
}

// ApplyTopology declares missing networks and updates the pools of existing
// ones. Reservations survive as long as the new pools still cover them.
func (r *Registry) ApplyTopology(ctx context.Context, topo *Topology) error {
	return r.WithLock(ctx, func(tx *Tx) error {
		for _, spec := range topo.Networks {
			pools, err := parsePools(spec.Pools)
			if err != nil {
				return err
			}
			if _, ok := r.networks[spec.Name]; ok {
				if err := tx.SetPools(spec.Name, pools); err != nil {
					return err
				}
				continue
			}
			if err := tx.AddNetwork(spec.Name, pools); err != nil {
				return err
			}
		}
		return nil
	})
}

// MustAddr parses an IPv4 address and panics on error. For tests and examples.
func MustAddr(s string) netip.Addr {
	addr, err := parseAddr(s)
	if err != nil {
		panic(err)
	}
	return addr
}
