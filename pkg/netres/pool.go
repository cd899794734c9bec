package netres

import (
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// Pool is a contiguous IPv4 interval with one used bit per address.
// It backs a reservation and hands out single addresses inside it.
type Pool struct {
	start uint32
	end   uint32
	used  []uint64
	count int
}

// NewPool creates an empty pool covering start..end inclusive.
func NewPool(start, end netip.Addr) (*Pool, error) {
	s, err := toUint32(start)
	if err != nil {
		return nil, err
	}
	e, err := toUint32(end)
	if err != nil {
		return nil, err
	}
	if e < s {
		return nil, engine.NewPermanentError(fmt.Sprintf("pool end %s precedes start %s", end, start), nil).
			WithCode(engine.ErrCodeValidation)
	}

	size := uint64(e) - uint64(s) + 1
	return &Pool{
		start: s,
		end:   e,
		used:  make([]uint64, (size+63)/64),
	}, nil
}

// Start returns the first address of the pool.
func (p *Pool) Start() netip.Addr { return fromUint32(p.start) }

// End returns the last address of the pool.
func (p *Pool) End() netip.Addr { return fromUint32(p.end) }

// Size returns the number of addresses in the pool.
func (p *Pool) Size() int { return int(uint64(p.end) - uint64(p.start) + 1) }

// InUse returns the number of assigned addresses.
func (p *Pool) InUse() int { return p.count }

// Contains reports whether addr lies inside the pool.
func (p *Pool) Contains(addr netip.Addr) bool {
	v, err := toUint32(addr)
	return err == nil && v >= p.start && v <= p.end
}

// Assign hands out the lowest free address. It returns false when the pool is full.
func (p *Pool) Assign() (netip.Addr, bool) {
	size := uint64(p.Size())
	for w, word := range p.used {
		if word == ^uint64(0) {
			continue
		}
		bit := uint64(bits.TrailingZeros64(^word))
		idx := uint64(w)*64 + bit
		if idx >= size {
			break
		}
		p.used[w] |= 1 << bit
		p.count++
		return fromUint32(p.start + uint32(idx)), true
	}
	return netip.Addr{}, false
}

// Mark assigns a specific address. Used when restoring persisted layouts.
func (p *Pool) Mark(addr netip.Addr) error {
	idx, err := p.index(addr)
	if err != nil {
		return err
	}
	if p.used[idx/64]&(1<<(idx%64)) != 0 {
		return engine.NewConflictError(fmt.Sprintf("address %s already assigned", addr), nil).
			WithCode(engine.ErrCodeRangeConflict)
	}
	p.used[idx/64] |= 1 << (idx % 64)
	p.count++
	return nil
}

// Release returns an assigned address to the pool.
func (p *Pool) Release(addr netip.Addr) error {
	idx, err := p.index(addr)
	if err != nil {
		return err
	}
	if p.used[idx/64]&(1<<(idx%64)) == 0 {
		return engine.NewPermanentError(fmt.Sprintf("address %s is not assigned", addr), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	p.used[idx/64] &^= 1 << (idx % 64)
	p.count--
	return nil
}

// IsAssigned reports whether addr is currently handed out.
func (p *Pool) IsAssigned(addr netip.Addr) bool {
	idx, err := p.index(addr)
	if err != nil {
		return false
	}
	return p.used[idx/64]&(1<<(idx%64)) != 0
}

// Assigned lists assigned addresses in ascending order.
func (p *Pool) Assigned() []netip.Addr {
	out := make([]netip.Addr, 0, p.count)
	size := uint64(p.Size())
	for w, word := range p.used {
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			idx := uint64(w)*64 + bit
			if idx < size {
				out = append(out, fromUint32(p.start+uint32(idx)))
			}
			word &^= 1 << bit
		}
	}
	return out
}

// Extend grows the pool to newEnd, keeping existing assignments.
func (p *Pool) Extend(newEnd netip.Addr) error {
	e, err := toUint32(newEnd)
	if err != nil {
		return err
	}
	if e <= p.end {
		return engine.NewPermanentError(fmt.Sprintf("new end %s must exceed current end %s", newEnd, p.End()), nil).
			WithCode(engine.ErrCodeValidation)
	}

	size := uint64(e) - uint64(p.start) + 1
	words := int((size + 63) / 64)
	if words > len(p.used) {
		grown := make([]uint64, words)
		copy(grown, p.used)
		p.used = grown
	}
	p.end = e
	return nil
}

func (p *Pool) index(addr netip.Addr) (uint64, error) {
	v, err := toUint32(addr)
	if err != nil {
		return 0, err
	}
	if v < p.start || v > p.end {
		return 0, engine.NewPermanentError(fmt.Sprintf("address %s outside %s-%s", addr, p.Start(), p.End()), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return uint64(v - p.start), nil
}

func toUint32(addr netip.Addr) (uint32, error) {
	if !addr.Is4() {
		return 0, engine.NewPermanentError(fmt.Sprintf("%s is not an IPv4 address", addr), nil).
			WithCode(engine.ErrCodeValidation)
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func fromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// parseAddr parses an IPv4 address, unmapping IPv4-in-IPv6 forms.
func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, engine.NewPermanentError(fmt.Sprintf("invalid address %q", s), err).
			WithCode(engine.ErrCodeValidation)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, engine.NewPermanentError(fmt.Sprintf("%s is not an IPv4 address", s), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return addr, nil
}
