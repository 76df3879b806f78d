// Package registry is the single source of truth for known panels, their
// links and their grid positions.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

// entry is the registry-owned record of one panel
type entry struct {
	address       string
	name          string
	rssi          *int
	position      *int
	frame         domain.FrameBuffer
	link          domain.Link
	lastConnected time.Time
}

// Registry maps addresses to panels and grid positions to addresses.
// Mutations are exclusive; reads share the lock and return copies.
type Registry struct {
	logger *zap.Logger
	policy domain.PositionPolicy

	mu        sync.RWMutex
	panels    map[string]*entry
	positions map[int]string
}

// New creates an empty registry
func New(logger *zap.Logger, policy domain.PositionPolicy) *Registry {
	if policy == "" {
		policy = domain.PolicyReject
	}
	return &Registry{
		logger:    logger,
		policy:    policy,
		panels:    make(map[string]*entry),
		positions: make(map[int]string),
	}
}

// Register creates or updates the entry for address. An existing link is
// replaced only when it is not connected.
func (r *Registry) Register(address string, link domain.Link) (domain.Panel, error) {
	r.mu.Lock()

	e, ok := r.panels[address]
	if !ok {
		e = &entry{address: address, frame: domain.NewFrameBuffer()}
		r.panels[address] = e
		r.logger.Info("Panel registered", zap.String("address", address))
	}

	var replaced domain.Link
	if link != nil && e.link != link {
		if e.connected() {
			p := r.snapshot(e)
			r.mu.Unlock()
			return p, domain.Errorf(domain.KindAlreadyConnected, "register",
				"%s already has a live connection", address)
		}
		replaced = e.link
		e.link = link
	}
	p := r.snapshot(e)
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	}
	return p, nil
}

// Unregister removes a panel, closing its link and releasing its position
func (r *Registry) Unregister(address string) error {
	r.mu.Lock()
	e, ok := r.panels[address]
	if !ok {
		r.mu.Unlock()
		return notFound("unregister", address)
	}
	if e.position != nil {
		delete(r.positions, *e.position)
	}
	delete(r.panels, address)
	r.mu.Unlock()

	if e.link != nil {
		e.link.Close()
	}
	r.logger.Info("Panel unregistered", zap.String("address", address))
	return nil
}

// AssignGridPosition binds address to position. Assigning the position a
// panel already holds is a no-op.
func (r *Registry) AssignGridPosition(address string, position int) error {
	if err := domain.ValidatePosition(position); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.panels[address]
	if !ok {
		return notFound("assign position", address)
	}
	if e.position != nil && *e.position == position {
		return nil
	}

	if holder, taken := r.positions[position]; taken && holder != address {
		other := r.panels[holder]
		if other.connected() || r.policy != domain.PolicySupersede {
			return domain.Errorf(domain.KindPositionOccupied, "assign position",
				"position %d is held by %s", position, holder)
		}
		other.position = nil
		r.logger.Info("Grid position superseded",
			zap.Int("position", position),
			zap.String("previous", holder),
			zap.String("address", address))
	}

	if e.position != nil {
		delete(r.positions, *e.position)
	}
	r.positions[position] = address
	e.position = domain.IntPtr(position)

	r.logger.Info("Grid position assigned",
		zap.String("address", address),
		zap.Int("position", position))
	return nil
}

// ReleaseGridPosition clears the position held by address, if any
func (r *Registry) ReleaseGridPosition(address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.panels[address]
	if !ok {
		return notFound("release position", address)
	}
	if e.position == nil {
		return nil
	}
	delete(r.positions, *e.position)
	r.logger.Info("Grid position released",
		zap.String("address", address),
		zap.Int("position", *e.position))
	e.position = nil
	return nil
}

// Lookup returns a snapshot of the panel at address
func (r *Registry) Lookup(address string) (domain.Panel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.panels[address]
	if !ok {
		return domain.Panel{}, notFound("lookup", address)
	}
	return r.snapshot(e), nil
}

// LookupByPosition returns a snapshot of the panel holding position
func (r *Registry) LookupByPosition(position int) (domain.Panel, error) {
	if err := domain.ValidatePosition(position); err != nil {
		return domain.Panel{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	address, ok := r.positions[position]
	if !ok {
		return domain.Panel{}, domain.NewError(domain.KindNotFound, "lookup position",
			fmt.Errorf("%w: %d", domain.ErrPanelNotAssigned, position))
	}
	return r.snapshot(r.panels[address]), nil
}

// Link returns the link registered for address
func (r *Registry) Link(address string) (domain.Link, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.panels[address]
	if !ok || e.link == nil {
		return nil, notFound("link", address)
	}
	return e.link, nil
}

// ListAll returns a snapshot of every panel ordered by address
func (r *Registry) ListAll() []domain.Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Panel, 0, len(r.panels))
	for _, e := range r.panels {
		out = append(out, r.snapshot(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Layout returns the 4x4 grid view; empty cells are nil
func (r *Registry) Layout() [domain.GridRows][domain.GridCols]*domain.Panel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var grid [domain.GridRows][domain.GridCols]*domain.Panel
	for position, address := range r.positions {
		p := r.snapshot(r.panels[address])
		grid[position/domain.GridCols][position%domain.GridCols] = &p
	}
	return grid
}

// Assignments returns the bindings worth persisting
func (r *Registry) Assignments() []domain.Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Assignment, 0, len(r.panels))
	for _, e := range r.panels {
		a := domain.Assignment{Address: e.address, Name: e.name}
		if e.position != nil {
			a.GridPosition = domain.IntPtr(*e.position)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Seed pre-populates the registry from persisted assignments. Invalid or
// conflicting entries are skipped and logged.
func (r *Registry) Seed(assignments []domain.Assignment) int {
	seeded := 0
	for _, a := range assignments {
		address, err := domain.CanonicalAddress(a.Address)
		if err != nil {
			r.logger.Warn("Skipping persisted panel", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		if _, err := r.Register(address, nil); err != nil {
			r.logger.Warn("Skipping persisted panel", zap.String("address", address), zap.Error(err))
			continue
		}
		if a.Name != "" {
			r.SetName(address, a.Name)
		}
		if a.GridPosition != nil {
			if err := r.AssignGridPosition(address, *a.GridPosition); err != nil {
				r.logger.Warn("Skipping persisted grid position",
					zap.String("address", address),
					zap.Int("position", *a.GridPosition),
					zap.Error(err))
			}
		}
		seeded++
	}
	return seeded
}

// SetName records a display name
func (r *Registry) SetName(address, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.panels[address]; ok {
		e.name = name
	}
}

// SetRSSI records the last observed signal strength
func (r *Registry) SetRSSI(address string, rssi *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.panels[address]; ok && rssi != nil {
		e.rssi = domain.IntPtr(*rssi)
	}
}

// MarkConnected stamps the last successful connection time
func (r *Registry) MarkConnected(address string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.panels[address]; ok {
		e.lastConnected = at
	}
}

// ApplyPixel records an acknowledged pixel write in the panel's frame copy
func (r *Registry) ApplyPixel(address string, x, y int, c domain.RGB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.panels[address]; ok {
		e.frame[y*domain.PanelWidth+x] = c
	}
}

// ApplyFrame records an acknowledged full-frame write
func (r *Registry) ApplyFrame(address string, fb domain.FrameBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.panels[address]; ok {
		e.frame = fb.Clone()
	}
}

// Links returns every registered link
func (r *Registry) Links() []domain.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Link, 0, len(r.panels))
	for _, e := range r.panels {
		if e.link != nil {
			out = append(out, e.link)
		}
	}
	return out
}

// snapshot copies an entry; caller holds the lock
func (r *Registry) snapshot(e *entry) domain.Panel {
	p := domain.Panel{
		Address:       e.address,
		Name:          e.name,
		State:         domain.StateDisconnected,
		Frame:         e.frame.Clone(),
		LastConnected: e.lastConnected,
	}
	if e.rssi != nil {
		p.RSSI = domain.IntPtr(*e.rssi)
	}
	if e.position != nil {
		p.GridPosition = domain.IntPtr(*e.position)
	}
	if e.link != nil {
		p.State = e.link.State()
		p.LastWrite = e.link.LastWrite()
		if err := e.link.LastError(); err != nil {
			p.LastError = err.Error()
		}
	}
	return p
}

func (e *entry) connected() bool {
	return e.link != nil && e.link.State().Usable()
}

func notFound(op, address string) error {
	return domain.NewError(domain.KindNotFound, op, fmt.Errorf("%w: %s", domain.ErrUnknownPanel, address))
}
