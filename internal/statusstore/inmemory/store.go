// Package inmemory provides the reference, concurrency-safe implementation
// of statusstore.Store (and statusstore.Backend) backed by plain Go maps
// under a single sync.RWMutex.
//
// A single mutex, rather than the teacher's per-concern sync.Map pair, is
// deliberate here: the Status Store's invariants (position exclusivity,
// lid/lidded consistency, barcode uniqueness) span devices, positions, and
// containers simultaneously, so every mutation needs a critical section
// wide enough to check all of them together. Splitting the state across
// independently-locked maps, the way the teacher splits topology from node
// state, would let two concurrent moves each observe a position as empty
// and both "win" it.
package inmemory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/statusstore"
)

// Store is the in-memory Status Store.
type Store struct {
	mu sync.RWMutex

	devices map[string]domain.Device
	// positions maps a position key to the container id occupying it
	// (container or parked lid share the namespace, per the design).
	positions map[string]string
	// lidPositions maps a position key to the container id whose lid is
	// parked there.
	lidPositions map[string]string

	containers map[string]*domain.Container
	byBarcode  map[string]string // barcode -> container id

	history []domain.HistoryRecord
}

// New creates an empty in-memory Status Store.
func New() *Store {
	return &Store{
		devices:      make(map[string]domain.Device),
		positions:    make(map[string]string),
		lidPositions: make(map[string]string),
		containers:   make(map[string]*domain.Container),
		byBarcode:    make(map[string]string),
	}
}

var _ statusstore.Store = (*Store)(nil)
var _ statusstore.Backend = (*Store)(nil)

// --- Device catalogue ---

func (s *Store) AddDevice(ctx context.Context, d domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Capacity < 0 {
		return faults.Newf(faults.ConfigError, "device %q: negative capacity", d.Name)
	}
	s.devices[d.Name] = d
	return nil
}

func (s *Store) PutDevice(ctx context.Context, d domain.Device) error {
	return s.AddDevice(ctx, d)
}

func (s *Store) Device(ctx context.Context, name string) (domain.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[name]
	return d, ok
}

func (s *Store) Devices(ctx context.Context) []domain.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *Store) RemoveDevice(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, name)
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, name string) error {
	return s.RemoveDevice(ctx, name)
}

// --- Containers and positions ---

func (s *Store) AddContainer(ctx context.Context, spec statusstore.ContainerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[spec.Pos.Device]; !ok {
		return "", faults.Newf(faults.StateConflict, "unknown device %q", spec.Pos.Device)
	}
	key := spec.Pos.Key()
	if occ, ok := s.positions[key]; ok {
		return "", faults.Newf(faults.StateConflict, "position %s already occupied by %q", key, occ)
	}
	if spec.Barcode != "" {
		if _, ok := s.byBarcode[spec.Barcode]; ok {
			return "", faults.Newf(faults.StateConflict, "barcode %q already in use", spec.Barcode)
		}
	}

	id := uuid.NewString()
	c := &domain.Container{
		ID:          id,
		Barcode:     spec.Barcode,
		CurrentPos:  spec.Pos,
		StartingPos: spec.Pos,
		Lidded:      spec.Lidded,
		LabwareType: spec.LabwareType,
	}
	s.containers[id] = c
	s.positions[key] = id
	if spec.Barcode != "" {
		s.byBarcode[spec.Barcode] = id
	}
	return id, nil
}

func (s *Store) PutContainer(ctx context.Context, c domain.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.containers[c.ID] = &cp
	if !c.Removed {
		s.positions[c.CurrentPos.Key()] = c.ID
	}
	if c.Barcode != "" {
		s.byBarcode[c.Barcode] = c.ID
	}
	return nil
}

func (s *Store) MoveContainer(ctx context.Context, srcDevice string, srcSlot int, dstDevice string, dstSlot int, barcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srcKey := domain.Position{Device: srcDevice, Slot: srcSlot}.Key()
	dstKey := domain.Position{Device: dstDevice, Slot: dstSlot}.Key()

	id, ok := s.positions[srcKey]
	if !ok {
		return faults.Newf(faults.StateConflict, "source position %s is empty", srcKey)
	}
	if _, occupied := s.positions[dstKey]; occupied {
		return faults.Newf(faults.StateConflict, "destination position %s already occupied", dstKey)
	}
	c, ok := s.containers[id]
	if !ok || c.Removed {
		return faults.Newf(faults.StateConflict, "source position %s refers to unknown container", srcKey)
	}
	if barcode != "" && c.Barcode != barcode {
		return faults.Newf(faults.StateConflict, "barcode mismatch at %s: expected %q, got %q", srcKey, barcode, c.Barcode)
	}
	if _, ok := s.devices[dstDevice]; !ok {
		return faults.Newf(faults.StateConflict, "unknown destination device %q", dstDevice)
	}

	delete(s.positions, srcKey)
	c.CurrentPos = domain.Position{Device: dstDevice, Slot: dstSlot, DeepWellSuited: c.CurrentPos.DeepWellSuited}
	s.positions[dstKey] = id
	return nil
}

func (s *Store) Unlid(ctx context.Context, containerID, lidDevice string, lidSlot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerID]
	if !ok || c.Removed {
		return faults.Newf(faults.StateConflict, "unknown container %q", containerID)
	}
	if !c.Lidded {
		return faults.Newf(faults.StateConflict, "container %q already unlidded", containerID)
	}
	parkKey := domain.Position{Device: lidDevice, Slot: lidSlot}.Key()
	if occ, ok := s.positions[parkKey]; ok {
		return faults.Newf(faults.StateConflict, "lid park position %s already occupied by %q", parkKey, occ)
	}
	pos := domain.Position{Device: lidDevice, Slot: lidSlot}
	c.Lidded = false
	c.LidPos = &pos
	s.lidPositions[parkKey] = containerID
	s.positions[parkKey] = containerID
	return nil
}

func (s *Store) Lid(ctx context.Context, containerID string, lidDevice string, lidSlot int, checkPos bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.containers[containerID]
	if !ok || c.Removed {
		return faults.Newf(faults.StateConflict, "unknown container %q", containerID)
	}
	if c.Lidded {
		return faults.Newf(faults.StateConflict, "container %q already lidded", containerID)
	}
	if checkPos {
		if c.LidPos == nil || c.LidPos.Device != lidDevice || c.LidPos.Slot != lidSlot {
			return faults.Newf(faults.StateConflict, "lid for container %q is not at %s[%d]", containerID, lidDevice, lidSlot)
		}
	}
	if c.LidPos != nil {
		parkKey := c.LidPos.Key()
		delete(s.lidPositions, parkKey)
		delete(s.positions, parkKey)
	}
	c.Lidded = true
	c.LidPos = nil
	return nil
}

func (s *Store) SetBarcode(ctx context.Context, containerID, barcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerID]
	if !ok || c.Removed {
		return faults.Newf(faults.StateConflict, "unknown container %q", containerID)
	}
	if existing, ok := s.byBarcode[barcode]; ok && existing != containerID {
		return faults.Newf(faults.StateConflict, "barcode %q already assigned to container %q", barcode, existing)
	}
	if c.Barcode != "" {
		delete(s.byBarcode, c.Barcode)
	}
	c.Barcode = barcode
	s.byBarcode[barcode] = containerID
	return nil
}

func (s *Store) RemoveContainer(ctx context.Context, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerID]
	if !ok {
		return faults.Newf(faults.StateConflict, "unknown container %q", containerID)
	}
	if c.Removed {
		return nil
	}
	delete(s.positions, c.CurrentPos.Key())
	if c.LidPos != nil {
		delete(s.lidPositions, c.LidPos.Key())
		delete(s.positions, c.LidPos.Key())
	}
	if c.Barcode != "" {
		delete(s.byBarcode, c.Barcode)
	}
	c.Removed = true
	s.history = append(s.history, domain.HistoryRecord{
		StepID:     "remove:" + containerID,
		Containers: []string{containerID},
		Fct:        "remove_container",
		Status:     domain.StepOK,
	})
	return nil
}

func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	return s.RemoveContainer(ctx, id)
}

func (s *Store) PositionEmpty(ctx context.Context, device string, slot int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := domain.Position{Device: device, Slot: slot}.Key()
	_, occupied := s.positions[key]
	return !occupied, nil
}

func (s *Store) ContainerAt(ctx context.Context, device string, slot int) (domain.Container, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := domain.Position{Device: device, Slot: slot}.Key()
	id, ok := s.positions[key]
	if !ok {
		return domain.Container{}, false, nil
	}
	c, ok := s.containers[id]
	if !ok || c.Removed {
		return domain.Container{}, false, nil
	}
	return *c, true, nil
}

func (s *Store) ContainerByBarcode(ctx context.Context, barcode string) (domain.Container, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byBarcode[barcode]
	if !ok {
		return domain.Container{}, false, nil
	}
	c, ok := s.containers[id]
	if !ok || c.Removed {
		return domain.Container{}, false, nil
	}
	return *c, true, nil
}

func (s *Store) Container(ctx context.Context, id string) (domain.Container, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok {
		return domain.Container{}, false, nil
	}
	return *c, true, nil
}

// ContainerPosition is the narrow accessor internal/instance.ContainerView
// needs: a container's current position, without the full Container row.
func (s *Store) ContainerPosition(ctx context.Context, id string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.containers[id]
	if !ok || c.Removed {
		return domain.Position{}, false
	}
	return c.CurrentPos, true
}

// --- History ---

func (s *Store) RecordStep(ctx context.Context, rec domain.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Finish.Before(rec.Start) {
		return faults.Newf(faults.StateConflict, "history record %q has finish before start", rec.StepID)
	}
	s.history = append(s.history, rec)
	return nil
}

// CommitStep applies a container update (move/lid transition, already
// validated by the caller through MoveContainer/Unlid/Lid) and appends the
// history record as one atomic unit, satisfying the Backend's
// transactional contract.
func (s *Store) CommitStep(ctx context.Context, rec domain.HistoryRecord, updated *domain.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if updated != nil {
		cp := *updated
		s.containers[updated.ID] = &cp
	}
	s.history = append(s.history, rec)
	return nil
}

func (s *Store) History(ctx context.Context, filter statusstore.HistoryFilter) []domain.HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.HistoryRecord
	for _, r := range s.history {
		if filter.ProcessID != "" && r.ProcessID != filter.ProcessID {
			continue
		}
		if filter.Fct != "" && r.Fct != filter.Fct {
			continue
		}
		if filter.IsMovement && !r.IsMovement {
			continue
		}
		if filter.SourceKind != "" && r.SourceKind != filter.SourceKind {
			continue
		}
		if filter.TargetKind != "" && r.TargetKind != filter.TargetKind {
			continue
		}
		if !filter.Since.IsZero() && r.Start.Before(filter.Since) {
			continue
		}
		out = append(out, r)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// --- Lab lifecycle ---

func (s *Store) WipeLab(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]domain.Device)
	s.positions = make(map[string]string)
	s.lidPositions = make(map[string]string)
	s.containers = make(map[string]*domain.Container)
	s.byBarcode = make(map[string]string)
	s.history = nil
	return nil
}

// PositionCount reports the number of occupied positions, used by tests to
// assert the position-exclusivity invariant holds after concurrent writes.
func (s *Store) PositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
