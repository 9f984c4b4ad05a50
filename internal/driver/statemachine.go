package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

// ErrInvalidTransition is returned for same-state or malformed transitions.
// The requested change is never applied and never logged.
var ErrInvalidTransition = errors.New("invalid driver state transition")

// Machine is the only write path to a driver's operational state. Every
// engine goes through Transition or TransitionFrom so each change lands in
// the audit trail atomically with the state mutation.
type Machine struct {
	store store.Store
}

func NewMachine(st store.Store) *Machine {
	return &Machine{store: st}
}

// Transition moves the driver to the given state regardless of its current
// state, as long as the change is a real one.
func (m *Machine) Transition(ctx context.Context, driverID string, to model.DriverState, reason, triggeredBy string) (model.Driver, error) {
	return m.transition(ctx, driverID, "", to, reason, triggeredBy, nil)
}

// TransitionFrom moves the driver to the given state only if it currently
// holds the expected state, returning store.ErrConflict otherwise. The
// optional mutate hook runs inside the same atomic unit as the state change,
// so counters and load can be adjusted without a second race window.
func (m *Machine) TransitionFrom(ctx context.Context, driverID string, from, to model.DriverState, reason, triggeredBy string, mutate func(*model.Driver)) (model.Driver, error) {
	if !model.KnownDriverState(from) {
		return model.Driver{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	return m.transition(ctx, driverID, from, to, reason, triggeredBy, mutate)
}

// onShift reports whether time spent in the state counts toward the shift.
func onShift(s model.DriverState) bool {
	switch s {
	case model.DriverAvailable, model.DriverBusy, model.DriverReturning:
		return true
	}
	return false
}

func (m *Machine) transition(ctx context.Context, driverID string, expectFrom, to model.DriverState, reason, triggeredBy string, mutate func(*model.Driver)) (model.Driver, error) {
	if !model.KnownDriverState(to) {
		return model.Driver{}, fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	now := time.Now().UTC()
	return m.store.MutateDriver(ctx, driverID, func(d *model.Driver) (*model.DriverTransition, error) {
		if expectFrom != "" && d.State != expectFrom {
			return nil, store.ErrConflict
		}
		if d.State == to {
			return nil, fmt.Errorf("%w: driver %s already %s", ErrInvalidTransition, driverID, to)
		}
		from := d.State
		// Time spent on shift accrues when the driver leaves a working state,
		// counted from the later of the state entry and the last daily reset.
		if onShift(from) && !d.StateChangedAt.IsZero() {
			since := d.StateChangedAt
			if d.LastDailyReset.After(since) {
				since = d.LastDailyReset
			}
			if now.After(since) {
				d.HoursWorkedToday += now.Sub(since).Hours()
			}
		}
		d.PreviousState = from
		d.State = to
		d.StateChangedAt = now
		d.StateHistory = append(d.StateHistory, model.StateChange{From: from, To: to, At: now, Reason: reason})
		if mutate != nil {
			mutate(d)
		}
		if d.CurrentLoadKg < 0 || d.CurrentLoadKg > d.CapacityWeightKg {
			return nil, fmt.Errorf("driver %s load %.1fkg outside [0, %.1f]", driverID, d.CurrentLoadKg, d.CapacityWeightKg)
		}
		return &model.DriverTransition{
			DriverID:    driverID,
			From:        from,
			To:          to,
			Reason:      reason,
			TriggeredBy: triggeredBy,
			Location:    d.Location,
			At:          now,
		}, nil
	})
}

// CompleteDelivery updates the driver's counters and load after a dropoff.
// It does not change operational state; route completion decides that.
func (m *Machine) CompleteDelivery(ctx context.Context, driverID string, o model.Order) (model.Driver, error) {
	return m.store.MutateDriver(ctx, driverID, func(d *model.Driver) (*model.DriverTransition, error) {
		d.CurrentLoadKg -= o.WeightKg
		if d.CurrentLoadKg < 0 {
			d.CurrentLoadKg = 0
		}
		d.CurrentVolumeM3 -= o.VolumeM3
		if d.CurrentVolumeM3 < 0 {
			d.CurrentVolumeM3 = 0
		}
		d.CompletedToday++
		d.ConsecutiveDeliveries++
		if o.ServiceType == model.ServiceFlash && d.ActiveFlashOrders > 0 {
			d.ActiveFlashOrders--
		}
		return nil, nil
	})
}

// DailyReset zeroes the per-day counters for active drivers whose last reset
// predates the current UTC day. Safe to run more than once per day.
func (m *Machine) DailyReset(ctx context.Context) (int, error) {
	drivers, err := m.store.ListActiveDrivers(ctx)
	if err != nil {
		return 0, err
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	reset := 0
	for _, d := range drivers {
		if !d.LastDailyReset.Before(dayStart) {
			continue
		}
		_, err := m.store.MutateDriver(ctx, d.ID, func(d *model.Driver) (*model.DriverTransition, error) {
			if !d.LastDailyReset.Before(dayStart) {
				return nil, nil
			}
			d.CompletedToday = 0
			d.HoursWorkedToday = 0
			d.ConsecutiveDeliveries = 0
			d.BreakDurationMinutes = 0
			d.LastDailyReset = dayStart
			return nil, nil
		})
		if err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}
