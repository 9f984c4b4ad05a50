package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set, and by the
// engine tests. A single mutex serializes all conditional updates, which
// gives the same at-most-once semantics the Postgres store gets from
// row-level transactions.
type Memory struct {
	mu            sync.Mutex
	drivers       map[string]*model.Driver
	transitions   map[string][]model.DriverTransition // driverID -> rows
	orders        map[string]*model.Order
	assignments   []model.Assignment
	escalations   map[string]*model.Escalation
	alerts        []model.Alert
	incidents     map[string]*model.TrafficIncident
	batches       map[string]*model.OrderBatch
	routes        map[string]model.Route // driverID -> route
	optRecords    []model.OptimizationRecord
	notifications map[string]*Notification
	notifOrder    []string
}

func NewMemory() *Memory {
	return &Memory{
		drivers:       map[string]*model.Driver{},
		transitions:   map[string][]model.DriverTransition{},
		orders:        map[string]*model.Order{},
		escalations:   map[string]*model.Escalation{},
		incidents:     map[string]*model.TrafficIncident{},
		batches:       map[string]*model.OrderBatch{},
		routes:        map[string]model.Route{},
		notifications: map[string]*Notification{},
	}
}

func copyDriver(d *model.Driver) model.Driver {
	out := *d
	out.StateHistory = append([]model.StateChange(nil), d.StateHistory...)
	return out
}

func (m *Memory) CreateDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	cp := d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	return copyDriver(d), nil
}

func (m *Memory) ListDriversByState(ctx context.Context, st model.DriverState) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Driver{}
	for _, d := range m.drivers {
		if d.State == st {
			out = append(out, copyDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListActiveDrivers(ctx context.Context) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Driver{}
	for _, d := range m.drivers {
		if d.Active {
			out = append(out, copyDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) MutateDriver(ctx context.Context, id string, fn func(*model.Driver) (*model.DriverTransition, error)) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, ErrNotFound
	}
	work := copyDriver(d)
	tr, err := fn(&work)
	if err != nil {
		return model.Driver{}, err
	}
	m.drivers[id] = &work
	if tr != nil {
		if tr.ID == "" {
			tr.ID = uuid.New().String()
		}
		m.transitions[id] = append(m.transitions[id], *tr)
	}
	return copyDriver(&work), nil
}

func (m *Memory) ListTransitions(ctx context.Context, driverID string, limit int) ([]model.DriverTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.transitions[driverID]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]model.DriverTransition(nil), rows...), nil
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = model.OrderUnassigned
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	return *o, nil
}

func (m *Memory) ListOrdersByStatus(ctx context.Context, st model.OrderStatus) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if o.Status == st {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Order{}
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, fn func(*model.Order)) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, ErrNotFound
	}
	if o.Status != from {
		return model.Order{}, ErrConflict
	}
	work := *o
	work.Status = to
	if fn != nil {
		fn(&work)
	}
	m.orders[id] = &work
	return work, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, a model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *Memory) ListAssignmentsSince(ctx context.Context, since time.Time) ([]model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Assignment{}
	for _, a := range m.assignments {
		if !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateEscalation(ctx context.Context, e model.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	cp := e
	m.escalations[e.ID] = &cp
	return nil
}

func (m *Memory) UpdateEscalation(ctx context.Context, id string, fn func(*model.Escalation)) (model.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return model.Escalation{}, ErrNotFound
	}
	work := *e
	fn(&work)
	work.UpdatedAt = time.Now().UTC()
	m.escalations[id] = &work
	return work, nil
}

func (m *Memory) OpenEscalationForOrder(ctx context.Context, orderID string) (model.Escalation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.escalations {
		if e.OrderID == orderID && e.Status != model.EscalationResolved {
			return *e, true, nil
		}
	}
	return model.Escalation{}, false, nil
}

func (m *Memory) ListEscalationsByStatus(ctx context.Context, st model.EscalationStatus) ([]model.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Escalation{}
	for _, e := range m.escalations {
		if e.Status == st {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateAlert(ctx context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *Memory) ListAlertsSince(ctx context.Context, since time.Time) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Alert{}
	for _, a := range m.alerts {
		if !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateIncident(ctx context.Context, in model.TrafficIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.ReportedAt.IsZero() {
		in.ReportedAt = time.Now().UTC()
	}
	in.Active = true
	cp := in
	m.incidents[in.ID] = &cp
	return nil
}

func (m *Memory) ActiveIncidents(ctx context.Context) ([]model.TrafficIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.TrafficIncident{}
	for _, in := range m.incidents {
		if in.Active {
			cp := *in
			cp.AffectedOrderIDs = append([]string(nil), in.AffectedOrderIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	return out, nil
}

func (m *Memory) ResolveIncident(ctx context.Context, id string, affectedOrderIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.incidents[id]
	if !ok {
		return ErrNotFound
	}
	in.Active = false
	in.AffectedOrderIDs = append([]string(nil), affectedOrderIDs...)
	return nil
}

func (m *Memory) CreateBatch(ctx context.Context, b model.OrderBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = model.BatchPending
	}
	cp := b
	cp.OrderIDs = append([]string(nil), b.OrderIDs...)
	m.batches[b.ID] = &cp
	return nil
}

func (m *Memory) GetBatch(ctx context.Context, id string) (model.OrderBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.OrderBatch{}, ErrNotFound
	}
	cp := *b
	cp.OrderIDs = append([]string(nil), b.OrderIDs...)
	return cp, nil
}

func (m *Memory) PendingBatches(ctx context.Context) ([]model.OrderBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.OrderBatch{}
	for _, b := range m.batches {
		if b.Status == model.BatchPending {
			cp := *b
			cp.OrderIDs = append([]string(nil), b.OrderIDs...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateBatchStatus(ctx context.Context, id string, from, to model.BatchStatus, fn func(*model.OrderBatch)) (model.OrderBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return model.OrderBatch{}, ErrNotFound
	}
	if b.Status != from {
		return model.OrderBatch{}, ErrConflict
	}
	work := *b
	work.OrderIDs = append([]string(nil), b.OrderIDs...)
	work.Status = to
	if fn != nil {
		fn(&work)
	}
	m.batches[id] = &work
	return work, nil
}

func (m *Memory) SaveRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.routes[r.DriverID]
	if ok {
		r.Version = prev.Version + 1
	} else if r.Version == 0 {
		r.Version = 1
	}
	r.UpdatedAt = time.Now().UTC()
	r.Stops = append([]model.RouteStop(nil), r.Stops...)
	m.routes[r.DriverID] = r
	return nil
}

func (m *Memory) GetRoute(ctx context.Context, driverID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[driverID]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	r.Stops = append([]model.RouteStop(nil), r.Stops...)
	return r, nil
}

func (m *Memory) DeleteRoute(ctx context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, driverID)
	return nil
}

func (m *Memory) CreateOptimizationRecord(ctx context.Context, rec model.OptimizationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	m.optRecords = append(m.optRecords, rec)
	return nil
}

func (m *Memory) ListOptimizationRecords(ctx context.Context, driverID string, limit int) ([]model.OptimizationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.OptimizationRecord{}
	for i := len(m.optRecords) - 1; i >= 0; i-- {
		rec := m.optRecords[i]
		if driverID != "" && rec.DriverID != driverID {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) EnqueueNotification(ctx context.Context, n Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = "pending"
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = time.Now()
	}
	cp := n
	m.notifications[n.ID] = &cp
	m.notifOrder = append(m.notifOrder, n.ID)
	return n.ID, nil
}

func (m *Memory) FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []Notification{}
	for _, id := range m.notifOrder {
		n := m.notifications[id]
		if n == nil {
			continue
		}
		if (n.Status == "pending" || n.Status == "retry") && !n.NextAttemptAt.After(now) {
			out = append(out, *n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notifications[id]
	if n == nil {
		return ErrNotFound
	}
	n.Attempts++
	if success {
		n.Status = "delivered"
	} else {
		n.Status = "retry"
		n.LastError = lastError
		if nextAttemptAt != nil {
			n.NextAttemptAt = *nextAttemptAt
		} else {
			n.NextAttemptAt = time.Now().Add(time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailNotification(ctx context.Context, id string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.notifications[id]
	if n == nil {
		return ErrNotFound
	}
	n.Status = "failed"
	n.LastError = lastError
	return nil
}

func (m *Memory) Stats(ctx context.Context) (model.FleetStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := model.FleetStats{
		AssignmentsToday:      map[model.AssignmentType]int{},
		EscalationsBySeverity: map[model.Severity]int{},
		OrdersByStatus:        map[model.OrderStatus]int{},
		DriversByState:        map[model.DriverState]int{},
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	scoreSum := 0.0
	scoreN := 0
	for _, a := range m.assignments {
		if a.CreatedAt.Before(dayStart) {
			continue
		}
		st.AssignmentsToday[a.Type]++
		scoreSum += a.Score.Total
		scoreN++
	}
	if scoreN > 0 {
		st.AvgAssignmentScore = scoreSum / float64(scoreN)
	}
	for _, e := range m.escalations {
		if e.Status != model.EscalationResolved {
			st.OpenEscalations++
			st.EscalationsBySeverity[e.Severity]++
		}
	}
	for _, rec := range m.optRecords {
		st.OptimizationEvals++
		if rec.Applied {
			st.OptimizationsApplied++
		}
	}
	st.BatchesCreated = len(m.batches)
	delivered, onTime := 0, 0
	for _, o := range m.orders {
		st.OrdersByStatus[o.Status]++
		if o.Status == model.OrderDelivered && o.DeliveredAt != nil {
			delivered++
			if o.DeliveredAt.Sub(o.CreatedAt).Minutes() <= o.SLAMinutes {
				onTime++
			}
		}
	}
	if delivered > 0 {
		st.OnTimeRate = float64(onTime) / float64(delivered)
	}
	for _, d := range m.drivers {
		st.DriversByState[d.State]++
	}
	return st, nil
}
