package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetops/internal/model"
)

// Postgres backs the store with a relational database. Conditional updates
// run inside transactions with SELECT ... FOR UPDATE so concurrent engine
// ticks serialize on the affected rows.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema if missing. Dev helper, same spirit as running
// the migrations directory.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS drivers (
    id TEXT PRIMARY KEY,
    name TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    state TEXT NOT NULL,
    previous_state TEXT,
    state_changed_at TIMESTAMPTZ,
    lat DOUBLE PRECISION NOT NULL DEFAULT 0,
    lng DOUBLE PRECISION NOT NULL DEFAULT 0,
    vehicle_class TEXT,
    capacity_weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_load_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_volume_m3 DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_volume_m3 DOUBLE PRECISION NOT NULL DEFAULT 0,
    target_deliveries INT NOT NULL DEFAULT 0,
    completed_today INT NOT NULL DEFAULT 0,
    consecutive_deliveries INT NOT NULL DEFAULT 0,
    requires_break_after INT NOT NULL DEFAULT 0,
    break_duration_minutes INT NOT NULL DEFAULT 0,
    max_working_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
    hours_worked_today DOUBLE PRECISION NOT NULL DEFAULT 0,
    on_time_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    active_flash_orders INT NOT NULL DEFAULT 0,
    last_daily_reset TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS driver_transitions (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL REFERENCES drivers(id),
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT,
    triggered_by TEXT,
    lat DOUBLE PRECISION,
    lng DOUBLE PRECISION,
    at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_driver ON driver_transitions(driver_id, at);
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    pickup_lat DOUBLE PRECISION, pickup_lng DOUBLE PRECISION,
    dropoff_lat DOUBLE PRECISION, dropoff_lng DOUBLE PRECISION,
    pickup_address TEXT, dropoff_address TEXT,
    service_type TEXT NOT NULL,
    priority INT NOT NULL DEFAULT 5,
    weight_kg DOUBLE PRECISION NOT NULL DEFAULT 0,
    volume_m3 DOUBLE PRECISION NOT NULL DEFAULT 0,
    value DOUBLE PRECISION NOT NULL DEFAULT 0,
    sla_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    batch_id TEXT,
    driver_id TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    delivered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE TABLE IF NOT EXISTS assignments (
    id TEXT PRIMARY KEY,
    order_id TEXT,
    batch_id TEXT,
    driver_id TEXT NOT NULL,
    assignment_type TEXT NOT NULL,
    distance_score DOUBLE PRECISION, time_score DOUBLE PRECISION,
    load_score DOUBLE PRECISION, priority_score DOUBLE PRECISION,
    total_score DOUBLE PRECISION,
    alternatives_considered INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS escalations (
    id TEXT PRIMARY KEY,
    order_id TEXT NOT NULL,
    driver_id TEXT,
    escalation_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    sla_minutes DOUBLE PRECISION,
    minutes_to_breach DOUBLE PRECISION,
    resolution TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    order_id TEXT,
    driver_id TEXT,
    message TEXT,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS traffic_incidents (
    id TEXT PRIMARY KEY,
    lat DOUBLE PRECISION, lng DOUBLE PRECISION,
    radius_km DOUBLE PRECISION,
    severity TEXT NOT NULL,
    description TEXT,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    affected_order_ids JSONB,
    reported_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS order_batches (
    id TEXT PRIMARY KEY,
    order_ids JSONB NOT NULL,
    driver_id TEXT,
    total_distance_km DOUBLE PRECISION,
    total_weight_kg DOUBLE PRECISION,
    total_value DOUBLE PRECISION,
    service_type TEXT,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS routes (
    driver_id TEXT PRIMARY KEY,
    stops JSONB NOT NULL,
    total_distance_km DOUBLE PRECISION,
    version INT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS optimization_records (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL,
    original_distance_km DOUBLE PRECISION,
    optimized_distance_km DOUBLE PRECISION,
    improvement_pct DOUBLE PRECISION,
    distance_saved_km DOUBLE PRECISION,
    time_saved_minutes DOUBLE PRECISION,
    stops_reordered BOOLEAN,
    applied BOOLEAN,
    algorithm TEXT,
    trigger_kind TEXT,
    at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    url TEXT NOT NULL,
    secret TEXT,
    payload BYTEA,
    status TEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ,
    last_error TEXT
);
`

const driverCols = `id, name, active, state, COALESCE(previous_state,''), COALESCE(state_changed_at, now()), lat, lng,
    COALESCE(vehicle_class,''), capacity_weight_kg, current_load_kg, max_volume_m3, current_volume_m3,
    target_deliveries, completed_today, consecutive_deliveries, requires_break_after, break_duration_minutes,
    max_working_hours, hours_worked_today, on_time_rate, active_flash_orders, COALESCE(last_daily_reset, to_timestamp(0))`

type rowScanner interface {
	Scan(dest ...any) error
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanDriver(r rowScanner) (model.Driver, error) {
	var d model.Driver
	var name, prev, vclass string
	err := r.Scan(&d.ID, &name, &d.Active, &d.State, &prev, &d.StateChangedAt, &d.Location.Lat, &d.Location.Lng,
		&vclass, &d.CapacityWeightKg, &d.CurrentLoadKg, &d.MaxVolumeM3, &d.CurrentVolumeM3,
		&d.TargetDeliveries, &d.CompletedToday, &d.ConsecutiveDeliveries, &d.RequiresBreakAfter, &d.BreakDurationMinutes,
		&d.MaxWorkingHours, &d.HoursWorkedToday, &d.OnTimeRate, &d.ActiveFlashOrders, &d.LastDailyReset)
	if err != nil {
		return model.Driver{}, err
	}
	d.Name = name
	d.PreviousState = model.DriverState(prev)
	d.VehicleClass = vclass
	return d, nil
}

func (p *Postgres) CreateDriver(ctx context.Context, d model.Driver) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers
        (id, name, active, state, previous_state, state_changed_at, lat, lng, vehicle_class,
         capacity_weight_kg, current_load_kg, max_volume_m3, current_volume_m3,
         target_deliveries, completed_today, consecutive_deliveries, requires_break_after, break_duration_minutes,
         max_working_hours, hours_worked_today, on_time_rate, active_flash_orders, last_daily_reset)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		d.ID, d.Name, d.Active, string(d.State), nullIfEmpty(string(d.PreviousState)), d.StateChangedAt,
		d.Location.Lat, d.Location.Lng, d.VehicleClass,
		d.CapacityWeightKg, d.CurrentLoadKg, d.MaxVolumeM3, d.CurrentVolumeM3,
		d.TargetDeliveries, d.CompletedToday, d.ConsecutiveDeliveries, d.RequiresBreakAfter, d.BreakDurationMinutes,
		d.MaxWorkingHours, d.HoursWorkedToday, d.OnTimeRate, d.ActiveFlashOrders, d.LastDailyReset)
	return err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Driver{}, ErrNotFound
	}
	return d, err
}

func (p *Postgres) ListDriversByState(ctx context.Context, st model.DriverState) ([]model.Driver, error) {
	return p.queryDrivers(ctx, `SELECT `+driverCols+` FROM drivers WHERE state=$1 ORDER BY id`, string(st))
}

func (p *Postgres) ListActiveDrivers(ctx context.Context) ([]model.Driver, error) {
	return p.queryDrivers(ctx, `SELECT `+driverCols+` FROM drivers WHERE active ORDER BY id`)
}

func (p *Postgres) queryDrivers(ctx context.Context, q string, args ...any) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MutateDriver(ctx context.Context, id string, fn func(*model.Driver) (*model.DriverTransition, error)) (model.Driver, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Driver{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1 FOR UPDATE`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Driver{}, ErrNotFound
	}
	if err != nil {
		return model.Driver{}, err
	}
	tr, err := fn(&d)
	if err != nil {
		return model.Driver{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE drivers SET
        name=$2, active=$3, state=$4, previous_state=$5, state_changed_at=$6, lat=$7, lng=$8,
        current_load_kg=$9, current_volume_m3=$10, completed_today=$11, consecutive_deliveries=$12,
        break_duration_minutes=$13, hours_worked_today=$14, on_time_rate=$15, active_flash_orders=$16,
        last_daily_reset=$17, target_deliveries=$18, requires_break_after=$19, max_working_hours=$20
        WHERE id=$1`,
		d.ID, d.Name, d.Active, string(d.State), nullIfEmpty(string(d.PreviousState)), d.StateChangedAt,
		d.Location.Lat, d.Location.Lng, d.CurrentLoadKg, d.CurrentVolumeM3, d.CompletedToday,
		d.ConsecutiveDeliveries, d.BreakDurationMinutes, d.HoursWorkedToday, d.OnTimeRate,
		d.ActiveFlashOrders, d.LastDailyReset, d.TargetDeliveries, d.RequiresBreakAfter, d.MaxWorkingHours)
	if err != nil {
		return model.Driver{}, err
	}
	if tr != nil {
		if tr.ID == "" {
			tr.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO driver_transitions
            (id, driver_id, from_state, to_state, reason, triggered_by, lat, lng, at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			tr.ID, tr.DriverID, string(tr.From), string(tr.To), tr.Reason, tr.TriggeredBy,
			tr.Location.Lat, tr.Location.Lng, tr.At)
		if err != nil {
			return model.Driver{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Driver{}, err
	}
	return d, nil
}

func (p *Postgres) ListTransitions(ctx context.Context, driverID string, limit int) ([]model.DriverTransition, error) {
	q := `SELECT id, driver_id, from_state, to_state, COALESCE(reason,''), COALESCE(triggered_by,''), COALESCE(lat,0), COALESCE(lng,0), at
          FROM driver_transitions WHERE driver_id=$1 ORDER BY at`
	args := []any{driverID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DriverTransition{}
	for rows.Next() {
		var tr model.DriverTransition
		if err := rows.Scan(&tr.ID, &tr.DriverID, &tr.From, &tr.To, &tr.Reason, &tr.TriggeredBy, &tr.Location.Lat, &tr.Location.Lng, &tr.At); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

const orderCols = `id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, COALESCE(pickup_address,''), COALESCE(dropoff_address,''),
    service_type, priority, weight_kg, volume_m3, value, sla_minutes, status, COALESCE(batch_id,''), COALESCE(driver_id,''), created_at, delivered_at`

func scanOrder(r rowScanner) (model.Order, error) {
	var o model.Order
	var delivered sql.NullTime
	err := r.Scan(&o.ID, &o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng, &o.PickupAddress, &o.DropoffAddress,
		&o.ServiceType, &o.Priority, &o.WeightKg, &o.VolumeM3, &o.Value, &o.SLAMinutes, &o.Status, &o.BatchID, &o.DriverID, &o.CreatedAt, &delivered)
	if err != nil {
		return model.Order{}, err
	}
	if delivered.Valid {
		t := delivered.Time
		o.DeliveredAt = &t
	}
	return o, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, o model.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.Status == "" {
		o.Status = model.OrderUnassigned
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders
        (id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_address, dropoff_address,
         service_type, priority, weight_kg, volume_m3, value, sla_minutes, status, batch_id, driver_id, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.Pickup.Lat, o.Pickup.Lng, o.Dropoff.Lat, o.Dropoff.Lng, o.PickupAddress, o.DropoffAddress,
		string(o.ServiceType), o.Priority, o.WeightKg, o.VolumeM3, o.Value, o.SLAMinutes, string(o.Status),
		nullIfEmpty(o.BatchID), nullIfEmpty(o.DriverID), o.CreatedAt)
	return err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	return o, err
}

func (p *Postgres) ListOrdersByStatus(ctx context.Context, st model.OrderStatus) ([]model.Order, error) {
	return p.queryOrders(ctx, `SELECT `+orderCols+` FROM orders WHERE status=$1 ORDER BY created_at`, string(st))
}

func (p *Postgres) ListActiveOrders(ctx context.Context) ([]model.Order, error) {
	return p.queryOrders(ctx, `SELECT `+orderCols+` FROM orders WHERE status NOT IN ('DELIVERED','CANCELLED','FAILED') ORDER BY created_at`)
}

func (p *Postgres) queryOrders(ctx context.Context, q string, args ...any) ([]model.Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, fn func(*model.Order)) (model.Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	if o.Status != from {
		return model.Order{}, ErrConflict
	}
	o.Status = to
	if fn != nil {
		fn(&o)
	}
	_, err = tx.ExecContext(ctx, `UPDATE orders SET status=$2, batch_id=$3, driver_id=$4, priority=$5, delivered_at=$6 WHERE id=$1`,
		o.ID, string(o.Status), nullIfEmpty(o.BatchID), nullIfEmpty(o.DriverID), o.Priority, o.DeliveredAt)
	if err != nil {
		return model.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (p *Postgres) CreateAssignment(ctx context.Context, a model.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO assignments
        (id, order_id, batch_id, driver_id, assignment_type, distance_score, time_score, load_score, priority_score, total_score, alternatives_considered, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, nullIfEmpty(a.OrderID), nullIfEmpty(a.BatchID), a.DriverID, string(a.Type),
		a.Score.Distance, a.Score.Time, a.Score.Load, a.Score.Priority, a.Score.Total,
		a.AlternativesConsidered, a.CreatedAt)
	return err
}

func (p *Postgres) ListAssignmentsSince(ctx context.Context, since time.Time) ([]model.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, COALESCE(order_id,''), COALESCE(batch_id,''), driver_id, assignment_type,
        distance_score, time_score, load_score, priority_score, total_score, alternatives_considered, created_at
        FROM assignments WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Assignment{}
	for rows.Next() {
		var a model.Assignment
		if err := rows.Scan(&a.ID, &a.OrderID, &a.BatchID, &a.DriverID, &a.Type,
			&a.Score.Distance, &a.Score.Time, &a.Score.Load, &a.Score.Priority, &a.Score.Total,
			&a.AlternativesConsidered, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateEscalation(ctx context.Context, e model.Escalation) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO escalations
        (id, order_id, driver_id, escalation_type, severity, status, sla_minutes, minutes_to_breach, resolution, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		e.ID, e.OrderID, nullIfEmpty(e.DriverID), string(e.Type), string(e.Severity), string(e.Status),
		e.SLAMinutes, e.MinutesToBreach, nullIfEmpty(e.Resolution), e.CreatedAt)
	return err
}

const escalationCols = `id, order_id, COALESCE(driver_id,''), escalation_type, severity, status, sla_minutes, minutes_to_breach, COALESCE(resolution,''), created_at, updated_at`

func scanEscalation(r rowScanner) (model.Escalation, error) {
	var e model.Escalation
	err := r.Scan(&e.ID, &e.OrderID, &e.DriverID, &e.Type, &e.Severity, &e.Status,
		&e.SLAMinutes, &e.MinutesToBreach, &e.Resolution, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (p *Postgres) UpdateEscalation(ctx context.Context, id string, fn func(*model.Escalation)) (model.Escalation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Escalation{}, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE id=$1 FOR UPDATE`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Escalation{}, ErrNotFound
	}
	if err != nil {
		return model.Escalation{}, err
	}
	fn(&e)
	e.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE escalations SET severity=$2, status=$3, resolution=$4, updated_at=$5 WHERE id=$1`,
		e.ID, string(e.Severity), string(e.Status), nullIfEmpty(e.Resolution), e.UpdatedAt)
	if err != nil {
		return model.Escalation{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Escalation{}, err
	}
	return e, nil
}

func (p *Postgres) OpenEscalationForOrder(ctx context.Context, orderID string) (model.Escalation, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE order_id=$1 AND status <> 'resolved' LIMIT 1`, orderID)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Escalation{}, false, nil
	}
	if err != nil {
		return model.Escalation{}, false, err
	}
	return e, true, nil
}

func (p *Postgres) ListEscalationsByStatus(ctx context.Context, st model.EscalationStatus) ([]model.Escalation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+escalationCols+` FROM escalations WHERE status=$1 ORDER BY created_at`, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Escalation{}
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateAlert(ctx context.Context, a model.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO alerts (id, type, severity, order_id, driver_id, message, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, string(a.Type), string(a.Severity), nullIfEmpty(a.OrderID), nullIfEmpty(a.DriverID), a.Message, a.CreatedAt)
	return err
}

func (p *Postgres) ListAlertsSince(ctx context.Context, since time.Time) ([]model.Alert, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, type, severity, COALESCE(order_id,''), COALESCE(driver_id,''), COALESCE(message,''), created_at
        FROM alerts WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Alert{}
	for rows.Next() {
		var a model.Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.Severity, &a.OrderID, &a.DriverID, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateIncident(ctx context.Context, in model.TrafficIncident) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.ReportedAt.IsZero() {
		in.ReportedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO traffic_incidents (id, lat, lng, radius_km, severity, description, active, reported_at)
        VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7)`,
		in.ID, in.Location.Lat, in.Location.Lng, in.RadiusKm, string(in.Severity), in.Description, in.ReportedAt)
	return err
}

func (p *Postgres) ActiveIncidents(ctx context.Context) ([]model.TrafficIncident, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, lat, lng, radius_km, severity, COALESCE(description,''), active, reported_at
        FROM traffic_incidents WHERE active ORDER BY reported_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TrafficIncident{}
	for rows.Next() {
		var in model.TrafficIncident
		if err := rows.Scan(&in.ID, &in.Location.Lat, &in.Location.Lng, &in.RadiusKm, &in.Severity, &in.Description, &in.Active, &in.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveIncident(ctx context.Context, id string, affectedOrderIDs []string) error {
	ids, err := json.Marshal(affectedOrderIDs)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE traffic_incidents SET active=FALSE, affected_order_ids=$2 WHERE id=$1`, id, ids)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CreateBatch(ctx context.Context, b model.OrderBatch) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	if b.Status == "" {
		b.Status = model.BatchPending
	}
	ids, err := json.Marshal(b.OrderIDs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO order_batches (id, order_ids, driver_id, total_distance_km, total_weight_kg, total_value, service_type, status, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, ids, nullIfEmpty(b.DriverID), b.TotalDistanceKm, b.TotalWeightKg, b.TotalValue, string(b.ServiceType), string(b.Status), b.CreatedAt)
	return err
}

const batchCols = `id, order_ids, COALESCE(driver_id,''), total_distance_km, total_weight_kg, total_value, COALESCE(service_type,''), status, created_at`

func scanBatch(r rowScanner) (model.OrderBatch, error) {
	var b model.OrderBatch
	var ids []byte
	err := r.Scan(&b.ID, &ids, &b.DriverID, &b.TotalDistanceKm, &b.TotalWeightKg, &b.TotalValue, &b.ServiceType, &b.Status, &b.CreatedAt)
	if err != nil {
		return model.OrderBatch{}, err
	}
	if err := json.Unmarshal(ids, &b.OrderIDs); err != nil {
		return model.OrderBatch{}, err
	}
	return b, nil
}

func (p *Postgres) GetBatch(ctx context.Context, id string) (model.OrderBatch, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+batchCols+` FROM order_batches WHERE id=$1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderBatch{}, ErrNotFound
	}
	return b, err
}

func (p *Postgres) PendingBatches(ctx context.Context) ([]model.OrderBatch, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+batchCols+` FROM order_batches WHERE status='pending' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OrderBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateBatchStatus(ctx context.Context, id string, from, to model.BatchStatus, fn func(*model.OrderBatch)) (model.OrderBatch, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.OrderBatch{}, err
	}
	defer func() { _ = tx.Rollback() }()
	row := tx.QueryRowContext(ctx, `SELECT `+batchCols+` FROM order_batches WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OrderBatch{}, ErrNotFound
	}
	if err != nil {
		return model.OrderBatch{}, err
	}
	if b.Status != from {
		return model.OrderBatch{}, ErrConflict
	}
	b.Status = to
	if fn != nil {
		fn(&b)
	}
	_, err = tx.ExecContext(ctx, `UPDATE order_batches SET status=$2, driver_id=$3 WHERE id=$1`, b.ID, string(b.Status), nullIfEmpty(b.DriverID))
	if err != nil {
		return model.OrderBatch{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.OrderBatch{}, err
	}
	return b, nil
}

func (p *Postgres) SaveRoute(ctx context.Context, r model.Route) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO routes (driver_id, stops, total_distance_km, version, updated_at)
        VALUES ($1,$2,$3,1,now())
        ON CONFLICT (driver_id) DO UPDATE SET stops=$2, total_distance_km=$3, version=routes.version+1, updated_at=now()`,
		r.DriverID, stops, r.TotalDistanceKm)
	return err
}

func (p *Postgres) GetRoute(ctx context.Context, driverID string) (model.Route, error) {
	var r model.Route
	var stops []byte
	row := p.db.QueryRowContext(ctx, `SELECT driver_id, stops, total_distance_km, version, updated_at FROM routes WHERE driver_id=$1`, driverID)
	err := row.Scan(&r.DriverID, &stops, &r.TotalDistanceKm, &r.Version, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (p *Postgres) DeleteRoute(ctx context.Context, driverID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM routes WHERE driver_id=$1`, driverID)
	return err
}

func (p *Postgres) CreateOptimizationRecord(ctx context.Context, rec model.OptimizationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO optimization_records
        (id, driver_id, original_distance_km, optimized_distance_km, improvement_pct, distance_saved_km, time_saved_minutes, stops_reordered, applied, algorithm, trigger_kind, at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.ID, rec.DriverID, rec.OriginalDistanceKm, rec.OptimizedDistanceKm, rec.ImprovementPct,
		rec.DistanceSavedKm, rec.TimeSavedMinutes, rec.StopsReordered, rec.Applied, rec.Algorithm, rec.Trigger, rec.At)
	return err
}

func (p *Postgres) ListOptimizationRecords(ctx context.Context, driverID string, limit int) ([]model.OptimizationRecord, error) {
	q := `SELECT id, driver_id, original_distance_km, optimized_distance_km, improvement_pct, distance_saved_km, time_saved_minutes, stops_reordered, applied, algorithm, trigger_kind, at
          FROM optimization_records`
	args := []any{}
	if driverID != "" {
		q += ` WHERE driver_id=$1`
		args = append(args, driverID)
	}
	q += ` ORDER BY at DESC`
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OptimizationRecord{}
	for rows.Next() {
		var rec model.OptimizationRecord
		if err := rows.Scan(&rec.ID, &rec.DriverID, &rec.OriginalDistanceKm, &rec.OptimizedDistanceKm, &rec.ImprovementPct,
			&rec.DistanceSavedKm, &rec.TimeSavedMinutes, &rec.StopsReordered, &rec.Applied, &rec.Algorithm, &rec.Trigger, &rec.At); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) EnqueueNotification(ctx context.Context, n Notification) (string, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = "pending"
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,0,$7)`,
		n.ID, n.EventType, n.URL, n.Secret, n.Payload, n.Status, n.NextAttemptAt)
	return n.ID, err
}

func (p *Postgres) FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at, COALESCE(last_error,'')
        FROM notifications WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.EventType, &n.URL, &n.Secret, &n.Payload, &n.Status, &n.Attempts, &n.NextAttemptAt, &n.LastError); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE notifications SET status='delivered', attempts=attempts+1 WHERE id=$1`, id)
		return err
	}
	next := time.Now().Add(time.Minute)
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET status='retry', attempts=attempts+1, next_attempt_at=$2, last_error=$3 WHERE id=$1`, id, next, lastError)
	return err
}

func (p *Postgres) FailNotification(ctx context.Context, id string, lastError string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notifications SET status='failed', last_error=$2 WHERE id=$1`, id, lastError)
	return err
}

func (p *Postgres) Stats(ctx context.Context) (model.FleetStats, error) {
	st := model.FleetStats{
		AssignmentsToday:      map[model.AssignmentType]int{},
		EscalationsBySeverity: map[model.Severity]int{},
		OrdersByStatus:        map[model.OrderStatus]int{},
		DriversByState:        map[model.DriverState]int{},
	}
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	rows, err := p.db.QueryContext(ctx, `SELECT assignment_type, COUNT(*), AVG(total_score) FROM assignments WHERE created_at >= $1 GROUP BY assignment_type`, dayStart)
	if err != nil {
		return st, err
	}
	var scoreSum float64
	var scoreN int
	for rows.Next() {
		var typ string
		var cnt int
		var avg sql.NullFloat64
		if err := rows.Scan(&typ, &cnt, &avg); err != nil {
			rows.Close()
			return st, err
		}
		st.AssignmentsToday[model.AssignmentType(typ)] = cnt
		if avg.Valid {
			scoreSum += avg.Float64 * float64(cnt)
			scoreN += cnt
		}
	}
	rows.Close()
	if scoreN > 0 {
		st.AvgAssignmentScore = scoreSum / float64(scoreN)
	}

	rows, err = p.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM escalations WHERE status <> 'resolved' GROUP BY severity`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var sev string
		var cnt int
		if err := rows.Scan(&sev, &cnt); err != nil {
			rows.Close()
			return st, err
		}
		st.EscalationsBySeverity[model.Severity(sev)] = cnt
		st.OpenEscalations += cnt
	}
	rows.Close()

	row := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE applied) FROM optimization_records`)
	if err := row.Scan(&st.OptimizationEvals, &st.OptimizationsApplied); err != nil {
		return st, err
	}
	row = p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_batches`)
	if err := row.Scan(&st.BatchesCreated); err != nil {
		return st, err
	}

	rows, err = p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var s string
		var cnt int
		if err := rows.Scan(&s, &cnt); err != nil {
			rows.Close()
			return st, err
		}
		st.OrdersByStatus[model.OrderStatus(s)] = cnt
	}
	rows.Close()

	rows, err = p.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM drivers GROUP BY state`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var s string
		var cnt int
		if err := rows.Scan(&s, &cnt); err != nil {
			rows.Close()
			return st, err
		}
		st.DriversByState[model.DriverState(s)] = cnt
	}
	rows.Close()

	row = p.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE EXTRACT(EPOCH FROM (delivered_at - created_at))/60 <= sla_minutes)
        FROM orders WHERE status='DELIVERED' AND delivered_at IS NOT NULL`)
	var delivered, onTime int
	if err := row.Scan(&delivered, &onTime); err != nil {
		return st, err
	}
	if delivered > 0 {
		st.OnTimeRate = float64(onTime) / float64(delivered)
	}
	return st, nil
}
