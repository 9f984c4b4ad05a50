package store

import (
	"context"
	"errors"
	"time"

	"fleetops/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a compare-and-swap that lost against a concurrent
	// writer; the caller's view of the row was stale.
	ErrConflict = errors.New("conflict")
)

// Notification is a queued outbound alert delivery (see internal/notify).
type Notification struct {
	ID            string
	EventType     string
	URL           string
	Secret        string
	Payload       []byte
	Status        string // pending, retry, delivered, failed
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Store is the transactional persistence interface shared by all engines.
// Conditional operations (MutateDriver, UpdateOrderStatus, UpdateBatchStatus)
// are the serialization points that keep concurrent engine ticks safe.
type Store interface {
	// Drivers
	CreateDriver(ctx context.Context, d model.Driver) error
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListDriversByState(ctx context.Context, st model.DriverState) ([]model.Driver, error)
	ListActiveDrivers(ctx context.Context) ([]model.Driver, error)
	// MutateDriver runs fn on the driver row under its lock. fn may return a
	// transition row to append within the same atomic unit; an error from fn
	// aborts the mutation and is returned unchanged.
	MutateDriver(ctx context.Context, id string, fn func(*model.Driver) (*model.DriverTransition, error)) (model.Driver, error)
	ListTransitions(ctx context.Context, driverID string, limit int) ([]model.DriverTransition, error)

	// Orders
	CreateOrder(ctx context.Context, o model.Order) error
	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrdersByStatus(ctx context.Context, st model.OrderStatus) ([]model.Order, error)
	ListActiveOrders(ctx context.Context) ([]model.Order, error)
	// UpdateOrderStatus is a compare-and-swap on order status; fn mutates
	// further fields inside the same atomic unit. Returns ErrConflict when
	// the current status differs from from.
	UpdateOrderStatus(ctx context.Context, id string, from, to model.OrderStatus, fn func(*model.Order)) (model.Order, error)

	// Assignment log (immutable rows)
	CreateAssignment(ctx context.Context, a model.Assignment) error
	ListAssignmentsSince(ctx context.Context, since time.Time) ([]model.Assignment, error)

	// Escalations
	CreateEscalation(ctx context.Context, e model.Escalation) error
	UpdateEscalation(ctx context.Context, id string, fn func(*model.Escalation)) (model.Escalation, error)
	OpenEscalationForOrder(ctx context.Context, orderID string) (model.Escalation, bool, error)
	ListEscalationsByStatus(ctx context.Context, st model.EscalationStatus) ([]model.Escalation, error)

	// Alerts
	CreateAlert(ctx context.Context, a model.Alert) error
	ListAlertsSince(ctx context.Context, since time.Time) ([]model.Alert, error)

	// Traffic incidents
	CreateIncident(ctx context.Context, in model.TrafficIncident) error
	ActiveIncidents(ctx context.Context) ([]model.TrafficIncident, error)
	ResolveIncident(ctx context.Context, id string, affectedOrderIDs []string) error

	// Batches
	CreateBatch(ctx context.Context, b model.OrderBatch) error
	GetBatch(ctx context.Context, id string) (model.OrderBatch, error)
	PendingBatches(ctx context.Context) ([]model.OrderBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, from, to model.BatchStatus, fn func(*model.OrderBatch)) (model.OrderBatch, error)

	// Active routes (one per BUSY driver)
	SaveRoute(ctx context.Context, r model.Route) error
	GetRoute(ctx context.Context, driverID string) (model.Route, error)
	DeleteRoute(ctx context.Context, driverID string) error

	// Optimization evaluation log
	CreateOptimizationRecord(ctx context.Context, rec model.OptimizationRecord) error
	ListOptimizationRecords(ctx context.Context, driverID string, limit int) ([]model.OptimizationRecord, error)

	// Outbound notification queue
	EnqueueNotification(ctx context.Context, n Notification) (string, error)
	FetchDueNotifications(ctx context.Context, limit int) ([]Notification, error)
	MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error
	FailNotification(ctx context.Context, id string, lastError string) error

	// Read-only aggregates for the control surface
	Stats(ctx context.Context) (model.FleetStats, error)
}
