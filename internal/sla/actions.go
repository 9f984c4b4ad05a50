package sla

import (
	"fmt"

	"fleetops/internal/model"
)

// Action is a corrective step generated for an at-risk order. Most are
// recommendations surfaced to operators; emergency_reassignment is executed
// by the engine itself.
type Action struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`
	OrderID  string `json:"orderId"`
	Message  string `json:"message"`
}

const (
	ActionCustomerCompensation   = "customer_compensation"
	ActionCustomerNotification   = "customer_notification"
	ActionIncidentReport         = "incident_report"
	ActionEmergencyReassignment  = "emergency_reassignment"
	ActionExpediteDelivery       = "expedite_delivery"
	ActionSupervisorAlert        = "supervisor_alert"
	ActionRouteOptimization      = "route_optimization"
	ActionProactiveCommunication = "proactive_communication"
)

// CorrectiveActions is category-driven. Breaches always get the compensation
// bundle regardless of recoverability. A critical order that prediction says
// cannot recover gets an emergency reassignment instead of more waiting.
// Flash customers are not pre-notified of ordinary warnings.
func CorrectiveActions(o model.Order, cat Category, canMeet bool) []Action {
	switch cat {
	case CategoryBreach:
		return []Action{
			{Type: ActionCustomerCompensation, Priority: "high", OrderID: o.ID,
				Message: fmt.Sprintf("SLA breached for order %s, issue compensation", o.ID)},
			{Type: ActionCustomerNotification, Priority: "high", OrderID: o.ID,
				Message: fmt.Sprintf("notify customer of missed window for order %s", o.ID)},
			{Type: ActionIncidentReport, Priority: "medium", OrderID: o.ID,
				Message: fmt.Sprintf("file incident report for breached order %s", o.ID)},
		}
	case CategoryCritical:
		if !canMeet {
			return []Action{{Type: ActionEmergencyReassignment, Priority: "critical", OrderID: o.ID,
				Message: fmt.Sprintf("order %s cannot recover on current assignment, reassign now", o.ID)}}
		}
		return []Action{
			{Type: ActionExpediteDelivery, Priority: "high", OrderID: o.ID,
				Message: fmt.Sprintf("expedite delivery of order %s", o.ID)},
			{Type: ActionSupervisorAlert, Priority: "high", OrderID: o.ID,
				Message: fmt.Sprintf("supervisor attention needed on order %s", o.ID)},
		}
	case CategoryWarning:
		actions := []Action{{Type: ActionRouteOptimization, Priority: "medium", OrderID: o.ID,
			Message: fmt.Sprintf("consider route optimization for order %s", o.ID)}}
		if o.ServiceType != model.ServiceFlash {
			actions = append(actions, Action{Type: ActionProactiveCommunication, Priority: "low", OrderID: o.ID,
				Message: fmt.Sprintf("proactively update customer on order %s", o.ID)})
		}
		return actions
	}
	return nil
}
