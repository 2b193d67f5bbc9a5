package points

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by core operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing settlement operation.
type OperationLog struct {
	Operation     string
	GuestID       string
	CastID        string
	ReservationID string
	PayoutID      string
	Amount        int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// ReservationUpdated is published after a session is force-closed or settled
// so the notification layer can inform both parties.
type ReservationUpdated struct {
	ReservationID string
	GuestID       string
	CastID        string
	PointsEarned  int64
	AutoExited    bool
}

// EventPublisher delivers domain events to external collaborators.
type EventPublisher interface {
	PublishReservationUpdated(ctx context.Context, event ReservationUpdated)
}

// WithEventPublisher wires the publisher used after settlement.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.events = publisher
	}
}

// EscalatedHold describes an exceeded-pending hold the processor could not
// mature because the guest's balance cannot cover it.
type EscalatedHold struct {
	TransactionID string
	ReservationID string
	GuestID       string
	Amount        int64
	Shortfall     int64
}

// EscalationQueue receives holds that need operator attention. Holds are
// never silently dropped.
type EscalationQueue interface {
	EscalateHold(ctx context.Context, hold EscalatedHold)
}

// WithEscalationQueue wires the operator queue used by the pending processor.
func WithEscalationQueue(queue EscalationQueue) ServiceOption {
	return func(service *Service) {
		service.escalations = queue
	}
}
