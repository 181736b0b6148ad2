package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/atlas402/x402-engine/internal/models"
)

// PaymentFilter narrows ListPayments. Zero values mean "no constraint".
type PaymentFilter struct {
	UserAddress string
	Network     string
	Category    string
	Since       time.Time
	Limit       int
	Offset      int
}

// EventFilter narrows ListUserEvents.
type EventFilter struct {
	UserAddress string
	EventType   string
	Limit       int
	Offset      int
}

// Ledger owns PaymentRecord and UserEvent identity. RecordPayment is an
// upsert keyed by TxHash: concurrent or retried calls for one hash converge
// to a single record, CreatedAt fixed at first insert, mutable fields taking
// the latest write. Verifiers and middleware never touch storage directly.
type Ledger interface {
	RecordPayment(ctx context.Context, input models.PaymentRecord) (*models.PaymentRecord, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.PaymentRecord, error)
	// ListUnconfirmedPayments returns transfer-proof payments still awaiting
	// the confirmation sweep, oldest first.
	ListUnconfirmedPayments(ctx context.Context, limit int) ([]*models.PaymentRecord, error)
	RecordUserEvent(ctx context.Context, input models.UserEvent) (*models.UserEvent, error)
	ListUserEvents(ctx context.Context, filter EventFilter) ([]*models.UserEvent, error)
	UpsertService(ctx context.Context, record models.ServiceRecord) (*models.ServiceRecord, error)
	ListServices(ctx context.Context) ([]*models.ServiceRecord, error)
}

// normalizeAddress lower-cases a chain address so case variants of one
// account never produce duplicate identities.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
