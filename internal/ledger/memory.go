package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlas402/x402-engine/internal/models"
)

// Memory is the fallback ledger used when no database DSN is configured.
// Semantics match Postgres: upsert by tx hash, created_at pinned at first
// insert, lower-cased addresses. Nothing survives a restart. Returned
// records are detached copies; mutating them never touches stored state.
type Memory struct {
	mu       sync.Mutex
	payments map[string]*models.PaymentRecord
	events   []*models.UserEvent
	services map[string]*models.ServiceRecord
}

func NewMemory() *Memory {
	return &Memory{
		payments: make(map[string]*models.PaymentRecord),
		services: make(map[string]*models.ServiceRecord),
	}
}

func (m *Memory) RecordPayment(ctx context.Context, input models.PaymentRecord) (*models.PaymentRecord, error) {
	record := prepareRecord(input)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.payments[record.TxHash]; ok {
		record.CreatedAt = existing.CreatedAt
		if record.Metadata == nil {
			record.Metadata = existing.Metadata
		}
	}
	stored := record
	stored.Metadata = maps.Clone(record.Metadata)
	m.payments[record.TxHash] = &stored

	out := record
	out.Metadata = maps.Clone(record.Metadata)
	return &out, nil
}

func (m *Memory) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PaymentRecord
	for _, rec := range m.payments {
		if filter.UserAddress != "" && rec.UserAddress != normalizeAddress(filter.UserAddress) {
			continue
		}
		if filter.Network != "" && rec.Network != filter.Network {
			continue
		}
		if filter.Category != "" && string(rec.Category) != filter.Category {
			continue
		}
		if !filter.Since.IsZero() && rec.CreatedAt.Before(filter.Since) {
			continue
		}
		copied := *rec
		copied.Metadata = maps.Clone(rec.Metadata)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) ListUnconfirmedPayments(ctx context.Context, limit int) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PaymentRecord
	for _, rec := range m.payments {
		if confirmed, ok := rec.Metadata["confirmed"].(bool); !ok || confirmed {
			continue
		}
		copied := *rec
		copied.Metadata = maps.Clone(rec.Metadata)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return page(out, limit, 0), nil
}

func (m *Memory) RecordUserEvent(ctx context.Context, input models.UserEvent) (*models.UserEvent, error) {
	event := input
	event.UserAddress = normalizeAddress(event.UserAddress)
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := event
	stored.Metadata = maps.Clone(event.Metadata)
	m.events = append(m.events, &stored)

	out := event
	return &out, nil
}

func (m *Memory) ListUserEvents(ctx context.Context, filter EventFilter) ([]*models.UserEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.UserEvent
	for _, ev := range m.events {
		if filter.UserAddress != "" && ev.UserAddress != normalizeAddress(filter.UserAddress) {
			continue
		}
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		copied := *ev
		copied.Metadata = maps.Clone(ev.Metadata)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) UpsertService(ctx context.Context, record models.ServiceRecord) (*models.ServiceRecord, error) {
	svc := record
	svc.MerchantAddress = normalizeAddress(svc.MerchantAddress)
	now := time.Now().UTC()
	svc.UpdatedAt = now
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.services[svc.Name]; ok {
		svc.ID = existing.ID
		svc.CreatedAt = existing.CreatedAt
		if svc.Metadata == nil {
			svc.Metadata = existing.Metadata
		}
	} else if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	stored := svc
	stored.Metadata = maps.Clone(svc.Metadata)
	m.services[svc.Name] = &stored

	out := svc
	out.Metadata = maps.Clone(svc.Metadata)
	return &out, nil
}

func (m *Memory) ListServices(ctx context.Context) ([]*models.ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ServiceRecord, 0, len(m.services))
	for _, svc := range m.services {
		copied := *svc
		copied.Metadata = maps.Clone(svc.Metadata)
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	limit = defaultLimit(limit)
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
