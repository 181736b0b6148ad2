package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas402/x402-engine/internal/models"
)

// Postgres is the durable ledger implementation.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

func (s *Postgres) RecordPayment(ctx context.Context, input models.PaymentRecord) (*models.PaymentRecord, error) {
	record := prepareRecord(input)

	meta, err := marshalMetadata(record.Metadata)
	if err != nil {
		return nil, err
	}

	// created_at is pinned to the first insert; metadata keeps the stored
	// value when the update carries none.
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO payments (
			tx_hash, user_address, merchant_address, network,
			amount_micro, currency, category, service, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (tx_hash) DO UPDATE SET
			user_address = EXCLUDED.user_address,
			merchant_address = EXCLUDED.merchant_address,
			network = EXCLUDED.network,
			amount_micro = EXCLUDED.amount_micro,
			currency = EXCLUDED.currency,
			category = EXCLUDED.category,
			service = EXCLUDED.service,
			metadata = COALESCE(EXCLUDED.metadata, payments.metadata),
			created_at = payments.created_at
		RETURNING created_at, metadata
	`,
		record.TxHash,
		record.UserAddress,
		record.MerchantAddress,
		record.Network,
		record.AmountMicro,
		record.Currency,
		record.Category,
		record.Service,
		meta,
		record.CreatedAt,
	)
	// Re-read metadata so an update without it reports the COALESCE'd
	// stored value, matching the in-memory ledger.
	var storedMeta []byte
	if err := row.Scan(&record.CreatedAt, &storedMeta); err != nil {
		return nil, err
	}
	record.Metadata = nil
	if len(storedMeta) > 0 {
		if err := json.Unmarshal(storedMeta, &record.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", record.TxHash, err)
		}
	}
	return &record, nil
}

func (s *Postgres) ListPayments(ctx context.Context, filter PaymentFilter) ([]*models.PaymentRecord, error) {
	query := `
		SELECT tx_hash, user_address, merchant_address, network,
			amount_micro, currency, category, service, metadata, created_at
		FROM payments`
	where, args := buildPaymentWhere(filter)
	query += where
	query += ` ORDER BY created_at DESC`
	args = append(args, defaultLimit(filter.Limit))
	query += ` LIMIT $` + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentRecord
	for rows.Next() {
		var rec models.PaymentRecord
		var user, merchant, service sql.NullString
		var meta []byte
		if err := rows.Scan(
			&rec.TxHash,
			&user,
			&merchant,
			&rec.Network,
			&rec.AmountMicro,
			&rec.Currency,
			&rec.Category,
			&service,
			&meta,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.UserAddress = user.String
		rec.MerchantAddress = merchant.String
		rec.Service = service.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", rec.TxHash, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Postgres) ListUnconfirmedPayments(ctx context.Context, limit int) ([]*models.PaymentRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT tx_hash, user_address, merchant_address, network,
			amount_micro, currency, category, service, metadata, created_at
		FROM payments
		WHERE metadata->>'confirmed' = 'false'
		ORDER BY created_at ASC
		LIMIT $1
	`, defaultLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentRecord
	for rows.Next() {
		var rec models.PaymentRecord
		var user, merchant, service sql.NullString
		var meta []byte
		if err := rows.Scan(
			&rec.TxHash,
			&user,
			&merchant,
			&rec.Network,
			&rec.AmountMicro,
			&rec.Currency,
			&rec.Category,
			&service,
			&meta,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.UserAddress = user.String
		rec.MerchantAddress = merchant.String
		rec.Service = service.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", rec.TxHash, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Postgres) RecordUserEvent(ctx context.Context, input models.UserEvent) (*models.UserEvent, error) {
	event := input
	event.UserAddress = normalizeAddress(event.UserAddress)
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	meta, err := marshalMetadata(event.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO user_events (
			id, user_address, event_type, network, reference_id,
			amount_micro, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		event.ID,
		event.UserAddress,
		event.EventType,
		event.Network,
		event.ReferenceID,
		event.AmountMicro,
		meta,
		event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Postgres) ListUserEvents(ctx context.Context, filter EventFilter) ([]*models.UserEvent, error) {
	query := `
		SELECT id, user_address, event_type, network, reference_id,
			amount_micro, metadata, created_at
		FROM user_events`
	var args []any
	var where []string
	if filter.UserAddress != "" {
		args = append(args, normalizeAddress(filter.UserAddress))
		where = append(where, `user_address = $`+strconv.Itoa(len(args)))
	}
	if filter.EventType != "" {
		args = append(args, filter.EventType)
		where = append(where, `event_type = $`+strconv.Itoa(len(args)))
	}
	query += joinWhere(where)
	query += ` ORDER BY created_at DESC`
	args = append(args, defaultLimit(filter.Limit))
	query += ` LIMIT $` + strconv.Itoa(len(args))
	args = append(args, filter.Offset)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UserEvent
	for rows.Next() {
		var ev models.UserEvent
		var network, refID sql.NullString
		var amount sql.NullInt64
		var meta []byte
		if err := rows.Scan(
			&ev.ID,
			&ev.UserAddress,
			&ev.EventType,
			&network,
			&refID,
			&amount,
			&meta,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		ev.Network = network.String
		ev.ReferenceID = refID.String
		ev.AmountMicro = amount.Int64
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for event %s: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertService(ctx context.Context, record models.ServiceRecord) (*models.ServiceRecord, error) {
	svc := record
	svc.MerchantAddress = normalizeAddress(svc.MerchantAddress)
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now

	meta, err := marshalMetadata(svc.Metadata)
	if err != nil {
		return nil, err
	}

	row := s.Pool.QueryRow(ctx, `
		INSERT INTO services (
			id, name, description, endpoint, merchant_address, category,
			network, price_amount, price_currency, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			endpoint = EXCLUDED.endpoint,
			merchant_address = EXCLUDED.merchant_address,
			category = EXCLUDED.category,
			network = EXCLUDED.network,
			price_amount = EXCLUDED.price_amount,
			price_currency = EXCLUDED.price_currency,
			metadata = COALESCE(EXCLUDED.metadata, services.metadata),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at
	`,
		svc.ID,
		svc.Name,
		svc.Description,
		svc.Endpoint,
		svc.MerchantAddress,
		svc.Category,
		svc.Network,
		svc.PriceAmount,
		svc.PriceCurrency,
		meta,
		svc.CreatedAt,
		svc.UpdatedAt,
	)
	if err := row.Scan(&svc.ID, &svc.CreatedAt); err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *Postgres) ListServices(ctx context.Context) ([]*models.ServiceRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, name, description, endpoint, merchant_address, category,
			network, price_amount, price_currency, metadata, created_at, updated_at
		FROM services
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ServiceRecord
	for rows.Next() {
		var svc models.ServiceRecord
		var desc, endpoint, merchant, category, network, amount, currency sql.NullString
		var meta []byte
		if err := rows.Scan(
			&svc.ID,
			&svc.Name,
			&desc,
			&endpoint,
			&merchant,
			&category,
			&network,
			&amount,
			&currency,
			&meta,
			&svc.CreatedAt,
			&svc.UpdatedAt,
		); err != nil {
			return nil, err
		}
		svc.Description = desc.String
		svc.Endpoint = endpoint.String
		svc.MerchantAddress = merchant.String
		svc.Category = category.String
		svc.Network = network.String
		svc.PriceAmount = amount.String
		svc.PriceCurrency = currency.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &svc.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for service %s: %w", svc.ID, err)
			}
		}
		out = append(out, &svc)
	}
	return out, rows.Err()
}

func buildPaymentWhere(filter PaymentFilter) (string, []any) {
	var args []any
	var where []string
	if filter.UserAddress != "" {
		args = append(args, normalizeAddress(filter.UserAddress))
		where = append(where, `user_address = $`+strconv.Itoa(len(args)))
	}
	if filter.Network != "" {
		args = append(args, filter.Network)
		where = append(where, `network = $`+strconv.Itoa(len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, `category = $`+strconv.Itoa(len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, `created_at >= $`+strconv.Itoa(len(args)))
	}
	return joinWhere(where), args
}

func joinWhere(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	out := ` WHERE ` + clauses[0]
	for _, c := range clauses[1:] {
		out += ` AND ` + c
	}
	return out
}

func prepareRecord(input models.PaymentRecord) models.PaymentRecord {
	record := input
	record.UserAddress = normalizeAddress(record.UserAddress)
	record.MerchantAddress = normalizeAddress(record.MerchantAddress)
	if record.Currency == "" {
		record.Currency = "USDC"
	}
	if record.Category == "" {
		record.Category = models.CategoryOther
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}
