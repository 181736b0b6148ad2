package models

import "time"

type PaymentCategory string

const (
	CategoryAccess       PaymentCategory = "access"
	CategoryRegistration PaymentCategory = "registration"
	CategoryMint         PaymentCategory = "mint"
	CategoryService      PaymentCategory = "service"
	CategoryOther        PaymentCategory = "other"
)

// PaymentRecord is one verified payment, keyed by transaction hash (or
// authorization nonce for gas-less payments). Retried submissions of the
// same hash upsert the existing row; CreatedAt never moves after the first
// insert.
type PaymentRecord struct {
	TxHash          string
	UserAddress     string
	MerchantAddress string
	Network         string
	AmountMicro     int64
	Currency        string
	Category        PaymentCategory
	Service         string
	Metadata        map[string]any
	CreatedAt       time.Time
}

// UserEvent is an append-only domain action (token_minted, service_registered)
// referencing a PaymentRecord by ReferenceID. Never mutated after creation.
type UserEvent struct {
	ID          string
	UserAddress string
	EventType   string
	Network     string
	ReferenceID string
	AmountMicro int64
	Metadata    map[string]any
	CreatedAt   time.Time
}

type ServiceRecord struct {
	ID              string
	Name            string
	Description     string
	Endpoint        string
	MerchantAddress string
	Category        string
	Network         string
	PriceAmount     string
	PriceCurrency   string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CategorizeFee maps a micro-unit amount to a payment category based on the
// platform's fixed fee schedule.
func CategorizeFee(amountMicro int64) PaymentCategory {
	switch amountMicro {
	case 250_000:
		return CategoryMint
	case 1_000_000:
		return CategoryAccess
	case 50_000_000:
		return CategoryRegistration
	}
	return CategoryOther
}
