package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionDeposit      TransactionType = "DEPOSIT"
	TransactionHourlyCharge TransactionType = "HOURLY_CHARGE"
)

// Transaction is one append-only ledger entry. Deposits carry a positive
// amount, charges a negative one.
type Transaction struct {
	ID          int64
	UserID      int64
	Amount      decimal.Decimal
	Type        TransactionType
	Timestamp   time.Time
	Description string
}
