package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User owns servers and a credit balance. Credits never go below zero;
// every balance change is mirrored by a Transaction row.
type User struct {
	ID        int64
	Email     string
	Credits   decimal.Decimal
	IsAdmin   bool
	CreatedAt time.Time
}

// CanAfford reports whether the balance covers the given charge.
func (u *User) CanAfford(charge decimal.Decimal) bool {
	return u.Credits.GreaterThanOrEqual(charge)
}
