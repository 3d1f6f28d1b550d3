package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionStatus — статус выплаты комиссии.
type CommissionStatus string

const (
	CommissionStatusPending CommissionStatus = "pending"
	CommissionStatusSettled CommissionStatus = "settled"
)

// RolePlatformOperator — роль, которой начисляется комиссия платформы.
const RolePlatformOperator = "platform_operator"

var hundred = decimal.NewFromInt(100)

// CommissionEntry — начисление комиссии по оплаченному заказу. Одна запись на заказ.
type CommissionEntry struct {
	OrderID         string
	Currency        string
	OrderTotalMinor int64
	RatePercent     decimal.Decimal
	AmountMinor     int64
	BeneficiaryRole string
	Status          CommissionStatus
	AccruedAt       time.Time
	SettledAt       *time.Time
}

// CommissionAmount считает total * rate / 100 в минимальных единицах,
// округляя половину от нуля.
func CommissionAmount(totalMinor int64, ratePercent decimal.Decimal) int64 {
	return decimal.NewFromInt(totalMinor).
		Mul(ratePercent).
		Div(hundred).
		Round(0).
		IntPart()
}
