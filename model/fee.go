package model

import "github.com/shopspring/decimal"

// Task sources.
const (
	TaskSourceMarketplace = "marketplace"
	TaskSourceFleaMarket  = "flea_market"
	TaskSourceExpert      = "expert_service"
	TaskSourceCampus      = "campus"
)

// Task types with their own fee schedule.
const (
	TaskTypeErrand     = "errand"
	TaskTypeDelivery   = "delivery"
	TaskTypeTutoring   = "tutoring"
	TaskTypeSecondHand = "second_hand"
)

type feeKey struct {
	source   string
	taskType string
}

var defaultFeeRate = decimal.RequireFromString("0.10")

// feeTable overrides the default rate. A blank task type matches any type of the source.
var feeTable = map[feeKey]decimal.Decimal{
	{source: TaskSourceFleaMarket}:                              decimal.RequireFromString("0.05"),
	{source: TaskSourceExpert}:                                  decimal.RequireFromString("0.15"),
	{source: TaskSourceCampus}:                                  decimal.RequireFromString("0.08"),
	{source: TaskSourceMarketplace, taskType: TaskTypeTutoring}: decimal.RequireFromString("0.12"),
}

// FeeRate returns the platform fee rate for a task source and type.
func FeeRate(source, taskType string) decimal.Decimal {
	if rate, ok := feeTable[feeKey{source: source, taskType: taskType}]; ok {
		return rate
	}
	if rate, ok := feeTable[feeKey{source: source}]; ok {
		return rate
	}
	return defaultFeeRate
}

// Fee is the platform fee retained on amount.
func Fee(amount Money, source, taskType string) Money {
	return amount.MulRate(FeeRate(source, taskType))
}
