package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// BillingConfig carries the monetary knobs of the ledger and the payment
// webhook. Amounts are fixed-point with two decimal digits.
type BillingConfig struct {
	StartingBalance decimal.Decimal
	ChatCost        decimal.Decimal
	InviteDiscount  decimal.Decimal // fraction of the payable amount, e.g. 0.10
	WebhookSecret   string
	WebhookLivemode bool
	SignatureSkew   time.Duration
}

func LoadBillingConfig() *BillingConfig {
	return &BillingConfig{
		StartingBalance: getEnvAsDecimal("BILLING_STARTING_BALANCE", "10.00"),
		ChatCost:        getEnvAsDecimal("BILLING_CHAT_COST", "1.00"),
		InviteDiscount:  getEnvAsDecimal("BILLING_INVITE_DISCOUNT", "0.10"),
		WebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		WebhookLivemode: getEnv("ENV", "") == "production",
		SignatureSkew:   getEnvAsDuration("WEBHOOK_SIGNATURE_SKEW", 5*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultVal)
}
