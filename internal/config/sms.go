package config

import "time"

// SMSConfig shapes the SMS-code login flow. Delivery itself is a provider
// concern behind an interface.
type SMSConfig struct {
	CodeLength      int
	CodeTTL         time.Duration
	MaxSendsPerHour int
	RateLimitWindow time.Duration
}

func LoadSMSConfig() *SMSConfig {
	return &SMSConfig{
		CodeLength:      getEnvAsInt("SMS_CODE_LENGTH", 6),
		CodeTTL:         getEnvAsDuration("SMS_CODE_TTL", 5*time.Minute),
		MaxSendsPerHour: getEnvAsInt("SMS_MAX_SENDS_PER_HOUR", 5),
		RateLimitWindow: getEnvAsDuration("SMS_RATE_LIMIT_WINDOW", time.Hour),
	}
}
