package config

import (
	"time"

	"github.com/iurnickita/offerbilling/internal/model"
)

type Config struct {
	Rates         model.BillingRate
	Cutover       string // HH:MM в часовом поясе Timezone
	Timezone      string
	RetryInterval time.Duration
	Workers       int
	LockTTL       time.Duration
	RedisAddr     string
}
