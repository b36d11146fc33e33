package config

import "time"

type Config struct {
	ProfileAddr           string // пусто - предварительные условия не проверяются
	ProfileTimeout        time.Duration
	CompletenessThreshold int
}
