package config

import (
	"fmt"
	"time"

	"inventory-tracker/internal/inventory"
)

const defaultMetricsAddr = ":9091"

type Notifications struct {
	RabbitMQURL     string
	Exchange        string
	Queue           string
	MetricsAddr     string
	ShutdownTimeout time.Duration
}

func LoadNotifications() (Notifications, error) {
	cfg := Notifications{
		RabbitMQURL:     getEnv("RABBITMQ_URL", ""),
		Exchange:        inventory.EventsExchange,
		Queue:           getEnv("NOTIFICATIONS_QUEUE", inventory.NotificationsQueue),
		MetricsAddr:     getEnv("METRICS_ADDR", defaultMetricsAddr),
		ShutdownTimeout: defaultShutdownTimeout,
	}

	if cfg.RabbitMQURL == "" {
		return Notifications{}, fmt.Errorf("RABBITMQ_URL is required")
	}

	return cfg, nil
}
