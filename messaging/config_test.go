package messaging

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
)

func TestDefaultBrokerConfig(t *testing.T) {
	config := DefaultBrokerConfig()

	if config.Type != BrokerTypeMemory {
		t.Errorf("Expected default type '%s', got '%s'", BrokerTypeMemory, config.Type)
	}

	if config.PubSub == nil || config.PubSub.ProjectID == "" {
		t.Error("Expected Pub/Sub config with a project ID")
	}
	if config.Kafka == nil || len(config.Kafka.Brokers) == 0 {
		t.Error("Expected Kafka brokers to be set")
	}
	if config.RabbitMQ == nil || config.RabbitMQ.ConnectionTimeout == 0 {
		t.Error("Expected RabbitMQ connection timeout to be set")
	}
	if config.NATS == nil || config.NATS.URL == "" {
		t.Error("Expected NATS URL to be set")
	}
	if config.Redis == nil || config.Redis.Addr == "" {
		t.Error("Expected Redis address to be set")
	}
}

func TestDefaultPubSubConfig(t *testing.T) {
	config := DefaultPubSubConfig()

	if config.SubscriptionPrefix != "pubsubfn-" {
		t.Errorf("Expected subscription prefix 'pubsubfn-', got '%s'", config.SubscriptionPrefix)
	}
	if config.MaxOutstandingMessages != 100 {
		t.Errorf("Expected max outstanding messages 100, got %d", config.MaxOutstandingMessages)
	}
	if config.AutoCreate {
		t.Error("Expected auto create to be disabled by default")
	}
}

func TestDefaultRedisConfig(t *testing.T) {
	config := DefaultRedisConfig()

	if config.Group != "pubsubfn" {
		t.Errorf("Expected group 'pubsubfn', got '%s'", config.Group)
	}
	if config.Block != 5*time.Second {
		t.Errorf("Expected block %v, got %v", 5*time.Second, config.Block)
	}
}

func TestBrokerConfigValidation(t *testing.T) {
	validate := validator.New()

	if err := validate.Struct(DefaultBrokerConfig()); err != nil {
		t.Errorf("Expected default config to be valid, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*BrokerConfig)
	}{
		{"unknown type", func(c *BrokerConfig) { c.Type = "sqs" }},
		{"missing type", func(c *BrokerConfig) { c.Type = "" }},
		{"missing project", func(c *BrokerConfig) { c.PubSub.ProjectID = "" }},
		{"no kafka brokers", func(c *BrokerConfig) { c.Kafka.Brokers = nil }},
		{"bad sasl mechanism", func(c *BrokerConfig) { c.Kafka.SASLMechanism = "gssapi" }},
		{"missing redis group", func(c *BrokerConfig) { c.Redis.Group = "" }},
		{"negative reconnect attempts", func(c *BrokerConfig) { c.RabbitMQ.MaxReconnectAttempts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultBrokerConfig()
			tt.mutate(config)
			if err := validate.Struct(config); err == nil {
				t.Error("Expected validation error but got none")
			}
		})
	}
}
