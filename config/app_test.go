package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

func TestDefaultAppConfig_RequiresDefaultTopic(t *testing.T) {
	cfg := DefaultAppConfig()
	cfg.Normalize()

	err := NewManager().Validate(&cfg)
	require.Error(t, err)

	var validationErrors ValidationErrors
	require.ErrorAs(t, err, &validationErrors)
	require.Len(t, validationErrors, 1)
	assert.Equal(t, "functions.default_topic", validationErrors[0].Field)

	cfg.Functions.DefaultTopic = "your-topic-name"
	assert.NoError(t, NewManager().Validate(&cfg))
}

func TestLoadApp_Layers(t *testing.T) {
	path := writeFile(t, "config.yaml", `
service:
  name: orders-service
functions:
  default_topic: from-file
  order_delay: 250ms
broker:
  type: redis
  redis:
    addr: redis:6379
http:
  port: 9000
tracing:
  headers:
    authorization: token
`)
	t.Setenv("PUBSUBFN_HTTP__PORT", "9100")
	t.Setenv("PUBSUBFN_LOGGER__LEVEL", "debug")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagSource := NewFlagSource(WithFlagSet(flags))
	flagSource.AddFlag("topic", "functions.default_topic", "", "default topic")
	require.NoError(t, flags.Parse([]string{"--topic", "from-flag"}))

	cfg, manager, err := LoadApp(LoadOptions{File: path, Flags: flagSource})
	require.NoError(t, err)
	require.NotNil(t, manager)

	assert.Equal(t, "from-flag", cfg.Functions.DefaultTopic)
	assert.Equal(t, "orders", cfg.Functions.OrdersTopic)
	assert.Equal(t, 250*time.Millisecond, cfg.Functions.OrderDelay)
	assert.Equal(t, 9100, cfg.HTTP.Port)
	assert.Equal(t, observability.LogLevelDebug, cfg.Logger.Level)
	assert.Equal(t, messaging.BrokerTypeRedis, cfg.Broker.Type)
	assert.Equal(t, "redis:6379", cfg.Broker.Redis.Addr)
	assert.Equal(t, "pubsubfn", cfg.Broker.Redis.Group)
	assert.Equal(t, map[string]string{"authorization": "token"}, cfg.Tracing.Headers)

	assert.Equal(t, "orders-service", cfg.Logger.ServiceName)
	assert.Equal(t, "orders-service", cfg.Tracing.ServiceName)
}

func TestLoadApp_MissingFile(t *testing.T) {
	_, _, err := LoadApp(LoadOptions{File: "does-not-exist.yaml"})
	assert.Error(t, err)
}

func TestLoadApp_InvalidBrokerType(t *testing.T) {
	t.Setenv("PUBSUBFN_FUNCTIONS__DEFAULT_TOPIC", "your-topic-name")
	t.Setenv("PUBSUBFN_BROKER__TYPE", "carrier-pigeon")

	_, _, err := LoadApp(LoadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.type")
}

func TestAppConfig_SetDefaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.SetDefaults()

	assert.Equal(t, "pubsubfn", cfg.Service.Name)
	assert.Equal(t, messaging.BrokerTypeMemory, cfg.Broker.Type)
	assert.Equal(t, "/health/ready", cfg.Health.ReadinessPath)
	assert.Equal(t, cfg.Logger, cfg.Observability().Logger)
}
