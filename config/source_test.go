package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func TestEnvSource_Load(t *testing.T) {
	source := NewEnvSource("PUBSUBFN_")
	source.environ = func() []string {
		return []string{
			"PUBSUBFN_FUNCTIONS__DEFAULT_TOPIC=your-topic-name",
			"PUBSUBFN_HTTP__PORT=9090",
			"PUBSUBFN_METRICS__ENABLED=false",
			"PUBSUBFN_BROKER__KAFKA__BROKERS=a:9092, b:9092",
			"PUBSUBFN_FUNCTIONS__ORDER_DELAY=250ms",
			"PUBSUBFN_=ignored",
			"OTHER_HTTP__PORT=1",
			"malformed",
		}
	}

	values, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	expected := map[string]interface{}{
		"functions.default_topic": "your-topic-name",
		"http.port":               int64(9090),
		"metrics.enabled":         false,
		"broker.kafka.brokers":    []string{"a:9092", "b:9092"},
		"broker.kafka.brokers.0":  "a:9092",
		"broker.kafka.brokers.1":  "b:9092",
		"functions.order_delay":   "250ms",
	}
	if !reflect.DeepEqual(values, expected) {
		t.Errorf("Unexpected env values:\n got %#v\nwant %#v", values, expected)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSource_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "config.yaml", "functions:\n  default_topic: your-topic-name\nhttp:\n  port: 9090\n"},
		{"toml", "config.toml", "[functions]\ndefault_topic = \"your-topic-name\"\n[http]\nport = 9090\n"},
		{"json", "config.json", `{"functions":{"default_topic":"your-topic-name"},"http":{"port":9090}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewFileSource(writeFile(t, tt.file, tt.content), "")

			values, err := source.Load(context.Background())
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if values["functions.default_topic"] != "your-topic-name" {
				t.Errorf("Expected flattened default topic, got %v", values)
			}

			config := struct {
				HTTP struct {
					Port int `yaml:"port"`
				} `yaml:"http"`
			}{}
			if err := mergeConfig(values, &config); err != nil {
				t.Fatal(err)
			}
			if config.HTTP.Port != 9090 {
				t.Errorf("Expected port 9090, got %d", config.HTTP.Port)
			}
		})
	}
}

func TestFileSource_Lists(t *testing.T) {
	source := NewFileSource(writeFile(t, "config.yaml", "brokers:\n  - a:9092\n  - b:9092\n"), "")

	values, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if values["brokers.0"] != "a:9092" || values["brokers.1"] != "b:9092" {
		t.Errorf("Expected indexed keys, got %v", values)
	}
}

func TestFileSource_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	if _, err := NewFileSource(path, "").Load(context.Background()); err == nil {
		t.Error("Expected an error for a missing file")
	}

	values, err := NewFileSource(path, "", WithOptional(true)).Load(context.Background())
	if err != nil || len(values) != 0 {
		t.Errorf("Expected an empty optional source, got %v, %v", values, err)
	}
}

func TestFileSource_UnsupportedFormat(t *testing.T) {
	source := NewFileSource(writeFile(t, "config.ini", "a=b"), "")
	if _, err := source.Load(context.Background()); err == nil {
		t.Error("Expected an error for an unsupported format")
	}
}

func TestFileSource_WatchNotifiesOnWrite(t *testing.T) {
	path := writeFile(t, "config.yaml", "a: 1\n")
	source := NewFileSource(path, "", WithWatcher(true))
	defer source.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	if err := source.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("a: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a change notification")
	}
}

func TestFlagSource_Load(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	source := NewFlagSource(WithFlagSet(flags), WithFlagKey("topic", "functions.default_topic"))
	source.AddFlag("port", "http.port", 8080, "HTTP port")
	source.AddFlag("log-level", "logger.level", "info", "log level")
	source.AddFlag("http-host", "", "0.0.0.0", "HTTP host")
	source.AddFlag("kafka-brokers", "broker.kafka.brokers", []string{}, "Kafka brokers")
	flags.String("topic", "", "default topic")

	if err := flags.Parse([]string{"--port=9090", "--topic=orders-in", "--http-host=127.0.0.1", "--kafka-brokers=a,b"}); err != nil {
		t.Fatal(err)
	}
	source.SetValue("service.name", "from-test")

	values, err := source.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	expected := map[string]interface{}{
		"http.port":               int64(9090),
		"functions.default_topic": "orders-in",
		"http.host":               "127.0.0.1",
		"broker.kafka.brokers":    []string{"a", "b"},
		"broker.kafka.brokers.0":  "a",
		"broker.kafka.brokers.1":  "b",
		"service.name":            "from-test",
	}
	if !reflect.DeepEqual(values, expected) {
		t.Errorf("Unexpected flag values:\n got %#v\nwant %#v", values, expected)
	}
}

func TestFlagSource_AddToCommand(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().Int("port", 8080, "HTTP port")

	source := NewFlagSource(WithFlagKey("port", "http.port"))
	source.AddToCommand(cmd)

	if err := cmd.PersistentFlags().Parse([]string{"--port", "7000"}); err != nil {
		t.Fatal(err)
	}

	values, _ := source.Load(context.Background())
	if values["http.port"] != int64(7000) {
		t.Errorf("Expected http.port 7000, got %v", values)
	}
}

func TestParseValue(t *testing.T) {
	tests := map[string]interface{}{
		"true":  true,
		"FALSE": false,
		"42":    int64(42),
		"0.5":   0.5,
	}
	for input, want := range tests {
		got, err := parseValue(input)
		if err != nil || got != want {
			t.Errorf("parseValue(%q) = %v, %v; want %v", input, got, err, want)
		}
	}

	for _, input := range []string{"100ms", "8080abc", "topic"} {
		if _, err := parseValue(input); err == nil {
			t.Errorf("parseValue(%q) should report a string", input)
		}
	}
}
