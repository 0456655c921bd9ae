package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfig is a test configuration struct
type TestConfig struct {
	Service struct {
		Name    string `json:"name" yaml:"name" validate:"required"`
		Version string `json:"version" yaml:"version" validate:"required"`
	} `json:"service" yaml:"service"`
	HTTP struct {
		Port    int               `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
		Timeout time.Duration     `json:"timeout" yaml:"timeout"`
		Hosts   []string          `json:"hosts" yaml:"hosts"`
		Headers map[string]string `json:"headers" yaml:"headers"`
	} `json:"http" yaml:"http"`
	Broker *struct {
		Addr string `json:"addr" yaml:"addr"`
	} `json:"broker" yaml:"broker"`
}

func (c *TestConfig) SetDefaults() {
	*c = TestConfig{}
	c.Service.Name = "test-service"
	c.Service.Version = "1.0.0"
	c.HTTP.Port = 8080
}

// staticSource serves fixed values at a fixed priority
type staticSource struct {
	name     string
	priority int
	values   map[string]interface{}
	err      error
}

func (s *staticSource) Name() string  { return s.name }
func (s *staticSource) Priority() int { return s.priority }
func (s *staticSource) Load(ctx context.Context) (map[string]interface{}, error) {
	return s.values, s.err
}
func (s *staticSource) Watch(ctx context.Context, callback func()) error { return nil }

func newTestConfig() *TestConfig {
	config := &TestConfig{}
	config.SetDefaults()
	return config
}

func TestManagerLoad_PriorityOrder(t *testing.T) {
	manager := NewManager(
		WithSource(&staticSource{name: "file", priority: PriorityFile, values: map[string]interface{}{
			"service.name": "from-file",
			"http.port":    9000,
		}}),
		WithSource(&staticSource{name: "env", priority: PriorityEnv, values: map[string]interface{}{
			"http.port": int64(9100),
		}}),
	)

	config := newTestConfig()
	if err := manager.Load(config); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Service.Name != "from-file" {
		t.Errorf("Expected service name 'from-file', got '%s'", config.Service.Name)
	}
	if config.HTTP.Port != 9100 {
		t.Errorf("Expected env to override file port, got %d", config.HTTP.Port)
	}
	if config.Service.Version != "1.0.0" {
		t.Errorf("Expected default version to survive, got '%s'", config.Service.Version)
	}
}

func TestManagerLoad_Conversions(t *testing.T) {
	manager := NewManager(WithSource(&staticSource{name: "file", priority: PriorityFile, values: map[string]interface{}{
		"http.timeout":         "250ms",
		"http.hosts.0":         "a",
		"http.hosts.1":         "b",
		"http.hosts":           []interface{}{"a", "b"},
		"http.headers.api-key": "secret",
		"broker.addr":          "localhost:6379",
	}}))

	config := newTestConfig()
	if err := manager.Load(config); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.HTTP.Timeout != 250*time.Millisecond {
		t.Errorf("Expected timeout 250ms, got %v", config.HTTP.Timeout)
	}
	if strings.Join(config.HTTP.Hosts, ",") != "a,b" {
		t.Errorf("Expected hosts [a b], got %v", config.HTTP.Hosts)
	}
	if config.HTTP.Headers["api-key"] != "secret" {
		t.Errorf("Expected header to be set, got %v", config.HTTP.Headers)
	}
	if config.Broker == nil || config.Broker.Addr != "localhost:6379" {
		t.Errorf("Expected broker pointer to be allocated and set, got %+v", config.Broker)
	}
}

func TestManagerLoad_ManyIndexedValuesKeepOrder(t *testing.T) {
	values := map[string]interface{}{}
	hosts := make([]string, 12)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("h%d", i)
		values[fmt.Sprintf("http.hosts.%d", i)] = hosts[i]
	}

	manager := NewManager(WithSource(&staticSource{name: "env", priority: PriorityEnv, values: values}))
	config := newTestConfig()
	if err := manager.Load(config); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if strings.Join(config.HTTP.Hosts, ",") != strings.Join(hosts, ",") {
		t.Errorf("Expected hosts in index order, got %v", config.HTTP.Hosts)
	}
}

func TestManagerLoad_InvalidDuration(t *testing.T) {
	manager := NewManager(WithSource(&staticSource{name: "file", priority: PriorityFile, values: map[string]interface{}{
		"http.timeout": "soon",
	}}))

	err := manager.Load(newTestConfig())
	if err == nil || !strings.Contains(err.Error(), "http.timeout") {
		t.Fatalf("Expected a conversion error naming http.timeout, got %v", err)
	}
}

func TestManagerLoad_SkipsFailingSource(t *testing.T) {
	manager := NewManager(
		WithSource(&staticSource{name: "broken", priority: PriorityFile, err: errors.New("unreadable")}),
		WithSource(&staticSource{name: "env", priority: PriorityEnv, values: map[string]interface{}{"http.port": "8181"}}),
	)

	config := newTestConfig()
	if err := manager.Load(config); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.HTTP.Port != 8181 {
		t.Errorf("Expected port 8181, got %d", config.HTTP.Port)
	}
}

func TestManagerLoad_RejectsNonStructPointer(t *testing.T) {
	manager := NewManager()
	if err := manager.Load(nil); err == nil {
		t.Error("Load should fail for nil destination")
	}
	if err := manager.Load(TestConfig{}); err == nil {
		t.Error("Load should fail for a non-pointer destination")
	}
}

func TestManagerValidate(t *testing.T) {
	manager := NewManager()

	if err := manager.Validate(newTestConfig()); err != nil {
		t.Errorf("Validation failed for valid config: %v", err)
	}

	invalid := newTestConfig()
	invalid.Service.Name = ""
	invalid.HTTP.Port = 70000

	err := manager.Validate(invalid)
	var validationErrors ValidationErrors
	if !errors.As(err, &validationErrors) {
		t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
	}

	fields := map[string]string{}
	for _, e := range validationErrors {
		fields[e.Field] = e.Message
	}
	if fields["service.name"] != "this field is required" {
		t.Errorf("Expected service.name to be required, got %v", fields)
	}
	if fields["http.port"] != "value must be less than or equal to 65535" {
		t.Errorf("Expected http.port range error, got %v", fields)
	}
	if !strings.HasPrefix(err.Error(), "Configuration validation failed:") {
		t.Errorf("Unexpected error message: %s", err.Error())
	}
}

func TestManagerWatch(t *testing.T) {
	manager := NewManager()

	if err := manager.Watch(nil); err == nil {
		t.Error("Watch should reject a nil callback")
	}

	var received interface{}
	if err := manager.Watch(func(c interface{}) { received = c }); err != nil {
		t.Fatalf("Failed to register watcher: %v", err)
	}

	config := newTestConfig()
	manager.notifyWatchers(config)

	if received != config {
		t.Error("Watcher was not called with the configuration")
	}
}

func TestManagerReload_StartsFromDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	manager := NewManager(WithSource(NewFileSource(path, "")))
	config := newTestConfig()
	if err := manager.Load(config); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	reloaded := make(chan *TestConfig, 1)
	_ = manager.Watch(func(c interface{}) { reloaded <- c.(*TestConfig) })
	if err := manager.StartWatching(context.Background(), config); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	defer manager.StopWatching()

	if err := os.WriteFile(path, []byte("service:\n  name: renamed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := manager.reloadConfig(); err != nil {
		t.Fatalf("reloadConfig failed: %v", err)
	}

	fresh := <-reloaded
	if fresh.Service.Name != "renamed" {
		t.Errorf("Expected reloaded name 'renamed', got '%s'", fresh.Service.Name)
	}
	if fresh.HTTP.Port != 8080 {
		t.Errorf("Expected port to fall back to the default, got %d", fresh.HTTP.Port)
	}
	if config.HTTP.Port != 9000 {
		t.Errorf("The watched config must not be mutated, got port %d", config.HTTP.Port)
	}
}

func TestManagerReload_InvalidConfigIsNotPublished(t *testing.T) {
	source := &staticSource{name: "file", priority: PriorityFile, values: map[string]interface{}{}}
	manager := NewManager(WithSource(source))

	config := newTestConfig()
	called := false
	_ = manager.Watch(func(interface{}) { called = true })
	if err := manager.StartWatching(context.Background(), config); err != nil {
		t.Fatal(err)
	}
	defer manager.StopWatching()

	source.values = map[string]interface{}{"http.port": 0}
	if err := manager.reloadConfig(); err == nil {
		t.Error("Expected reload to fail validation")
	}
	if called {
		t.Error("Watchers must not see an invalid configuration")
	}
}

func TestSourcePriority(t *testing.T) {
	envSource := NewEnvSource("TEST")
	fileSource := NewFileSource("config.yaml", "yaml")
	flagSource := NewFlagSource()

	if envSource.Priority() != PriorityEnv {
		t.Errorf("Expected env source priority to be %d, got %d", PriorityEnv, envSource.Priority())
	}
	if fileSource.Priority() != PriorityFile {
		t.Errorf("Expected file source priority to be %d, got %d", PriorityFile, fileSource.Priority())
	}
	if flagSource.Priority() != PriorityFlag {
		t.Errorf("Expected flag source priority to be %d, got %d", PriorityFlag, flagSource.Priority())
	}
}
