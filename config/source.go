package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/senafrakara/pubsub-functions/observability"
)

// Source is the interface for configuration sources
type Source interface {
	// Name returns the name of the source
	Name() string

	// Load loads configuration from the source
	Load(ctx context.Context) (map[string]interface{}, error)

	// Priority returns the priority of the source (higher values have higher priority)
	Priority() int

	// Watch starts watching for changes in the source (if supported)
	Watch(ctx context.Context, callback func()) error
}

// SourcePriority defines standard priority levels for configuration sources
const (
	// PriorityDefault is the default priority for sources
	PriorityDefault = 100

	// PriorityEnv is the priority for environment variables
	PriorityEnv = 300

	// PriorityFile is the priority for configuration files
	PriorityFile = 200

	// PriorityFlag is the priority for command line flags
	PriorityFlag = 400
)

// EnvSource is a configuration source that loads from environment variables.
// With prefix "PUBSUBFN", PUBSUBFN_FUNCTIONS__DEFAULT_TOPIC maps to the key
// "functions.default_topic": a double underscore separates nesting levels and
// single underscores are kept.
type EnvSource struct {
	prefix  string
	environ func() []string
}

// NewEnvSource creates a new environment variable configuration source
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{
		prefix:  strings.TrimSuffix(prefix, "_"),
		environ: os.Environ,
	}
}

// Name returns the name of the source
func (s *EnvSource) Name() string {
	return "environment"
}

// Load loads configuration from environment variables
func (s *EnvSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, env := range s.environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if s.prefix != "" {
			rest, found := strings.CutPrefix(key, s.prefix+"_")
			if !found || rest == "" {
				continue
			}
			key = rest
		}

		key = strings.ToLower(strings.ReplaceAll(key, "__", "."))

		// Comma-separated values become lists, also addressable by index
		if strings.Contains(value, ",") && !strings.Contains(value, "\\,") {
			items := strings.Split(value, ",")
			for i := range items {
				items[i] = strings.TrimSpace(items[i])
				result[fmt.Sprintf("%s.%d", key, i)] = items[i]
			}
			result[key] = items
			continue
		}

		if parsed, err := parseValue(value); err == nil {
			result[key] = parsed
		} else {
			result[key] = value
		}
	}

	return result, nil
}

// Priority returns the priority of the source
func (s *EnvSource) Priority() int {
	return PriorityEnv
}

// Watch is a no-op: environment variables cannot be watched
func (s *EnvSource) Watch(ctx context.Context, callback func()) error {
	return nil
}

// FileSource is a configuration source that loads from a file
type FileSource struct {
	path      string
	format    string
	priority  int
	watcher   bool
	optional  bool
	logger    observability.Logger
	mu        sync.RWMutex
	fsWatcher *fsnotify.Watcher
	callback  func()
}

// FileSourceOption is a function that configures a FileSource
type FileSourceOption func(*FileSource)

// WithWatcher enables file watching for configuration changes
func WithWatcher(enabled bool) FileSourceOption {
	return func(s *FileSource) {
		s.watcher = enabled
	}
}

// WithPriority sets the priority of the file source
func WithPriority(priority int) FileSourceOption {
	return func(s *FileSource) {
		s.priority = priority
	}
}

// WithOptional makes a missing file load as an empty source
func WithOptional(optional bool) FileSourceOption {
	return func(s *FileSource) {
		s.optional = optional
	}
}

// WithFileLogger sets the logger used to report watch errors
func WithFileLogger(logger observability.Logger) FileSourceOption {
	return func(s *FileSource) {
		s.logger = logger
	}
}

// NewFileSource creates a new file configuration source. The format is
// inferred from the file extension when empty.
func NewFileSource(path string, format string, opts ...FileSourceOption) *FileSource {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	s := &FileSource{
		path:     path,
		format:   format,
		priority: PriorityFile,
		logger:   observability.NoOpLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the name of the source
func (s *FileSource) Name() string {
	return fmt.Sprintf("file(%s)", s.path)
}

// Load loads configuration from a file
func (s *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if s.optional {
				return map[string]interface{}{}, nil
			}
			return nil, fmt.Errorf("configuration file %s does not exist", s.path)
		}
		return nil, fmt.Errorf("failed to read configuration file %s: %w", s.path, err)
	}

	result := make(map[string]interface{})

	switch strings.ToLower(s.format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to parse YAML configuration file %s: %w", s.path, err)
		}
	case "json":
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to parse JSON configuration file %s: %w", s.path, err)
		}
	case "toml":
		if err := toml.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration file %s: %w", s.path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported configuration format: %s", s.format)
	}

	flattened := make(map[string]interface{})
	flattenMap(result, "", flattened)

	return flattened, nil
}

// flattenMap flattens a nested map to dot notation
func flattenMap(input map[string]interface{}, prefix string, output map[string]interface{}) {
	for k, v := range input {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		switch value := v.(type) {
		case map[string]interface{}:
			flattenMap(value, key, output)
		case map[interface{}]interface{}:
			strMap := make(map[string]interface{}, len(value))
			for mk, mv := range value {
				if mkStr, ok := mk.(string); ok {
					strMap[mkStr] = mv
				}
			}
			flattenMap(strMap, key, output)
		case []interface{}:
			for i, item := range value {
				output[fmt.Sprintf("%s.%d", key, i)] = item
			}
			output[key] = value
		default:
			output[key] = v
		}
	}
}

// Priority returns the priority of the source
func (s *FileSource) Priority() int {
	return s.priority
}

// Watch starts watching for changes in the file
func (s *FileSource) Watch(ctx context.Context, callback func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watcher {
		return nil
	}

	if s.fsWatcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create file watcher: %w", err)
		}

		// Editors replace files on save, so the directory is watched
		dir := filepath.Dir(s.path)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}

		s.fsWatcher = watcher
		go s.watchLoop(ctx, watcher)
	}
	s.callback = callback

	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	fileName := filepath.Base(s.path)
	var lastEventTime time.Time
	debounceInterval := 100 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			now := time.Now()
			if now.Sub(lastEventTime) < debounceInterval {
				continue
			}
			lastEventTime = now

			s.mu.RLock()
			callback := s.callback
			s.mu.RUnlock()

			if callback != nil {
				callback()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Error watching configuration file", err, observability.NewField("path", s.path))
		case <-ctx.Done():
			_ = s.Close()
			return
		}
	}
}

// Close closes the file watcher
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fsWatcher != nil {
		err := s.fsWatcher.Close()
		s.fsWatcher = nil
		return err
	}

	return nil
}

// FlagSource is a configuration source that loads from command line flags.
// Only flags the user actually set are reported.
type FlagSource struct {
	flagSet *pflag.FlagSet
	keys    map[string]string
	values  map[string]interface{}
	mu      sync.RWMutex
}

// FlagSourceOption is a function that configures a FlagSource
type FlagSourceOption func(*FlagSource)

// WithFlagSet sets the flag set for the flag source
func WithFlagSet(flagSet *pflag.FlagSet) FlagSourceOption {
	return func(s *FlagSource) {
		s.flagSet = flagSet
	}
}

// WithFlagKey maps the flag named flag to the configuration key
func WithFlagKey(flag, key string) FlagSourceOption {
	return func(s *FlagSource) {
		s.keys[flag] = key
	}
}

// NewFlagSource creates a new command line flag configuration source.
// Flags without an explicit key map to their name with hyphens replaced by
// dots ("http-port" becomes "http.port").
func NewFlagSource(opts ...FlagSourceOption) *FlagSource {
	s := &FlagSource{
		flagSet: pflag.NewFlagSet("config", pflag.ContinueOnError),
		keys:    make(map[string]string),
		values:  make(map[string]interface{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the name of the source
func (s *FlagSource) Name() string {
	return "flags"
}

// Load loads configuration from command line flags
func (s *FlagSource) Load(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		result[k] = v
	}

	if s.flagSet == nil {
		return result, nil
	}

	s.flagSet.VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}

		key, ok := s.keys[flag.Name]
		if !ok {
			key = strings.ReplaceAll(strings.ToLower(flag.Name), "-", ".")
		}

		value := flag.Value.String()
		if sv, isSlice := flag.Value.(pflag.SliceValue); isSlice {
			items := sv.GetSlice()
			for i, item := range items {
				result[fmt.Sprintf("%s.%d", key, i)] = item
			}
			result[key] = items
			return
		}

		if parsed, err := parseValue(value); err == nil {
			result[key] = parsed
		} else {
			result[key] = value
		}
	})

	return result, nil
}

// Priority returns the priority of the source
func (s *FlagSource) Priority() int {
	return PriorityFlag
}

// Watch is a no-op: flags cannot change after parsing
func (s *FlagSource) Watch(ctx context.Context, callback func()) error {
	return nil
}

// SetValue sets a value in the flag source
func (s *FlagSource) SetValue(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// AddToCommand reads flags from the persistent flags of cmd
func (s *FlagSource) AddToCommand(cmd *cobra.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagSet = cmd.PersistentFlags()
}

// AddFlag defines a flag on the flag set, bound to key when key is not empty
func (s *FlagSource) AddFlag(name, key string, value interface{}, usage string) {
	if s.flagSet == nil {
		return
	}
	if key != "" {
		s.keys[name] = key
	}

	switch v := value.(type) {
	case string:
		s.flagSet.String(name, v, usage)
	case bool:
		s.flagSet.Bool(name, v, usage)
	case int:
		s.flagSet.Int(name, v, usage)
	case int64:
		s.flagSet.Int64(name, v, usage)
	case uint:
		s.flagSet.Uint(name, v, usage)
	case uint64:
		s.flagSet.Uint64(name, v, usage)
	case float64:
		s.flagSet.Float64(name, v, usage)
	case time.Duration:
		s.flagSet.Duration(name, v, usage)
	case []string:
		s.flagSet.StringSlice(name, v, usage)
	}
}

// parseValue parses a string as a boolean or a number, failing for
// anything else
func parseValue(value string) (interface{}, error) {
	if strings.EqualFold(value, "true") {
		return true, nil
	}
	if strings.EqualFold(value, "false") {
		return false, nil
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("value %q is a string", value)
}
