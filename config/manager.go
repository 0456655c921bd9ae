package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/senafrakara/pubsub-functions/observability"
)

// Manager is the interface for configuration management
type Manager interface {
	// Load loads configuration into the provided struct
	Load(dest interface{}) error

	// Validate validates the configuration struct against defined rules
	Validate(config interface{}) error

	// Watch registers a callback to be called when configuration changes
	Watch(callback func(interface{})) error

	// StartWatching starts watching for configuration changes
	StartWatching(ctx context.Context, config interface{}) error

	// StopWatching stops watching for configuration changes
	StopWatching() error
}

// Defaulter is implemented by configuration structs that can reset
// themselves to their defaults. Reloads start from the defaults.
type Defaulter interface {
	SetDefaults()
}

// Normalizer is implemented by configuration structs that derive values
// after loading and before validation
type Normalizer interface {
	Normalize()
}

// ValidationError represents a validation error with detailed information
type ValidationError struct {
	Field   string
	Value   interface{}
	Tag     string
	Message string
}

// Error returns the error message
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors lists every field that failed validation
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("Configuration validation failed:\n")
	for i := range e {
		b.WriteString("  - ")
		b.WriteString(e[i].Error())
		b.WriteString("\n")
	}
	return b.String()
}

// DefaultManager is the default implementation of the Manager interface
type DefaultManager struct {
	sources  []Source
	validate *validator.Validate
	logger   observability.Logger
	mu       sync.RWMutex
	watchers []func(interface{})
	cancel   context.CancelFunc
	config   interface{}
}

// ManagerOption is a function that configures a DefaultManager
type ManagerOption func(*DefaultManager)

// WithSource adds a configuration source to the manager
func WithSource(source Source) ManagerOption {
	return func(m *DefaultManager) {
		m.sources = append(m.sources, source)
	}
}

// WithCustomValidator adds custom validation functions to the validator
func WithCustomValidator(tag string, fn validator.Func) ManagerOption {
	return func(m *DefaultManager) {
		_ = m.validate.RegisterValidation(tag, fn)
	}
}

// WithManagerLogger sets the logger used to report source and reload errors
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *DefaultManager) {
		m.logger = logger
	}
}

// NewManager creates a new configuration manager with the provided options
func NewManager(opts ...ManagerOption) *DefaultManager {
	validate := validator.New()

	// Report fields by their configuration key
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" {
			name = strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		}
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	m := &DefaultManager{
		sources:  make([]Source, 0),
		validate: validate,
		logger:   observability.NoOpLogger(),
		watchers: make([]func(interface{}), 0),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Load merges every source into dest, highest priority first, and validates
// the result. Values already in dest act as defaults. A source that fails to
// load is logged and skipped; a value that cannot be converted to its field
// type fails the load.
func (m *DefaultManager) Load(dest interface{}) error {
	if dest == nil {
		return fmt.Errorf("destination cannot be nil")
	}

	v := reflect.ValueOf(dest)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("destination must be a pointer to a struct")
	}

	m.mu.RLock()
	sources := make([]Source, len(m.sources))
	copy(sources, m.sources)
	m.mu.RUnlock()

	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority() > sources[j].Priority()
	})

	merged := make(map[string]interface{})
	ctx := context.Background()
	for _, source := range sources {
		data, err := source.Load(ctx)
		if err != nil {
			m.logger.Warn("Skipping configuration source",
				observability.NewField("source", source.Name()),
				observability.NewField("error", err.Error()))
			continue
		}

		for k, v := range data {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}

	if err := mergeConfig(merged, dest); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}

	if n, ok := dest.(Normalizer); ok {
		n.Normalize()
	}

	return m.Validate(dest)
}

// Validate validates the configuration struct against defined rules
func (m *DefaultManager) Validate(config interface{}) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	err := m.validate.Struct(config)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	result := make(ValidationErrors, 0, len(validationErrors))
	for _, fe := range validationErrors {
		field := fe.Field()
		// "AppConfig.functions.default_topic" becomes "functions.default_topic"
		if _, path, ok := strings.Cut(fe.Namespace(), "."); ok {
			field = path
		}

		result = append(result, ValidationError{
			Field:   field,
			Value:   fe.Value(),
			Tag:     fe.Tag(),
			Message: validationMessage(fe),
		})
	}
	return result
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "this field is required"
	case "min":
		return fmt.Sprintf("value must be greater than or equal to %s", fe.Param())
	case "max":
		return fmt.Sprintf("value must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("value must be one of [%s]", fe.Param())
	case "url":
		return "invalid URL format"
	default:
		return fmt.Sprintf("failed validation for tag '%s'", fe.Tag())
	}
}

// Watch registers a callback to be called when configuration changes
func (m *DefaultManager) Watch(callback func(interface{})) error {
	if callback == nil {
		return fmt.Errorf("callback cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, callback)
	return nil
}

// StartWatching reloads config whenever a watchable source changes
func (m *DefaultManager) StartWatching(ctx context.Context, config interface{}) error {
	if reflect.TypeOf(config).Kind() != reflect.Ptr {
		return fmt.Errorf("configuration must be a pointer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.config = config

	for _, source := range m.sources {
		err := source.Watch(watchCtx, func() {
			if err := m.reloadConfig(); err != nil {
				m.logger.Error("Error reloading configuration", err,
					observability.NewField("source", source.Name()))
			}
		})
		if err != nil {
			m.logger.Error("Error setting up configuration watch", err,
				observability.NewField("source", source.Name()))
		}
	}

	return nil
}

// StopWatching stops watching for configuration changes
func (m *DefaultManager) StopWatching() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	return nil
}

// reloadConfig loads a fresh copy and only replaces the watched config when
// the copy is valid
func (m *DefaultManager) reloadConfig() error {
	m.mu.RLock()
	current := m.config
	m.mu.RUnlock()

	if current == nil {
		return fmt.Errorf("no configuration to reload")
	}

	fresh := reflect.New(reflect.TypeOf(current).Elem()).Interface()
	if d, ok := fresh.(Defaulter); ok {
		d.SetDefaults()
	}

	if err := m.Load(fresh); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	m.notifyWatchers(fresh)
	m.logger.Info("Configuration reloaded")
	return nil
}

// AddSource adds a configuration source to the manager
func (m *DefaultManager) AddSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
}

// notifyWatchers hands config to every watcher in registration order
func (m *DefaultManager) notifyWatchers(config interface{}) {
	m.mu.RLock()
	watchers := make([]func(interface{}), len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher(config)
	}
}

// mergeConfig applies flat dotted keys ("http.port", "broker.kafka.brokers.0")
// to the destination struct. Keys that match no field are ignored.
func mergeConfig(data map[string]interface{}, dest interface{}) error {
	destVal := reflect.ValueOf(dest).Elem()

	// Indexed keys ("a.b.0") are gathered per slice so they apply together
	arrayKeys := make(map[string]map[int]interface{})
	for key, value := range data {
		base, index, ok := splitIndex(key)
		if !ok {
			continue
		}
		if arrayKeys[base] == nil {
			arrayKeys[base] = make(map[int]interface{})
		}
		arrayKeys[base][index] = value
	}

	var errs []error

	for base, indexed := range arrayKeys {
		fieldVal, err := findField(destVal, strings.Split(base, "."))
		if err != nil || fieldVal.Kind() != reflect.Slice {
			continue
		}

		indexes := make([]int, 0, len(indexed))
		for i := range indexed {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		values := make([]interface{}, len(indexes))
		for i, index := range indexes {
			values[i] = indexed[index]
		}
		if err := setSliceValue(fieldVal, values); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
		}
	}

	for key, value := range data {
		if _, _, ok := splitIndex(key); ok {
			continue
		}
		if _, ok := arrayKeys[key]; ok {
			continue
		}

		parts := strings.Split(key, ".")
		fieldVal, err := findField(destVal, parts)
		if err != nil {
			if len(parts) > 1 {
				if err := setMapEntry(destVal, parts, value); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
				}
			}
			continue
		}

		if fieldVal.CanSet() {
			if err := setFieldValue(fieldVal, value); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	return errors.Join(errs...)
}

// splitIndex splits "a.b.2" into "a.b" and 2
func splitIndex(key string) (string, int, bool) {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return "", 0, false
	}
	return key[:i], index, true
}

// setMapEntry sets "a.b.key" when "a.b" is a map field with string keys
func setMapEntry(root reflect.Value, parts []string, value interface{}) error {
	fieldVal, err := findField(root, parts[:len(parts)-1])
	if err != nil || fieldVal.Kind() != reflect.Map || fieldVal.Type().Key().Kind() != reflect.String {
		return nil
	}
	if fieldVal.IsNil() {
		if !fieldVal.CanSet() {
			return nil
		}
		fieldVal.Set(reflect.MakeMap(fieldVal.Type()))
	}

	elem := reflect.New(fieldVal.Type().Elem()).Elem()
	if err := setFieldValue(elem, value); err != nil {
		return err
	}
	fieldVal.SetMapIndex(reflect.ValueOf(parts[len(parts)-1]).Convert(fieldVal.Type().Key()), elem)
	return nil
}

// setSliceValue sets a slice field value from an array of values
func setSliceValue(field reflect.Value, values []interface{}) error {
	slice := reflect.MakeSlice(field.Type(), len(values), len(values))
	for i, value := range values {
		if err := setFieldValue(slice.Index(i), value); err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
	}
	field.Set(slice)
	return nil
}

// findField navigates to a nested field, allocating nil struct pointers on
// the way
func findField(val reflect.Value, parts []string) (reflect.Value, error) {
	current := val

	for i, part := range parts {
		if current.Kind() == reflect.Ptr {
			if current.IsNil() {
				if !current.CanSet() || current.Type().Elem().Kind() != reflect.Struct {
					return reflect.Value{}, fmt.Errorf("nil pointer at %s", strings.Join(parts[:i], "."))
				}
				current.Set(reflect.New(current.Type().Elem()))
			}
			current = current.Elem()
		}

		if current.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("not a struct at %s", strings.Join(parts[:i], "."))
		}

		field := findFieldByName(current, part)
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("field not found: %s", part)
		}

		current = field
	}

	return current, nil
}

// findFieldByName finds a field in a struct by name, checking json and yaml tags
func findFieldByName(val reflect.Value, name string) reflect.Value {
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		if strings.EqualFold(field.Name, name) {
			return val.Field(i)
		}
		if tag := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]; tag != "" && tag == name {
			return val.Field(i)
		}
		if tag := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]; tag != "" && tag == name {
			return val.Field(i)
		}
	}

	return reflect.Value{}
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// setFieldValue sets a field value with appropriate type conversion
func setFieldValue(field reflect.Value, value interface{}) error {
	if value == nil {
		return nil
	}

	valueVal := reflect.ValueOf(value)

	if valueVal.Kind() == reflect.String {
		return setFromString(field, value.(string))
	}

	if field.Kind() == reflect.Ptr {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return setFieldValue(field.Elem(), value)
	}

	if valueVal.Kind() == reflect.Slice && field.Kind() == reflect.Slice {
		values := make([]interface{}, valueVal.Len())
		for i := range values {
			values[i] = valueVal.Index(i).Interface()
		}
		return setSliceValue(field, values)
	}

	if valueVal.Kind() == reflect.Map && field.Kind() == reflect.Map {
		mapValue := reflect.MakeMap(field.Type())
		iter := valueVal.MapRange()
		for iter.Next() {
			k := reflect.ValueOf(fmt.Sprint(iter.Key().Interface()))
			if !k.Type().ConvertibleTo(field.Type().Key()) {
				return fmt.Errorf("cannot convert map key %v to %s", iter.Key().Interface(), field.Type().Key())
			}
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := setFieldValue(elem, iter.Value().Interface()); err != nil {
				return err
			}
			mapValue.SetMapIndex(k.Convert(field.Type().Key()), elem)
		}
		field.Set(mapValue)
		return nil
	}

	// Non-string scalars fill string fields as written, e.g. a numeric topic
	if field.Kind() == reflect.String && valueVal.Kind() != reflect.String {
		switch valueVal.Kind() {
		case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			field.SetString(fmt.Sprint(value))
			return nil
		}
	}

	if valueVal.Type().AssignableTo(field.Type()) {
		field.Set(valueVal)
		return nil
	}

	if isNumeric(valueVal.Kind()) && isNumeric(field.Kind()) {
		field.Set(valueVal.Convert(field.Type()))
		return nil
	}

	if valueVal.Type().ConvertibleTo(field.Type()) && valueVal.Kind() == field.Kind() {
		field.Set(valueVal.Convert(field.Type()))
		return nil
	}

	return fmt.Errorf("cannot convert %s to %s", valueVal.Type(), field.Type())
}

func setFromString(field reflect.Value, s string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	case field.Type() == timeType:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid time format: %w", err)
		}
		field.Set(reflect.ValueOf(t))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported conversion from string to %s", field.Type())
		}
		parts := strings.Split(s, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			slice.Index(i).SetString(strings.TrimSpace(part))
		}
		field.Set(slice)
	case reflect.Ptr:
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return setFromString(field.Elem(), s)
	default:
		return fmt.Errorf("unsupported conversion from string to %s", field.Type())
	}
	return nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
