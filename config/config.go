package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Config is a thread-safe configuration container. It holds the active
// configuration and hands every update to the registered Reloadables.
type Config struct {
	mu         sync.RWMutex
	data       interface{}
	fields     map[string]reflect.Value
	reloadable []Reloadable
}

// Reloadable is an interface for components that can reload their configuration
type Reloadable interface {
	// Reload updates the component with new configuration
	// Returns an error if the reload fails
	Reload(newConfig interface{}) error
}

// ReloadFunc adapts a function to Reloadable
type ReloadFunc func(newConfig interface{}) error

// Reload calls f(newConfig)
func (f ReloadFunc) Reload(newConfig interface{}) error {
	return f(newConfig)
}

// NewConfig creates a new thread-safe configuration container
func NewConfig(data interface{}) (*Config, error) {
	if err := checkStructPtr(data); err != nil {
		return nil, err
	}

	c := &Config{
		data:   data,
		fields: make(map[string]reflect.Value),
	}
	c.indexFields(reflect.ValueOf(data).Elem(), "")

	return c, nil
}

func checkStructPtr(data interface{}) error {
	if data == nil {
		return fmt.Errorf("configuration data cannot be nil")
	}
	v := reflect.ValueOf(data)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("configuration data must be a pointer to a struct")
	}
	return nil
}

// indexFields indexes exported fields under their configuration key, e.g.
// "functions.default_topic"
func (c *Config) indexFields(v reflect.Value, prefix string) {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		path := fieldKey(field)
		if prefix != "" {
			path = prefix + "." + path
		}

		fieldValue := v.Field(i)
		c.fields[path] = fieldValue

		if fieldValue.Kind() == reflect.Ptr && !fieldValue.IsNil() {
			fieldValue = fieldValue.Elem()
		}
		if fieldValue.Kind() == reflect.Struct {
			c.indexFields(fieldValue, path)
		}
	}
}

func fieldKey(field reflect.StructField) string {
	for _, tag := range []string{"json", "yaml"} {
		if name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
	}
	return strings.ToLower(field.Name)
}

// Get returns the configuration data
func (c *Config) Get() interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// GetField returns the value stored under a configuration key
func (c *Config) GetField(path string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	field, ok := c.fields[path]
	if !ok {
		return nil, fmt.Errorf("field not found: %s", path)
	}

	return field.Interface(), nil
}

// Register adds r to the components notified on Update
func (c *Config) Register(r Reloadable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadable = append(c.reloadable, r)
}

// Update replaces the configuration with newData and reloads every
// registered component. newData must have the same type as the original.
func (c *Config) Update(newData interface{}) error {
	if err := checkStructPtr(newData); err != nil {
		return err
	}

	c.mu.Lock()
	if reflect.TypeOf(newData) != reflect.TypeOf(c.data) {
		c.mu.Unlock()
		return fmt.Errorf("new configuration data must be the same type as the original data")
	}

	reflect.ValueOf(c.data).Elem().Set(reflect.ValueOf(newData).Elem())
	c.fields = make(map[string]reflect.Value)
	c.indexFields(reflect.ValueOf(c.data).Elem(), "")

	data := c.data
	reloadable := make([]Reloadable, len(c.reloadable))
	copy(reloadable, c.reloadable)
	c.mu.Unlock()

	var errs []error
	for _, r := range reloadable {
		if err := r.Reload(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
