package messaging

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AsyncAPIVersion is the version of AsyncAPI specification used
const AsyncAPIVersion = "2.6.0"

// AsyncAPIDocument represents an AsyncAPI specification document
type AsyncAPIDocument struct {
	AsyncAPI           string                     `json:"asyncapi"`
	Info               AsyncAPIInfo               `json:"info"`
	Servers            map[string]AsyncAPIServer  `json:"servers,omitempty"`
	Channels           map[string]AsyncAPIChannel `json:"channels"`
	Components         *AsyncAPIComponents        `json:"components,omitempty"`
	DefaultContentType string                     `json:"defaultContentType,omitempty"`
}

// AsyncAPIInfo contains metadata about the API
type AsyncAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// AsyncAPIServer represents a server where the API is available
type AsyncAPIServer struct {
	URL         string                 `json:"url"`
	Protocol    string                 `json:"protocol"`
	Description string                 `json:"description,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
}

// AsyncAPIChannel represents a topic. In AsyncAPI 2 terms Subscribe
// describes what the application sends and Publish what it receives.
type AsyncAPIChannel struct {
	Description string             `json:"description,omitempty"`
	Subscribe   *AsyncAPIOperation `json:"subscribe,omitempty"`
	Publish     *AsyncAPIOperation `json:"publish,omitempty"`
}

// AsyncAPIOperation represents an operation on a channel
type AsyncAPIOperation struct {
	Summary     string           `json:"summary,omitempty"`
	Description string           `json:"description,omitempty"`
	OperationID string           `json:"operationId,omitempty"`
	Message     *AsyncAPIMessage `json:"message,omitempty"`
}

// AsyncAPIMessage represents a message being sent or received
type AsyncAPIMessage struct {
	Headers     *AsyncAPISchema    `json:"headers,omitempty"`
	Payload     *AsyncAPISchema    `json:"payload,omitempty"`
	ContentType string             `json:"contentType,omitempty"`
	Name        string             `json:"name,omitempty"`
	Title       string             `json:"title,omitempty"`
	Summary     string             `json:"summary,omitempty"`
	OneOf       []*AsyncAPIMessage `json:"oneOf,omitempty"`
	Ref         string             `json:"$ref,omitempty"`
}

// AsyncAPISchema represents a JSON Schema for message validation
type AsyncAPISchema struct {
	Type                 string                     `json:"type,omitempty"`
	Format               string                     `json:"format,omitempty"`
	Properties           map[string]*AsyncAPISchema `json:"properties,omitempty"`
	Required             []string                   `json:"required,omitempty"`
	Description          string                     `json:"description,omitempty"`
	Enum                 []string                   `json:"enum,omitempty"`
	OneOf                []*AsyncAPISchema          `json:"oneOf,omitempty"`
	AdditionalProperties interface{}                `json:"additionalProperties,omitempty"`
	Ref                  string                     `json:"$ref,omitempty"`
}

// AsyncAPIComponents holds reusable objects for the specification
type AsyncAPIComponents struct {
	Schemas  map[string]*AsyncAPISchema  `json:"schemas,omitempty"`
	Messages map[string]*AsyncAPIMessage `json:"messages,omitempty"`
}

// AsyncAPIGenerator builds an AsyncAPI document for the topics a service
// publishes to and consumes from
type AsyncAPIGenerator struct {
	document AsyncAPIDocument
}

// NewAsyncAPIGenerator creates a new AsyncAPI specification generator
func NewAsyncAPIGenerator(title, version, description string) *AsyncAPIGenerator {
	return &AsyncAPIGenerator{
		document: AsyncAPIDocument{
			AsyncAPI: AsyncAPIVersion,
			Info: AsyncAPIInfo{
				Title:       title,
				Version:     version,
				Description: description,
			},
			Servers:            make(map[string]AsyncAPIServer),
			Channels:           make(map[string]AsyncAPIChannel),
			DefaultContentType: "application/json",
			Components: &AsyncAPIComponents{
				Schemas:  make(map[string]*AsyncAPISchema),
				Messages: make(map[string]*AsyncAPIMessage),
			},
		},
	}
}

// Document returns the document built so far
func (g *AsyncAPIGenerator) Document() AsyncAPIDocument {
	return g.document
}

// AddServer adds a server to the AsyncAPI specification
func (g *AsyncAPIGenerator) AddServer(name, url, protocol, description string) {
	g.document.Servers[name] = AsyncAPIServer{
		URL:         url,
		Protocol:    protocol,
		Description: description,
	}
}

// AddBrokerServer adds the server described by config. Credentials in
// connection URIs are replaced by server variables.
func (g *AsyncAPIGenerator) AddBrokerServer(name string, config *BrokerConfig) error {
	switch config.Type {
	case BrokerTypeMemory:
		g.AddServer(name, "memory://local", "memory", "In-process broker")
	case BrokerTypePubSub:
		if config.PubSub == nil {
			return fmt.Errorf("pubsub configuration is required for pubsub broker")
		}
		host := "pubsub.googleapis.com"
		if config.PubSub.Endpoint != "" {
			host = config.PubSub.Endpoint
		}
		g.AddServer(name, host, "googlepubsub",
			fmt.Sprintf("Google Cloud Pub/Sub, project %s", config.PubSub.ProjectID))
	case BrokerTypeKafka:
		if config.Kafka == nil || len(config.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka configuration is required for kafka broker")
		}
		g.AddServer(name, config.Kafka.Brokers[0], "kafka",
			fmt.Sprintf("Kafka cluster, consumer group %s", config.Kafka.ConsumerGroup))
	case BrokerTypeRabbitMQ:
		if config.RabbitMQ == nil {
			return fmt.Errorf("rabbitmq configuration is required for rabbitmq broker")
		}
		return g.addRabbitMQServer(name, config.RabbitMQ)
	case BrokerTypeNATS:
		if config.NATS == nil {
			return fmt.Errorf("nats configuration is required for nats broker")
		}
		g.AddServer(name, config.NATS.URL, "nats", "NATS server")
	case BrokerTypeRedis:
		if config.Redis == nil {
			return fmt.Errorf("redis configuration is required for redis broker")
		}
		g.AddServer(name, config.Redis.Addr, "redis",
			fmt.Sprintf("Redis streams, consumer group %s", config.Redis.Group))
	default:
		return fmt.Errorf("unsupported broker type: %s", config.Type)
	}
	return nil
}

func (g *AsyncAPIGenerator) addRabbitMQServer(name string, config *RabbitMQConfig) error {
	uri, err := url.Parse(config.URI)
	if err != nil {
		return fmt.Errorf("invalid rabbitmq uri: %w", err)
	}

	virtualHost := strings.TrimPrefix(uri.Path, "/")
	if virtualHost == "" {
		virtualHost = "/"
	}

	g.document.Servers[name] = AsyncAPIServer{
		URL:         fmt.Sprintf("amqp://{username}:{password}@%s/{virtualHost}", uri.Host),
		Protocol:    "amqp",
		Description: fmt.Sprintf("RabbitMQ, exchange %s", config.ExchangeName),
		Variables: map[string]interface{}{
			"username": map[string]string{
				"description": "RabbitMQ username",
				"default":     "guest",
			},
			"password": map[string]string{
				"description": "RabbitMQ password",
				"default":     "guest",
			},
			"virtualHost": map[string]string{
				"description": "RabbitMQ virtual host",
				"default":     virtualHost,
			},
		},
	}
	return nil
}

// AddChannel adds a channel to the AsyncAPI specification
func (g *AsyncAPIGenerator) AddChannel(name, description string) {
	ch := g.document.Channels[name]
	ch.Description = description
	g.document.Channels[name] = ch
}

// AddPublishOperation documents messages the application receives on channel
func (g *AsyncAPIGenerator) AddPublishOperation(channel, summary, operationID string, messageRefs ...string) {
	ch := g.document.Channels[channel]
	ch.Publish = operation(summary, operationID, messageRefs)
	g.document.Channels[channel] = ch
}

// AddSubscribeOperation documents messages the application sends on channel
func (g *AsyncAPIGenerator) AddSubscribeOperation(channel, summary, operationID string, messageRefs ...string) {
	ch := g.document.Channels[channel]
	ch.Subscribe = operation(summary, operationID, messageRefs)
	g.document.Channels[channel] = ch
}

func operation(summary, operationID string, messageRefs []string) *AsyncAPIOperation {
	op := &AsyncAPIOperation{Summary: summary, OperationID: operationID}

	switch len(messageRefs) {
	case 0:
	case 1:
		op.Message = messageRef(messageRefs[0])
	default:
		op.Message = &AsyncAPIMessage{}
		for _, ref := range messageRefs {
			op.Message.OneOf = append(op.Message.OneOf, messageRef(ref))
		}
	}
	return op
}

func messageRef(name string) *AsyncAPIMessage {
	return &AsyncAPIMessage{Ref: "#/components/messages/" + name}
}

// AddMessage adds a message definition to the components section
func (g *AsyncAPIGenerator) AddMessage(name, title, summary, contentType string, headers, payload *AsyncAPISchema) {
	g.document.Components.Messages[name] = &AsyncAPIMessage{
		Name:        name,
		Title:       title,
		Summary:     summary,
		ContentType: contentType,
		Headers:     headers,
		Payload:     payload,
	}
}

// AddSchema adds a schema definition to the components section
func (g *AsyncAPIGenerator) AddSchema(name string, schema *AsyncAPISchema) {
	g.document.Components.Schemas[name] = schema
}

// ObjectSchema creates an object schema with properties
func ObjectSchema(properties map[string]*AsyncAPISchema, required ...string) *AsyncAPISchema {
	return &AsyncAPISchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// StringSchema creates a string schema
func StringSchema(description string) *AsyncAPISchema {
	return &AsyncAPISchema{Type: "string", Description: description}
}

// NumberSchema creates a number schema
func NumberSchema(description string) *AsyncAPISchema {
	return &AsyncAPISchema{Type: "number", Description: description}
}

// SchemaRef creates a reference to a schema in the components section
func SchemaRef(schemaName string) *AsyncAPISchema {
	return &AsyncAPISchema{Ref: "#/components/schemas/" + schemaName}
}

// AttributesSchema describes string attributes carried as message headers
func AttributesSchema(description string) *AsyncAPISchema {
	return &AsyncAPISchema{
		Type:                 "object",
		Description:          description,
		AdditionalProperties: StringSchema(""),
	}
}

// ToJSON converts the AsyncAPI document to JSON
func (g *AsyncAPIGenerator) ToJSON() ([]byte, error) {
	return json.MarshalIndent(g.document, "", "  ")
}

// ToYAML converts the AsyncAPI document to YAML using the JSON field names
func (g *AsyncAPIGenerator) ToYAML() ([]byte, error) {
	data, err := json.Marshal(g.document)
	if err != nil {
		return nil, err
	}

	var tree interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return yaml.Marshal(tree)
}

// SaveToFile writes the document as YAML for .yaml and .yml files and as
// JSON otherwise
func (g *AsyncAPIGenerator) SaveToFile(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		data, err = g.ToYAML()
	default:
		data, err = g.ToJSON()
	}
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
