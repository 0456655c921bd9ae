package functions

import (
	"strings"

	"github.com/senafrakara/pubsub-functions/messaging"
)

// AsyncAPI documents the topics of config: the default topic fed by the
// publish functions and read by the greeters, and the orders topic read by
// processOrder. When broker is set it becomes the "default" server.
func AsyncAPI(title, version string, config Config, broker *messaging.BrokerConfig) (*messaging.AsyncAPIGenerator, error) {
	g := messaging.NewAsyncAPIGenerator(title, version,
		"Publish functions and the subscriber functions bound to their topics")

	if broker != nil {
		if err := g.AddBrokerServer("default", broker); err != nil {
			return nil, err
		}
	}

	g.AddSchema("Greeting", messaging.ObjectSchema(map[string]*messaging.AsyncAPISchema{
		"name": messaging.StringSchema("Name to greet; numbers are greeted as written, World when absent"),
	}))
	g.AddSchema("Order", messaging.ObjectSchema(map[string]*messaging.AsyncAPISchema{
		"orderId": {
			Description: "Order identifier",
			OneOf:       []*messaging.AsyncAPISchema{{Type: "string"}, {Type: "number"}},
		},
		"customerId": {
			Description: "Customer identifier",
			OneOf:       []*messaging.AsyncAPISchema{{Type: "string"}, {Type: "number"}},
		},
		"total": {
			Description: "Order total; zero is rejected",
			OneOf:       []*messaging.AsyncAPISchema{{Type: "number"}, {Type: "string"}},
		},
		"type": {
			Type:        "string",
			Description: "Handling type; other values are processed as unknown",
			Enum:        []string{OrderTypeStandard, OrderTypeExpress, OrderTypeBulk},
		},
	}, "orderId", "customerId", "total"))

	g.AddMessage("TextMessage", "Text message", "UTF-8 text published by publishMessage",
		"text/plain", nil, messaging.StringSchema(""))
	g.AddMessage("JsonMessage", "JSON message", "Structured payload published by publishJson",
		"application/json", nil, messaging.SchemaRef("Greeting"))
	g.AddMessage("AttributedMessage", "Message with attributes",
		"UTF-8 text with string attributes published by publishWithAttributes",
		"text/plain", messaging.AttributesSchema("Message attributes"), messaging.StringSchema(""))
	g.AddMessage("OrderMessage", "Order", "Order consumed by processOrder",
		"application/json", nil, messaging.SchemaRef("Order"))

	defaultTopic := config.DefaultTopic
	g.AddChannel(defaultTopic, "Default topic of the publish functions")
	g.AddSubscribeOperation(defaultTopic,
		"publishMessage, publishJson and publishWithAttributes",
		"publish", "TextMessage", "JsonMessage", "AttributedMessage")

	subs := Subscriptions(config, &Greeter{}, &OrderProcessor{})
	consumers := make(map[string][]string)
	for _, sub := range subs {
		consumers[sub.Topic] = append(consumers[sub.Topic], sub.Name)
	}

	g.AddPublishOperation(defaultTopic, strings.Join(consumers[defaultTopic], ", "),
		"consumeDefaultTopic", "TextMessage", "JsonMessage", "AttributedMessage")

	if config.OrdersTopic != defaultTopic {
		g.AddChannel(config.OrdersTopic, "Orders to process")
		g.AddPublishOperation(config.OrdersTopic, strings.Join(consumers[config.OrdersTopic], ", "),
			"processOrder", "OrderMessage")
	} else {
		g.AddPublishOperation(defaultTopic, strings.Join(consumers[defaultTopic], ", "),
			"consumeDefaultTopic", "TextMessage", "JsonMessage", "AttributedMessage", "OrderMessage")
	}

	return g, nil
}
