package consensus

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RemergeHandler is called when a remerge is requested over the control topic
type RemergeHandler func()

// MessageHandler is called when an annotation message is received
// Parameters: sourceName, rawPayload, source, error
// rawPayload is provided so callers can archive payloads that fail to parse
type MessageHandler func(sourceName string, rawPayload []byte, src *Source, err error)

// MQTTClient manages MQTT connection and subscriptions for annotation sources
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	remergeHandler RemergeHandler
	isConnected    bool
	mu             sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration
// If MQTT_BROKER env var is empty, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	// Check if MQTT is enabled via env var or config
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Sources) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no source configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	// Build MQTT client options
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "annomerge"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)   // Longer than default 30s to reduce spurious disconnects
	opts.SetPingTimeout(10 * time.Second) // Timeout for ping response
	opts.SetCleanSession(false)           // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)           // Allow concurrent processing

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	// Connect asynchronously with retry
	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		// Exponential backoff
		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to source topics...")
	c.setConnected(true)

	// Subscribe to all source topics from config
	for _, src := range c.config.Sources {
		if src.Topic == "" {
			log.Printf("Warning: source %s has no topic configured", src.Name)
			continue
		}

		log.Printf("Subscribing to %s for source %s", src.Topic, src.Name)
		token := client.Subscribe(src.Topic, 0, c.createMessageHandler(src.Name))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", src.Topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", src.Topic)
		}
	}

	// Subscribe to the remerge control topic
	controlTopic := c.controlTopic()
	log.Printf("Subscribing to %s for remerge requests", controlTopic)
	token := client.Subscribe(controlTopic, 0, c.createControlHandler())

	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", controlTopic, token.Error())
	} else {
		log.Printf("Successfully subscribed to %s", controlTopic)
	}
}

// controlTopic returns the topic that triggers a remerge when published to
func (c *MQTTClient) controlTopic() string {
	prefix := c.config.MQTT.PublishPrefix
	if prefix == "" {
		prefix = "annomerge"
	}
	return prefix + "/remerge"
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific source's topic
func (c *MQTTClient) createMessageHandler(sourceName string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received annotations for %s (topic: %s, size: %d bytes)",
			sourceName, msg.Topic(), len(payload))

		src, err := ParseSourceJSON(payload)
		if err != nil {
			log.Printf("Error parsing annotations for %s: %v", sourceName, err)
			if c.messageHandler != nil {
				// Pass raw payload so caller can archive unparseable messages
				c.messageHandler(sourceName, payload, nil, err)
			}
			return
		}

		// The configured name wins over whatever the payload carries
		src.Name = sourceName

		if c.messageHandler != nil {
			c.messageHandler(sourceName, payload, src, nil)
		}
	}
}

// createControlHandler creates a handler for the remerge control topic
func (c *MQTTClient) createControlHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		log.Printf("Remerge requested (topic: %s)", msg.Topic())
		handler := c.getRemergeHandler()
		if handler != nil {
			handler()
		}
	}
}

// SetRemergeHandler registers a callback invoked on remerge control messages
func (c *MQTTClient) SetRemergeHandler(handler RemergeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remergeHandler = handler
}

// getRemergeHandler returns the current remerge handler in a thread-safe manner
func (c *MQTTClient) getRemergeHandler() RemergeHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remergeHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
