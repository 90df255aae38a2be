package consensus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher manages publishing merge results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	items         map[string]*Item
	mu            sync.RWMutex
}

// NewPublisher creates a new result publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "annomerge"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for result updates (fire and forget)
		retain:        true, // Retain for latest result
		items:         make(map[string]*Item),
	}
}

// PublishResult publishes a merge result to MQTT
// Each merged item goes to its individual topic, followed by the combined
// summary and the conflict list
func (p *Publisher) PublishResult(result *Result) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if result == nil || result.Merged == nil {
		return fmt.Errorf("nothing to publish")
	}

	for i := range result.Merged.Items {
		item := &result.Merged.Items[i]

		p.mu.Lock()
		p.items[item.Key] = item
		p.mu.Unlock()

		if err := p.publishItem(item); err != nil {
			log.Printf("Error publishing item %s: %v", item.Key, err)
			return err
		}
	}

	if err := p.publishSummary(result); err != nil {
		log.Printf("Error publishing summary: %v", err)
		return err
	}

	if err := p.publishConflicts(result.Errors); err != nil {
		log.Printf("Error publishing conflicts: %v", err)
		return err
	}

	return nil
}

// publishItem publishes a single merged item to its individual topic
func (p *Publisher) publishItem(item *Item) error {
	topic := fmt.Sprintf("%s/items/%s", p.publishPrefix, item.Key)

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published item %s: %d annotations", item.Key, len(item.Annotations))
	return nil
}

// publishSummary publishes the combined merge summary
func (p *Publisher) publishSummary(result *Result) error {
	topic := fmt.Sprintf("%s/summary", p.publishPrefix)

	message := map[string]interface{}{
		"summary":      result.Summary,
		"sourceScores": result.SourceScores,
		"timestamp":    time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// publishConflicts publishes the conflict list
// An empty list is still published so retained conflicts are cleared
func (p *Publisher) publishConflicts(errors []ItemError) error {
	topic := fmt.Sprintf("%s/conflicts", p.publishPrefix)

	if errors == nil {
		errors = []ItemError{}
	}

	payload, err := json.Marshal(errors)
	if err != nil {
		return fmt.Errorf("marshaling conflicts: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetItem returns the last published merged item for a key
func (p *Publisher) GetItem(key string) (*Item, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[key]
	return item, ok
}

// GetAllItems returns all published merged items
func (p *Publisher) GetAllItems() map[string]*Item {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	items := make(map[string]*Item, len(p.items))
	for key, item := range p.items {
		itemCopy := *item
		items[key] = &itemCopy
	}
	return items
}

// ClearItem removes an item from the published set (e.g. when retired)
func (p *Publisher) ClearItem(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
