package consensus

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInitMQTT_Disabled(t *testing.T) {
	// No MQTT_BROKER env var and no broker in config
	t.Setenv("MQTT_BROKER", "")

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	handler := func(string, []byte, *Source, error) {}

	client, err := InitMQTT(config, handler)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitMQTT_NoSources(t *testing.T) {
	// Broker set but no sources configured
	t.Setenv("MQTT_BROKER", "")

	config := &Config{
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
		},
		Sources: []SourceConfig{},
	}

	handler := func(string, []byte, *Source, error) {}

	_, err := InitMQTT(config, handler)
	assert.Error(t, err)
}

func TestInitMQTT_EnvBrokerWithoutConfig(t *testing.T) {
	// Env var enables MQTT even when the config carries no broker,
	// but source configuration is still required
	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")

	handler := func(string, []byte, *Source, error) {}

	_, err := InitMQTT(nil, handler)
	assert.Error(t, err)
}

func TestInitMQTT_ReturnsImmediately(t *testing.T) {
	// InitMQTT connects in a background goroutine and must not block
	t.Setenv("MQTT_BROKER", "")

	config := &Config{
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
		},
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	handler := func(string, []byte, *Source, error) {}

	start := time.Now()
	client, err := InitMQTT(config, handler)
	duration := time.Since(start)

	if err != nil {
		t.Errorf("InitMQTT() error = %v, should not error (connects in background)", err)
	}
	if duration > 100*time.Millisecond {
		t.Errorf("InitMQTT() took %v, should return immediately", duration)
	}

	if client != nil {
		client.Disconnect()
	}
}

func TestGetMQTTClient_NotInitialized(t *testing.T) {
	clientMu.Lock()
	globalClient = nil
	clientMu.Unlock()

	if client := GetMQTTClient(); client != nil {
		t.Error("GetMQTTClient() should return nil when not initialized")
	}
}

func TestMQTTClient_IsConnected(t *testing.T) {
	client := &MQTTClient{}
	assert.False(t, client.IsConnected(), "New client should not be connected")

	client.setConnected(true)
	assert.True(t, client.IsConnected(), "Client should be connected after setConnected(true)")

	client.setConnected(false)
	assert.False(t, client.IsConnected(), "Client should not be connected after setConnected(false)")
}

func TestMQTTClient_ControlTopic(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "",
			want:   "annomerge/remerge",
		},
		{
			name:   "custom prefix",
			prefix: "lab",
			want:   "lab/remerge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MQTTClient{config: &Config{
				MQTT: MQTTConfig{PublishPrefix: tt.prefix},
			}}
			if got := client.controlTopic(); got != tt.want {
				t.Errorf("controlTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOnConnect_SubscribesSourceAndControlTopics(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
			{Name: "bob", Topic: "annotations/bob"},
			{Name: "untopiced"}, // No topic, must be skipped
		},
	}

	client := newMQTTClientWithMock(mock, config, func(string, []byte, *Source, error) {})
	client.onConnect(mock)

	topics := mock.SubscribedTopics()
	assert.Len(t, topics, 3, "Topics: %v", topics)
	assert.Contains(t, topics, "annotations/alice")
	assert.Contains(t, topics, "annotations/bob")
	assert.Contains(t, topics, "annomerge/remerge")
	assert.True(t, client.IsConnected())
}

func TestOnConnect_CustomControlPrefix(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		MQTT: MQTTConfig{PublishPrefix: "lab"},
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := newMQTTClientWithMock(mock, config, func(string, []byte, *Source, error) {})
	client.onConnect(mock)

	assert.Contains(t, mock.SubscribedTopics(), "lab/remerge")
}

func TestMessageHandler_ValidPayload(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "camera-east", Topic: "annotations/camera-east"},
		},
	}

	var mu sync.Mutex
	var gotName string
	var gotSrc *Source
	var gotErr error

	handler := func(sourceName string, rawPayload []byte, src *Source, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotName = sourceName
		gotSrc = src
		gotErr = err
	}

	client := newMQTTClientWithMock(mock, config, handler)
	client.onConnect(mock)

	// Payload names itself "alice" but arrives on camera-east's topic
	mock.SimulateMessage("annotations/camera-east", []byte(sampleSourceJSON))

	mu.Lock()
	defer mu.Unlock()
	assert.NoError(t, gotErr)
	assert.Equal(t, "camera-east", gotName)
	if assert.NotNil(t, gotSrc) {
		assert.Equal(t, "camera-east", gotSrc.Name, "configured name should win over payload name")
		assert.Len(t, gotSrc.Items, 1)
	}
}

func TestMessageHandler_InvalidPayload(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	payload := []byte(`{"items": [`)

	var mu sync.Mutex
	var gotRaw []byte
	var gotSrc *Source
	var gotErr error

	handler := func(sourceName string, rawPayload []byte, src *Source, err error) {
		mu.Lock()
		defer mu.Unlock()
		gotRaw = rawPayload
		gotSrc = src
		gotErr = err
	}

	client := newMQTTClientWithMock(mock, config, handler)
	client.onConnect(mock)

	mock.SimulateMessage("annotations/alice", payload)

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
	assert.Nil(t, gotSrc)
	assert.Equal(t, payload, gotRaw, "raw payload should be passed through for archiving")
}

func TestMessageHandler_NilHandler(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := newMQTTClientWithMock(mock, config, nil)
	client.onConnect(mock)

	// Should not panic without a message handler
	mock.SimulateMessage("annotations/alice", []byte(sampleSourceJSON))
	mock.SimulateMessage("annotations/alice", []byte(`not json`))
}

func TestControlMessage_TriggersRemerge(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := newMQTTClientWithMock(mock, config, func(string, []byte, *Source, error) {})

	called := false
	client.SetRemergeHandler(func() {
		called = true
	})

	client.onConnect(mock)
	mock.SimulateMessage("annomerge/remerge", []byte("{}"))

	assert.True(t, called, "remerge handler should fire on control topic messages")
}

func TestControlMessage_NoHandlerSet(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := newMQTTClientWithMock(mock, config, func(string, []byte, *Source, error) {})
	client.onConnect(mock)

	// Should not panic when no remerge handler is registered
	mock.SimulateMessage("annomerge/remerge", []byte("{}"))
}

func TestSetRemergeHandler(t *testing.T) {
	client := &MQTTClient{}

	if h := client.getRemergeHandler(); h != nil {
		t.Error("Remerge handler should be nil initially")
	}

	called := false
	client.SetRemergeHandler(func() {
		called = true
	})

	h := client.getRemergeHandler()
	if h == nil {
		t.Fatal("Remerge handler should not be nil after SetRemergeHandler")
	}

	h()
	if !called {
		t.Error("Remerge handler was not invoked")
	}
}

func TestOnConnect_SubscribeError(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetSubscribeError(assert.AnError)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := newMQTTClientWithMock(mock, config, func(string, []byte, *Source, error) {})

	// Subscription failures are logged, not fatal
	client.onConnect(mock)

	if topics := mock.SubscribedTopics(); len(topics) != 0 {
		t.Errorf("SubscribedTopics() = %v, want none when subscribe fails", topics)
	}
}

func TestMQTTClient_ConcurrentAccess(t *testing.T) {
	client := &MQTTClient{}

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				client.setConnected(j%2 == 0)
				_ = client.IsConnected()
				client.SetRemergeHandler(func() {})
				if h := client.getRemergeHandler(); h != nil {
					h()
				}
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	// No race detector report = success
}

func TestMQTTDisconnect(t *testing.T) {
	client := &MQTTClient{
		isConnected: true,
	}

	// Should not panic with nil mqtt.Client
	client.Disconnect()
}

func TestMQTTClient_GetClient(t *testing.T) {
	mock := NewMockClient()
	client := newMQTTClientWithMock(mock, &Config{}, nil)

	if client.GetClient() != mock {
		t.Error("GetClient() should return the underlying mqtt.Client")
	}
}

func TestOnConnectionLost(t *testing.T) {
	client := &MQTTClient{}
	client.setConnected(true)

	client.onConnectionLost(nil, assert.AnError)

	if client.IsConnected() {
		t.Error("Client should report disconnected after connection loss")
	}
}

func TestMessageHandler_EndToEnd(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)

	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
			{Name: "bob", Topic: "annotations/bob"},
		},
	}

	var mu sync.Mutex
	received := make(map[string]int)

	handler := func(sourceName string, rawPayload []byte, src *Source, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		received[sourceName]++
		mu.Unlock()
	}

	client := newMQTTClientWithMock(mock, config, handler)
	client.onConnect(mock)

	bobJSON := strings.Replace(sampleSourceJSON, `"alice"`, `"bob"`, 1)
	mock.SimulateMessage("annotations/alice", []byte(sampleSourceJSON))
	mock.SimulateMessage("annotations/bob", []byte(bobJSON))
	mock.SimulateMessage("annotations/alice", []byte(sampleSourceJSON))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, received["alice"])
	assert.Equal(t, 1, received["bob"])
}

func BenchmarkCreateMessageHandler(b *testing.B) {
	config := &Config{
		Sources: []SourceConfig{
			{Name: "alice", Topic: "annotations/alice"},
		},
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: func(string, []byte, *Source, error) {},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = client.createMessageHandler("alice")
	}
}
