package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"guardx/internal/config"
	"guardx/internal/detect"
	"guardx/internal/logger"
	"guardx/internal/wire"
)

// fakeToken は即座に完了するトークン
type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient はテスト用のMQTTクライアント
type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	publishErr   error
	disconnected bool
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return newFakeToken(nil) }
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return newFakeToken(c.publishErr)
	}
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newFakeToken(nil)
}

func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newFakeToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token          { return newFakeToken(nil) }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)      {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) Messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func testMQTTConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled:     true,
		Broker:      "localhost:1883",
		ClientID:    "test",
		TopicPrefix: "guardx/detections",
		QoS:         1,
	}
}

func TestMQTTEmitter_Publish(t *testing.T) {
	client := &fakeClient{}
	e := NewMQTTEmitter(testMQTTConfig(), logger.Discard())
	e.start(client)

	e.Emit(wire.DetectionResultPayload{
		ProducerID: "sid-1",
		CameraID:   "front-door",
		Frame:      []byte{0xff, 0xd8},
		Detections: detect.NewResult([]detect.Detection{{Label: "Human", Confidence: 0.8}}),
		Timestamp:  time.Now(),
	})
	e.Close()

	msgs := client.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].topic != "guardx/detections/front-door" {
		t.Errorf("topic: got %s", msgs[0].topic)
	}
	if msgs[0].qos != 1 {
		t.Errorf("qos: got %d", msgs[0].qos)
	}

	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if _, ok := body["frame"]; ok {
		t.Error("画像データが含まれています")
	}
	if body["camera_id"] != "front-door" {
		t.Errorf("camera_id: got %v", body["camera_id"])
	}

	stats := e.Stats()
	if stats.Published["guardx/detections/front-door"] != 1 {
		t.Errorf("published stats: %+v", stats.Published)
	}
	if !client.disconnected {
		t.Error("Close で切断されていません")
	}
}

func TestMQTTEmitter_PublishError(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("broker unavailable")}
	e := NewMQTTEmitter(testMQTTConfig(), logger.Discard())
	e.start(client)

	e.Emit(wire.DetectionResultPayload{CameraID: "cam-1"})
	e.Close()

	if got := e.Stats().Errors; got != 1 {
		t.Errorf("errors: got %d, want 1", got)
	}
}

func TestMQTTEmitter_DropWhenFull(t *testing.T) {
	e := NewMQTTEmitter(testMQTTConfig(), logger.Discard())
	// 配信ゴルーチン未開始なのでキューは消費されない
	for i := 0; i < defaultQueueSize+5; i++ {
		e.Emit(wire.DetectionResultPayload{CameraID: "cam-1"})
	}
	if got := e.Stats().Dropped; got != 5 {
		t.Errorf("dropped: got %d, want 5", got)
	}

	e.Close()
	// Close 後の Emit は無視される
	e.Emit(wire.DetectionResultPayload{CameraID: "cam-1"})
}
