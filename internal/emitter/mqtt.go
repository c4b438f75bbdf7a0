// Package emitter は検出結果を外部のメッセージブローカーへ配信する
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"guardx/internal/config"
	"guardx/internal/detect"
	"guardx/internal/wire"
)

const defaultQueueSize = 256

// Message はブローカーへ送る検出結果。画像は含めない
type Message struct {
	ProducerID string        `json:"producer_id"`
	CameraID   string        `json:"camera_id"`
	Detections detect.Result `json:"detections"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Stats は配信の統計
type Stats struct {
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
	Dropped   uint64            `json:"dropped"`
	Connected bool              `json:"connected"`
}

// MQTTEmitter は検出結果をMQTTで配信する
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	log    logrus.FieldLogger

	queue   chan Message
	wg      sync.WaitGroup
	once    sync.Once
	closeMu sync.RWMutex
	closed  bool

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	dropped   uint64
	connected bool
}

// NewMQTTEmitter は新しいMQTTEmitterを作成する
func NewMQTTEmitter(cfg config.MQTTConfig, log logrus.FieldLogger) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		log:       log,
		queue:     make(chan Message, defaultQueueSize),
		published: make(map[string]uint64),
	}
}

// Connect はブローカーへ接続し、配信ゴルーチンを開始する
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.WithField("broker", e.cfg.Broker).Info("MQTTブローカーに接続しました")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.WithField("broker", e.cfg.Broker).WithError(err).Warn("MQTT接続が切断されました。再接続を待ちます")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("MQTT接続がタイムアウトしました")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	e.start(client)
	return nil
}

// start はクライアントを設定して配信ゴルーチンを開始する
func (e *MQTTEmitter) start(client mqtt.Client) {
	e.client = client
	e.setConnected(client.IsConnected())

	e.wg.Add(1)
	go e.run()
}

func (e *MQTTEmitter) run() {
	defer e.wg.Done()
	for msg := range e.queue {
		if err := e.publish(msg); err != nil {
			e.log.WithFields(logrus.Fields{
				"camera_id": msg.CameraID,
			}).WithError(err).Debug("検出結果の配信に失敗")
		}
	}
}

// Emit は検出結果を配信キューに入れる。キューが満杯なら破棄する
func (e *MQTTEmitter) Emit(result wire.DetectionResultPayload) {
	msg := Message{
		ProducerID: result.ProducerID,
		CameraID:   result.CameraID,
		Detections: result.Detections,
		Timestamp:  result.Timestamp,
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.queue <- msg:
	default:
		e.mu.Lock()
		e.dropped++
		e.mu.Unlock()
	}
}

// publish は1件をブローカーへ送る
func (e *MQTTEmitter) publish(msg Message) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("MQTT未接続")
	}

	topic := fmt.Sprintf("%s/%s", e.cfg.TopicPrefix, msg.CameraID)
	payload, err := json.Marshal(msg)
	if err != nil {
		e.countError()
		return fmt.Errorf("検出結果の変換に失敗: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("配信がタイムアウトしました")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("配信に失敗: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	return nil
}

// Stats は配信の統計を返す
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
		Connected: e.connected,
	}
}

// Close はキューを閉じて残りを送信し、切断する
func (e *MQTTEmitter) Close() {
	e.once.Do(func() {
		e.closeMu.Lock()
		e.closed = true
		close(e.queue)
		e.closeMu.Unlock()

		e.wg.Wait()
		if e.client != nil {
			e.client.Disconnect(250)
		}
		e.setConnected(false)
	})
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
