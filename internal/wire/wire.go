// Package wire はWebSocket上でやり取りするメッセージの形式を定義する
//
// 全てのメッセージは {event, data} のエンベロープで運ばれる。
// 接続ごとにJSON（テキストフレーム）かmsgpack（バイナリフレーム）を選択できる。
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"guardx/internal/detect"
)

// Event はメッセージ種別
type Event string

// サーバーからクライアントへのイベント
const (
	EventCameraList       Event = "camera:list"
	EventCameraConnected  Event = "camera:connected"
	EventCameraDisconnect Event = "camera:disconnect"
	EventDeployAssigned   Event = "deploy:assigned"
	EventDeployStop       Event = "deploy:stop"
	EventDeploySuccess    Event = "deploy:success"
	EventDeployFailed     Event = "deploy:failed"
	EventDetectionResult  Event = "detection:result"
)

// クライアントからサーバーへのイベント
const (
	EventDeployStartCmd Event = "deploy_start"
	EventDeployStopCmd  Event = "deploy_stop"
	EventCameraFrame    Event = "camera_frame"
)

var (
	// ErrMissingEvent はevent欄が無いメッセージを表す
	ErrMissingEvent = errors.New("event is missing")
	// ErrEmptyPayload はdata欄が無いメッセージを表す
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrEmptyFrame はフレームデータが空であることを表す
	ErrEmptyFrame = errors.New("frame is empty")
	// ErrUnknownCodec は未対応のコーデック名を表す
	ErrUnknownCodec = errors.New("unknown codec")
)

// Envelope は送信メッセージ
type Envelope struct {
	Event Event `json:"event" msgpack:"event"`
	Data  any   `json:"data,omitempty" msgpack:"data,omitempty"`
}

// Inbound は受信メッセージ。Data は Bind で遅延デコードする
type Inbound struct {
	Event     Event
	data      []byte
	unmarshal func([]byte, any) error
}

// Bind はデータ部を v にデコードする
func (in Inbound) Bind(v any) error {
	if len(in.data) == 0 || in.unmarshal == nil {
		return ErrEmptyPayload
	}
	return in.unmarshal(in.data, v)
}

// Codec はエンベロープの符号化方式
type Codec interface {
	Name() string
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	Decode(raw []byte) (Inbound, error)
}

// CodecByName は名前からコーデックを返す（空文字はJSON）
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

var (
	// JSON はテキストフレーム用コーデック
	JSON Codec = jsonCodec{}
	// Msgpack はバイナリフレーム用コーデック
	Msgpack Codec = msgpackCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (jsonCodec) Decode(raw []byte) (Inbound, error) {
	var msg struct {
		Event Event           `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("json decode: %w", err)
	}
	if msg.Event == "" {
		return Inbound{}, ErrMissingEvent
	}
	return Inbound{Event: msg.Event, data: msg.Data, unmarshal: json.Unmarshal}, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(env Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (msgpackCodec) Decode(raw []byte) (Inbound, error) {
	var msg struct {
		Event Event              `msgpack:"event"`
		Data  msgpack.RawMessage `msgpack:"data"`
	}
	if err := msgpack.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("msgpack decode: %w", err)
	}
	if msg.Event == "" {
		return Inbound{}, ErrMissingEvent
	}
	return Inbound{Event: msg.Event, data: msg.Data, unmarshal: msgpack.Unmarshal}, nil
}

// TargetPayload は deploy_start / deploy_stop の対象指定
type TargetPayload struct {
	CameraSID string `json:"camera_sid" msgpack:"camera_sid"`
}

// FramePayload は camera_frame のデータ部
// JSONではbase64文字列（data URLの接頭辞可）、msgpackでは生バイト列
type FramePayload struct {
	Frame string `json:"frame" msgpack:"-"`
	Raw   []byte `json:"-" msgpack:"frame"`
}

// Bytes はエンコード済み画像のバイト列を返す
func (p FramePayload) Bytes() ([]byte, error) {
	if len(p.Raw) > 0 {
		return p.Raw, nil
	}
	if p.Frame == "" {
		return nil, ErrEmptyFrame
	}

	encoded := p.Frame
	// data:image/jpeg;base64,... の接頭辞を除去
	if strings.HasPrefix(encoded, "data:") {
		if i := strings.IndexByte(encoded, ','); i >= 0 {
			encoded = encoded[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	return data, nil
}

// CameraInfo は camera:list の1要素
type CameraInfo struct {
	SID         string    `json:"sid" msgpack:"sid"`
	Username    string    `json:"username" msgpack:"username"`
	CameraID    string    `json:"camera_id" msgpack:"camera_id"`
	Deployed    bool      `json:"deployed" msgpack:"deployed"`
	ConnectedAt time.Time `json:"connected_at" msgpack:"connected_at"`
}

// CameraListPayload は camera:list のデータ部
type CameraListPayload struct {
	Cameras []CameraInfo `json:"cameras" msgpack:"cameras"`
}

// CameraConnectedPayload は camera:connected のデータ部
type CameraConnectedPayload struct {
	SID      string `json:"sid" msgpack:"sid"`
	Username string `json:"username" msgpack:"username"`
	CameraID string `json:"camera_id" msgpack:"camera_id"`
}

// CameraDisconnectPayload は camera:disconnect のデータ部
type CameraDisconnectPayload struct {
	SID      string `json:"sid" msgpack:"sid"`
	CameraID string `json:"camera_id" msgpack:"camera_id"`
}

// DeployNoticePayload は deploy:assigned / deploy:stop のデータ部
type DeployNoticePayload struct {
	CameraID string `json:"camera_id" msgpack:"camera_id"`
	Message  string `json:"message" msgpack:"message"`
}

// DeployAckPayload は deploy:success のデータ部
type DeployAckPayload struct {
	Action       string `json:"action" msgpack:"action"`
	CameraSID    string `json:"camera_sid" msgpack:"camera_sid"`
	CameraID     string `json:"camera_id" msgpack:"camera_id"`
	AuthorizedBy string `json:"authorized_by,omitempty" msgpack:"authorized_by,omitempty"`
	FrameCount   uint64 `json:"frame_count" msgpack:"frame_count"`
}

// DeployFailedPayload は deploy:failed のデータ部
type DeployFailedPayload struct {
	Action    string `json:"action" msgpack:"action"`
	CameraSID string `json:"camera_sid" msgpack:"camera_sid"`
	Reason    string `json:"reason" msgpack:"reason"`
	Error     string `json:"error" msgpack:"error"`
}

// DetectionResultPayload は detection:result のデータ部
type DetectionResultPayload struct {
	ProducerID string        `json:"producer_id" msgpack:"producer_id"`
	CameraID   string        `json:"camera_id" msgpack:"camera_id"`
	Frame      []byte        `json:"frame" msgpack:"frame"`
	Detections detect.Result `json:"detections" msgpack:"detections"`
	Timestamp  time.Time     `json:"timestamp" msgpack:"timestamp"`
}
