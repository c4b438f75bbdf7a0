package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Router   RouterConfig   `yaml:"router"`
	Detector DetectorConfig `yaml:"detector"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig はHTTP/WebSocketサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの猶予

	// WebSocket設定
	AllowedOrigins  []string      `yaml:"allowed_origins"`   // 空なら全オリジンを許可
	MaxMessageBytes int64         `yaml:"max_message_bytes"` // 受信メッセージの最大サイズ
	PingInterval    time.Duration `yaml:"ping_interval"`     // ping送信間隔
	PongWait        time.Duration `yaml:"pong_wait"`         // pong待ち時間
	SendBuffer      int           `yaml:"send_buffer"`       // 接続ごとの送信キュー長
}

// RouterConfig はフレームルーティングの設定
type RouterConfig struct {
	DecimationFactor      int           `yaml:"decimation_factor"`       // N フレームごとに検出を実行
	CounterResetThreshold int           `yaml:"counter_reset_threshold"` // フレームカウンタのリセット閾値
	AdmissionCapacity     int           `yaml:"admission_capacity"`      // 同時検出数の上限
	DetectionTimeout      time.Duration `yaml:"detection_timeout"`       // 1回の検出のタイムアウト
	ThrottleIdleTTL       time.Duration `yaml:"throttle_idle_ttl"`       // キャッシュエントリのアイドル期限
	AnnotatedQuality      int           `yaml:"annotated_quality"`       // 注釈付きJPEGの品質
	HistoryLimit          int           `yaml:"history_limit"`           // 履歴APIのデフォルト件数
}

// DetectorConfig は外部検出サービスの設定
type DetectorConfig struct {
	Endpoint            string        `yaml:"endpoint"`             // 空ならNop検出器
	Timeout             time.Duration `yaml:"timeout"`              // HTTPクライアントのタイムアウト
	ConfidenceThreshold float64       `yaml:"confidence_threshold"` // 信頼度の下限
	MaxWidth            int           `yaml:"max_width"`            // 送信前の縮小幅
}

// AuthConfig はトークン検証の設定
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig はロガーの設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text または json
}

// MetricsConfig はPrometheusメトリクスの設定
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MQTTConfig は検出結果のMQTT配信設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// AuditConfig はデプロイ履歴の永続化設定
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// DefaultJWTSecret は開発用のシークレット。本番では JWT_SECRET_KEY で上書きすること
const DefaultJWTSecret = "change-this-secret-key"

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
			MaxMessageBytes: 5 << 20,
			PingInterval:    10 * time.Second,
			PongWait:        20 * time.Second,
			SendBuffer:      64,
		},
		Router: RouterConfig{
			DecimationFactor:      5,
			CounterResetThreshold: 1000,
			AdmissionCapacity:     32,
			DetectionTimeout:      5 * time.Second,
			ThrottleIdleTTL:       10 * time.Minute,
			AnnotatedQuality:      40,
			HistoryLimit:          100,
		},
		Detector: DetectorConfig{
			Timeout:             10 * time.Second,
			ConfidenceThreshold: 0.25,
			MaxWidth:            640,
		},
		Auth: AuthConfig{
			JWTSecret: DefaultJWTSecret,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		MQTT: MQTTConfig{
			ClientID:    "guardx-router",
			TopicPrefix: "guardx/detections",
		},
		Audit: AuditConfig{
			Table: "deployment_history",
		},
	}
}

// Load は設定を読み込む
// path が空の場合はデフォルト値と環境変数のみを使う
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Router.AdmissionCapacity = getEnvAsIntOrDefault("ADMISSION_CAPACITY", c.Router.AdmissionCapacity)
	c.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET_KEY", c.Auth.JWTSecret)
	c.Detector.Endpoint = getEnvOrDefault("DETECTOR_ENDPOINT", c.Detector.Endpoint)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
	if dsn := os.Getenv("AUDIT_DSN"); dsn != "" {
		c.Audit.DSN = dsn
		c.Audit.Enabled = true
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("無効な送信キュー長: %d", c.Server.SendBuffer)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("無効な最大メッセージサイズ: %d", c.Server.MaxMessageBytes)
	}

	// ルーター設定の検証
	if c.Router.DecimationFactor <= 0 {
		return fmt.Errorf("無効な間引き係数: %d", c.Router.DecimationFactor)
	}
	if c.Router.CounterResetThreshold < c.Router.DecimationFactor {
		return fmt.Errorf("カウンタのリセット閾値 %d は間引き係数 %d 以上である必要があります",
			c.Router.CounterResetThreshold, c.Router.DecimationFactor)
	}
	if c.Router.AdmissionCapacity <= 0 {
		return fmt.Errorf("無効な同時検出数: %d", c.Router.AdmissionCapacity)
	}
	if c.Router.AnnotatedQuality < 1 || c.Router.AnnotatedQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Router.AnnotatedQuality)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWTシークレットが設定されていません")
	}

	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("無効な信頼度閾値: %v", c.Detector.ConfidenceThreshold)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("無効なログフォーマット: %s", c.Log.Format)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("MQTTが有効ですがブローカーが設定されていません")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("無効なQoS: %d", c.MQTT.QoS)
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("監査ログが有効ですがDSNが設定されていません")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
