package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	if cfg.Router.DecimationFactor != 5 {
		t.Errorf("間引き係数: got %d, want 5", cfg.Router.DecimationFactor)
	}
	if cfg.Router.CounterResetThreshold != 1000 {
		t.Errorf("リセット閾値: got %d, want 1000", cfg.Router.CounterResetThreshold)
	}
	if cfg.Router.AdmissionCapacity != 32 {
		t.Errorf("同時検出数: got %d, want 32", cfg.Router.AdmissionCapacity)
	}
	if cfg.Router.HistoryLimit != 100 {
		t.Errorf("履歴件数: got %d, want 100", cfg.Router.HistoryLimit)
	}
}

// TestConfigLoadFile はYAMLファイルによる上書きをテストする
func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardx.yaml")
	body := `
server:
  host: 127.0.0.1
  port: 9000
router:
  decimation_factor: 3
  admission_capacity: 4
  detection_timeout: 2s
detector:
  endpoint: http://detector:9100/detect
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("設定ファイルの作成に失敗: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.ServerAddress() != "127.0.0.1:9000" {
		t.Errorf("アドレス: got %s", cfg.ServerAddress())
	}
	if cfg.Router.DecimationFactor != 3 || cfg.Router.AdmissionCapacity != 4 {
		t.Errorf("ルーター設定が反映されていません: %+v", cfg.Router)
	}
	if cfg.Router.DetectionTimeout != 2*time.Second {
		t.Errorf("検出タイムアウト: got %v", cfg.Router.DetectionTimeout)
	}
	// ファイルに無い項目はデフォルトのまま
	if cfg.Router.CounterResetThreshold != 1000 {
		t.Errorf("リセット閾値がデフォルトではありません: %d", cfg.Router.CounterResetThreshold)
	}
	if cfg.Detector.Endpoint != "http://detector:9100/detect" {
		t.Errorf("検出器エンドポイント: got %s", cfg.Detector.Endpoint)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("ログフォーマット: got %s", cfg.Log.Format)
	}
}

func TestConfigLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("存在しないファイルでエラーが期待されました")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(c *Config)
		expectErr bool
	}{
		{"正常な設定", func(c *Config) {}, false},
		{"無効なポート番号", func(c *Config) { c.Server.Port = 99999 }, true},
		{"間引き係数がゼロ", func(c *Config) { c.Router.DecimationFactor = 0 }, true},
		{"リセット閾値が係数未満", func(c *Config) { c.Router.CounterResetThreshold = 2 }, true},
		{"同時検出数がゼロ", func(c *Config) { c.Router.AdmissionCapacity = 0 }, true},
		{"送信キューがゼロ", func(c *Config) { c.Server.SendBuffer = 0 }, true},
		{"信頼度が範囲外", func(c *Config) { c.Detector.ConfidenceThreshold = 1.5 }, true},
		{"JPEG品質が範囲外", func(c *Config) { c.Router.AnnotatedQuality = 0 }, true},
		{"不明なログフォーマット", func(c *Config) { c.Log.Format = "xml" }, true},
		{"ブローカー無しのMQTT", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"DSN無しの監査ログ", func(c *Config) { c.Audit.Enabled = true }, true},
		{"無効なQoS", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"空のJWTシークレット", func(c *Config) { c.Auth.JWTSecret = "" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	if actual := cfg.ServerAddress(); actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("JWT_SECRET_KEY", "s3cret")
	t.Setenv("ADMISSION_CAPACITY", "8")
	t.Setenv("MQTT_BROKER", "broker:1883")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d", cfg.Server.Port)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("JWTシークレットが反映されていません")
	}
	if cfg.Router.AdmissionCapacity != 8 {
		t.Errorf("同時検出数: got %d, want 8", cfg.Router.AdmissionCapacity)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "broker:1883" {
		t.Errorf("MQTT設定が反映されていません: %+v", cfg.MQTT)
	}
}
