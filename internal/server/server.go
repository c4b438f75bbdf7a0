package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"guardx/internal/audit"
	"guardx/internal/auth"
	"guardx/internal/broadcast"
	"guardx/internal/config"
	"guardx/internal/deploy"
	"guardx/internal/detect"
	"guardx/internal/emitter"
	"guardx/internal/metrics"
	"guardx/internal/pipeline"
	"guardx/internal/router"
	"guardx/internal/session"
	"guardx/internal/throttle"
)

// Server はHTTP/WebSocketサーバーを管理する構造体
type Server struct {
	config     *config.Config
	log        *logrus.Logger
	httpServer *http.Server
	engine     *gin.Engine
	upgrader   websocket.Upgrader

	authn       auth.Authenticator
	detector    detect.Detector
	registry    *session.Registry
	authorizer  *deploy.Authorizer
	pipeline    *pipeline.Pipeline
	coordinator *router.Coordinator
	metrics     *metrics.Metrics
	emitter     *emitter.MQTTEmitter
	audit       *audit.PostgresStore

	baseCtx      context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	startedAt    time.Time
}

// Option はServerの設定
type Option func(*Server)

// WithDetector は検出器を差し替える
func WithDetector(d detect.Detector) Option {
	return func(s *Server) { s.detector = d }
}

// WithAuthenticator は認証方式を差し替える
func WithAuthenticator(a auth.Authenticator) Option {
	return func(s *Server) { s.authn = a }
}

// WithAuditStore は履歴の永続化先を差し替える
func WithAuditStore(store *audit.PostgresStore) Option {
	return func(s *Server) { s.audit = store }
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, log *logrus.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		config:    cfg,
		log:       log,
		upgrader:  newUpgrader(cfg.Server.AllowedOrigins),
		registry:  session.NewRegistry(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if err := s.initDependencies(); err != nil {
		s.cancel()
		s.closeBackends()
		return nil, err
	}
	s.initCore()
	s.initEngine()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// initDependencies は外部サービスに依存するコンポーネントを初期化する
func (s *Server) initDependencies() error {
	cfg := s.config

	if s.authn == nil {
		authn, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("認証の初期化に失敗: %w", err)
		}
		s.authn = authn
	}

	if s.detector == nil {
		if cfg.Detector.Endpoint == "" {
			s.log.Warn("検出サービスが未設定のため、検出は常に空になります")
			s.detector = detect.Nop{}
		} else {
			d, err := detect.NewHTTPDetector(detect.HTTPConfig{
				Endpoint:            cfg.Detector.Endpoint,
				Timeout:             cfg.Detector.Timeout,
				ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
				MaxWidth:            cfg.Detector.MaxWidth,
			})
			if err != nil {
				return fmt.Errorf("検出器の初期化に失敗: %w", err)
			}
			s.detector = d
		}
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.New()
	}

	if s.audit == nil && cfg.Audit.Enabled {
		store, err := audit.Open(s.baseCtx, cfg.Audit.DSN, cfg.Audit.Table)
		if err != nil {
			return fmt.Errorf("監査ログの初期化に失敗: %w", err)
		}
		s.audit = store
	}
	if s.audit != nil {
		if err := s.audit.EnsureSchema(s.baseCtx); err != nil {
			return fmt.Errorf("監査テーブルの作成に失敗: %w", err)
		}
	}

	if cfg.MQTT.Enabled {
		e := emitter.NewMQTTEmitter(cfg.MQTT, s.log.WithField("component", "mqtt"))
		if err := e.Connect(s.baseCtx); err != nil {
			return fmt.Errorf("MQTTの初期化に失敗: %w", err)
		}
		s.emitter = e
	}
	return nil
}

// initCore はルーティングの中核コンポーネントを組み立てる
func (s *Server) initCore() {
	cfg := s.config

	deployOpts := []deploy.Option{
		deploy.WithLogger(s.log.WithField("component", "deploy")),
	}
	if s.audit != nil {
		deployOpts = append(deployOpts, deploy.WithHistorySink(s.audit))
	}
	s.authorizer = deploy.NewAuthorizer(s.registry, deployOpts...)

	cache := throttle.New(
		cfg.Router.DecimationFactor,
		cfg.Router.CounterResetThreshold,
		cfg.Router.ThrottleIdleTTL,
	)
	s.pipeline = pipeline.New(
		pipeline.Config{
			Capacity:         cfg.Router.AdmissionCapacity,
			DetectionTimeout: cfg.Router.DetectionTimeout,
			Quality:          cfg.Router.AnnotatedQuality,
		},
		s.detector,
		cache,
		pipeline.WithMetrics(s.metrics),
		pipeline.WithLogger(s.log.WithField("component", "pipeline")),
	)

	bc := broadcast.New(s.registry,
		broadcast.WithMetrics(s.metrics),
		broadcast.WithLogger(s.log.WithField("component", "broadcast")),
	)

	routerOpts := []router.Option{
		router.WithMetrics(s.metrics),
		router.WithLogger(s.log.WithField("component", "router")),
	}
	if s.emitter != nil {
		routerOpts = append(routerOpts, router.WithResultSink(s.emitter))
	}
	s.coordinator = router.New(s.authn, s.registry, s.authorizer, s.pipeline, bc, routerOpts...)
}

// initEngine はHTTPルートを設定する
func (s *Server) initEngine() {
	if s.log.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(requestLogger(s.log))
	r.Use(gin.Recovery())

	// ヘルスチェックエンドポイント
	r.GET("/health", s.handleHealth)

	// WebSocketエンドポイント
	r.GET("/socket", s.handleSocket)

	if s.metrics != nil {
		r.GET(s.config.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}

	// APIエンドポイント（管理者のみ）
	api := r.Group("/api")
	api.Use(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	})
	api.Use(s.requireObserver())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/cameras", s.handleCameras)
		api.GET("/deployments", s.handleDeployments)
		api.GET("/deployments/history", s.handleHistory)
	}

	s.engine = r
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.WithField("signal", sig.String()).Info("シグナルを受信しました")
	case err := <-shutdownCh:
		s.Shutdown()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする。何度呼んでもよい
func (s *Server) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info("サーバーをシャットダウンしています...")

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		// 新しいフレームの処理を止め、全接続を閉じる
		s.cancel()
		s.closeSessions()

		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("サーバーのシャットダウンに失敗: %w", shutdownErr)
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("WebSocket接続の終了待ちがタイムアウトしました")
		}

		s.closeBackends()
		if err == nil {
			s.log.Info("サーバーが正常にシャットダウンされました")
		}
	})
	return err
}

func (s *Server) closeSessions() {
	for _, role := range []session.Role{session.RoleProducer, session.RoleObserver} {
		for _, conn := range s.registry.ListByRole(role) {
			if conn.Sender != nil {
				_ = conn.Sender.Close()
			}
		}
	}
}

func (s *Server) closeBackends() {
	if s.emitter != nil {
		s.emitter.Close()
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.log.WithError(err).Warn("監査ログのクローズに失敗")
		}
	}
}

// requestLogger はリクエストをlogrusで記録するミドルウェア
func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("HTTPリクエスト")
			return
		}
		entry.Debug("HTTPリクエスト")
	}
}
