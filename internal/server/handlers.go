package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"guardx/internal/auth"
	"guardx/internal/deploy"
	"guardx/internal/emitter"
	"guardx/internal/router"
	"guardx/internal/session"
)

const identityKey = "identity"

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Uptime string `json:"uptime"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status    string         `json:"status"`
	Server    ServerInfo     `json:"server"`
	Router    router.Status  `json:"router"`
	MQTT      *emitter.Stats `json:"mqtt,omitempty"`
	Viewer    string         `json:"viewer"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryResponse はデプロイ履歴の応答
type HistoryResponse struct {
	Source  string                `json:"source"`
	Entries []deploy.HistoryEntry `json:"entries"`
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// requireObserver は管理者トークンを要求するミドルウェア
func (s *Server) requireObserver() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "Authorizationヘッダーがありません")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "Authorizationヘッダーの形式が不正です")
			return
		}

		identity, err := s.authn.Authenticate(c.Request.Context(), strings.TrimSpace(parts[1]))
		if err != nil {
			respondError(c, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		if identity.Role != session.RoleObserver {
			respondError(c, http.StatusForbidden, "forbidden", "管理者権限が必要です")
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	identity, err := identityFrom(c)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	resp := StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host:   s.config.Server.Host,
			Port:   s.config.Server.Port,
			Uptime: time.Since(s.startedAt).Truncate(time.Second).String(),
		},
		Router:    s.coordinator.Status(),
		Viewer:    identity.Subject,
		Timestamp: time.Now(),
	}
	if s.emitter != nil {
		stats := s.emitter.Stats()
		resp.MQTT = &stats
	}
	c.JSON(http.StatusOK, resp)
}

// handleCameras は接続中のカメラ一覧
func (s *Server) handleCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": s.coordinator.Cameras()})
}

// handleDeployments はデプロイ中のカメラ一覧
func (s *Server) handleDeployments(c *gin.Context) {
	records := s.authorizer.Deployed()
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeployedAt.Before(records[j].DeployedAt)
	})
	c.JSON(http.StatusOK, gin.H{"deployments": records})
}

// handleHistory はデプロイ履歴。永続化先があればそちらから読む
func (s *Server) handleHistory(c *gin.Context) {
	limit := s.config.Router.HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit は正の整数で指定してください")
			return
		}
		limit = n
	}

	if s.audit != nil {
		entries, err := s.audit.Recent(c.Request.Context(), limit)
		if err != nil {
			s.log.WithError(err).Warn("デプロイ履歴の取得に失敗")
			respondError(c, http.StatusInternalServerError, "history_unavailable", "デプロイ履歴を取得できません")
			return
		}
		c.JSON(http.StatusOK, HistoryResponse{Source: "audit", Entries: nonNil(entries)})
		return
	}

	c.JSON(http.StatusOK, HistoryResponse{Source: "memory", Entries: nonNil(s.authorizer.History(limit))})
}

func nonNil(entries []deploy.HistoryEntry) []deploy.HistoryEntry {
	if entries == nil {
		return []deploy.HistoryEntry{}
	}
	return entries
}

// identityFrom はミドルウェアが設定した認証情報を取り出す
func identityFrom(c *gin.Context) (auth.Identity, error) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, errors.New("identity not set")
	}
	identity, ok := v.(auth.Identity)
	if !ok {
		return auth.Identity{}, errors.New("identity has unexpected type")
	}
	return identity, nil
}
