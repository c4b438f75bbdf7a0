package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"guardx/internal/wire"
)

var (
	// ErrSendBufferFull は送信キューが満杯であることを表す
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed は接続が既に閉じられていることを表す
	ErrConnClosed = errors.New("connection closed")
)

const writeWait = 5 * time.Second

// wsClient はWebSocket接続の送信側。書き込みは writePump だけが行う
type wsClient struct {
	conn  *websocket.Conn
	codec wire.Codec
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string
}

func newWSClient(conn *websocket.Conn, codec wire.Codec, buffer int) *wsClient {
	return &wsClient{
		conn:      conn,
		codec:     codec,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
}

// Send はメッセージを送信キューに入れる。キューが満杯ならエラーを返す
func (c *wsClient) Send(env wire.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Close は接続を閉じる。何度呼んでもよい
func (c *wsClient) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith はクローズコードを指定して接続を閉じる
func (c *wsClient) closeWith(code int, text string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
	return nil
}

// writePump は送信キューの内容を書き込み、定期的にpingを送る
func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// newUpgrader は設定に従ってオリジンを検査するUpgraderを作成する
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// tokenFromRequest はクエリまたはAuthorizationヘッダーからトークンを取り出す
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// handleSocket はWebSocket接続を受け付け、切断まで受信ループを回す
func (s *Server) handleSocket(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		respondError(c, http.StatusBadRequest, "upgrade_required", "WebSocketへのアップグレードが必要です")
		return
	}

	codec, err := wire.CodecByName(c.Query("codec"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unknown_codec", err.Error())
		return
	}
	token := tokenFromRequest(c.Request)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade がエラー応答を書き込み済み
		s.log.WithError(err).Debug("WebSocketへのアップグレードに失敗")
		return
	}

	id := uuid.NewString()
	client := newWSClient(conn, codec, s.config.Server.SendBuffer)

	s.wg.Add(1)
	defer s.wg.Done()
	go client.writePump(s.config.Server.PingInterval)

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	if _, err := s.coordinator.Connect(ctx, id, token, client); err != nil {
		client.closeWith(websocket.ClosePolicyViolation, "unauthorized")
		return
	}
	defer s.coordinator.Disconnect(id)
	defer client.Close()

	log := s.log.WithFields(logrus.Fields{"session_id": id, "codec": codec.Name()})

	pongWait := s.config.Server.PongWait
	conn.SetReadLimit(s.config.Server.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("WebSocketの読み込みを終了します")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		in, err := codec.Decode(data)
		if err != nil {
			log.WithError(err).Debug("不正なメッセージを無視しました")
			continue
		}
		if err := s.coordinator.Dispatch(ctx, id, in); err != nil {
			log.WithField("event", in.Event).WithError(err).Debug("メッセージの処理に失敗しました")
		}
		// 処理中はpongを読めないので、期限は次の読み込み待ちから数える
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
