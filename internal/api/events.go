package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/permission"
)

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 2 * pingInterval
)

// EventsPermission 是订阅事件流所需的权限。事件负载包含所有用户的任务与工具数据。
const EventsPermission = "events:read"

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin 接受无 Origin 的非浏览器客户端、同源请求以及 AllowedOrigins 中显式列出的来源。
// 通配符 "*" 只作用于 CORS，不放开 websocket。
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.deps.AllowedOrigins {
		if allowed != "*" && strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamEvent 是推送给客户端的事件格式。
type streamEvent struct {
	Topic   string    `json:"topic"`
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// handleEvents 把事件总线上的事件推送到 websocket。
// 调用者需要 events:read 权限。topic 查询参数按逗号分隔过滤主题。总线同步投递，缓冲区满时丢弃事件而不阻塞发布者。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "事件总线未初始化")
		return
	}
	if err := permission.SubjectFromContext(r.Context()).Authorize(EventsPermission); err != nil {
		writeError(w, err)
		return
	}
	topics := map[string]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("topic"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics[t] = true
		}
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()

	events := make(chan streamEvent, eventBuffer)
	var dropped atomic.Int64
	untap := s.deps.Bus.Tap(func(topic, name string, payload any, at time.Time) {
		if len(topics) > 0 && !topics[topic] {
			return
		}
		select {
		case events <- streamEvent{Topic: topic, Event: name, Payload: payload, Time: at}:
		default:
			dropped.Add(1)
		}
	})
	defer untap()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			s.logger.Debug("事件流客户端断开", slog.Int64("dropped", dropped.Load()))
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
