// Package api 提供请求拦截网关的管理 HTTP API 处理程序。
// 该文件实现了执行日志的 WebSocket 实时推送。
package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/oriys/trellis/internal/domain"
	"github.com/oriys/trellis/internal/execlog"
)

// LogStreamHandler 是执行日志实时推送的处理器结构体。
// 订阅日志汇聚器的内存广播，把每条钩子执行记录实时推给
// WebSocket 客户端，供控制台做在线调试。
type LogStreamHandler struct {
	broadcaster *execlog.Broadcaster
	logger      *logrus.Logger

	// WebSocket 升级器
	upgrader websocket.Upgrader
}

// NewLogStreamHandler 创建日志推送处理器。
func NewLogStreamHandler(broadcaster *execlog.Broadcaster, logger *logrus.Logger) *LogStreamHandler {
	return &LogStreamHandler{
		broadcaster: broadcaster,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// Stream 实时执行日志流 WebSocket。
// HTTP端点: GET /api/v1/logs/stream
//
// 查询参数：
//   - extension_id: 可选，只推送指定扩展的执行记录
func (h *LogStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	// 获取可选的过滤参数
	filterExtensionID := r.URL.Query().Get("extension_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// 创建订阅通道并订阅全局广播
	logChan := make(chan *domain.ExecutionLogEntry, 100)
	if h.broadcaster != nil {
		h.broadcaster.Subscribe(logChan)
		defer h.broadcaster.Unsubscribe(logChan)
	}

	// 监听客户端关闭
	done := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	// 发送日志
	for {
		select {
		case <-done:
			return
		case entry := <-logChan:
			// 如果指定了过滤条件，则进行过滤
			if filterExtensionID != "" && entry.ExtensionID != filterExtensionID {
				continue
			}

			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
