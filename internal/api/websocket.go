// internal/api/websocket.go
package api

import (
	"net/http"
	"time"

	"github.com/Corphon/StoryboardMCP/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 在生产环境中应该进行更严格的检查
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ProgressWebSocket 订阅任务进度并推送给客户端
// 任务结束（完成/失败/取消）后推送最终状态并关闭连接
func (h *Handler) ProgressWebSocket(c *gin.Context) {
	taskID := c.Param("taskId")
	tracker, ok := h.Progress.GetTracker(taskID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Error("WebSocket升级失败", map[string]interface{}{
			"taskId": taskID, "error": err.Error(),
		})
		return
	}
	defer conn.Close()

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 读取循环只为感知客户端断开
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
			if update.Status != "running" {
				// 最终状态已送达
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, update.Status))
				return
			}
		case <-tracker.Done:
			// 订阅前任务已结束时推送一次最终状态
			state := tracker.Snapshot()
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteJSON(map[string]interface{}{
				"progress": state.Progress,
				"message":  state.Message,
				"status":   state.Status,
			})
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}
