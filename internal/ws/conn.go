package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Mohamedrebhi/videmaison/internal/auth"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxFrame   = 64 << 10
)

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uint
	role   string
	// rooms 只在 Hub.run 中读写。
	rooms map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn, userID uint, role string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		role:   role,
		rooms:  make(map[string]bool),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CanJoin 判断用户能否加入房间：自己的私有房间，或管理员加入 admin 房间。
func CanJoin(userID uint, role, room string) bool {
	if room == strconv.FormatUint(uint64(userID), 10) {
		return true
	}
	return room == protocol.AdminRoom && role == auth.RoleAdmin
}

// Serve 升级为 WebSocket。令牌通过 token 查询参数或 Authorization 头传入。
func Serve(h *Hub, db *gorm.DB, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c)
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := auth.Authenticate(db, secret, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, user.ID, user.Role)
		if !h.addClient(client) {
			_ = conn.Close()
			return
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		switch env.Event {
		case protocol.EventJoin:
			var j protocol.Join
			if err := json.Unmarshal(env.Data, &j); err != nil {
				continue
			}
			if !CanJoin(c.userID, c.role, j.UserID) {
				log.Warn().Uint("user_id", c.userID).Str("room", j.UserID).Msg("ws join rejected")
				continue
			}
			c.hub.joinRoom(c, j.UserID)
		default:
			log.Debug().Str("event", env.Event).Msg("ws ignoring client event")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
