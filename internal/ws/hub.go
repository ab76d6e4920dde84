package ws

import (
	"sync/atomic"

	"github.com/Mohamedrebhi/videmaison/internal/metrics"
	"github.com/Mohamedrebhi/videmaison/internal/protocol"
	"github.com/rs/zerolog/log"
)

type membership struct {
	client *Client
	room   string
}

type outbound struct {
	room  string
	frame []byte
}

type sizeQuery struct {
	room  string
	reply chan int
}

// Hub 持有全部连接与房间成员关系，所有修改都在 run 协程中串行完成。
type Hub struct {
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	join       chan membership
	broadcast  chan outbound
	sizes      chan sizeQuery
	done       chan struct{}
	stopped    atomic.Bool
	online     int32
}

// NewHub 创建并启动 Hub。
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		broadcast:  make(chan outbound, 256),
		sizes:      make(chan sizeQuery),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			atomic.StoreInt32(&h.online, int32(len(h.clients)))
			metrics.WsConnections.Inc()
		case c := <-h.unregister:
			h.remove(c)
		case m := <-h.join:
			if !h.clients[m.client] {
				continue
			}
			members := h.rooms[m.room]
			if members == nil {
				members = make(map[*Client]bool)
				h.rooms[m.room] = members
			}
			members[m.client] = true
			m.client.rooms[m.room] = true
		case out := <-h.broadcast:
			for c := range h.rooms[out.room] {
				select {
				case c.send <- out.frame:
				default:
					log.Warn().Uint("user_id", c.userID).Str("room", out.room).Msg("ws send buffer full, dropping client")
					h.remove(c)
				}
			}
		case q := <-h.sizes:
			q.reply <- len(h.rooms[q.room])
		case <-h.done:
			for c := range h.clients {
				h.remove(c)
			}
			return
		}
	}
}

// remove 只能在 run 协程中调用。
func (h *Hub) remove(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	close(c.send)
	atomic.StoreInt32(&h.online, int32(len(h.clients)))
	metrics.WsConnections.Dec()
}

// Emit 把事件推送到房间内的全部连接，房间为空时直接丢弃。
func (h *Hub) Emit(room, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode realtime event")
		return
	}
	metrics.WsEventsTotal.WithLabelValues(event).Inc()
	select {
	case h.broadcast <- outbound{room: room, frame: frame}:
	case <-h.done:
	}
}

// Online 返回当前连接数。
func (h *Hub) Online() int { return int(atomic.LoadInt32(&h.online)) }

// RoomSize 返回房间当前的连接数。
func (h *Hub) RoomSize(room string) int {
	q := sizeQuery{room: room, reply: make(chan int, 1)}
	select {
	case h.sizes <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Stop 断开全部连接并结束 run 协程，可重复调用。
func (h *Hub) Stop() {
	if h.stopped.CompareAndSwap(false, true) {
		close(h.done)
	}
}

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) joinRoom(c *Client, room string) {
	select {
	case h.join <- membership{client: c, room: room}:
	case <-h.done:
	}
}
