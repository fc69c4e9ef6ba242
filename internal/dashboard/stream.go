package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"spreadmatrix/internal/cache"
	"spreadmatrix/internal/spread"
	"spreadmatrix/logger"
)

const (
	streamWriteTimeout = time.Second
	streamPongTimeout  = 35 * time.Second
	streamPingInterval = 20 * time.Second
	streamQueue        = 4
)

type subscriber struct {
	mu     sync.Mutex
	asset  string
	send   chan []byte
	closed bool
}

func (s *subscriber) setAsset(asset string) {
	s.mu.Lock()
	s.asset = asset
	s.mu.Unlock()
}

func (s *subscriber) currentAsset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asset
}

// offer queues a frame, dropping it when the client is not keeping up.
func (s *subscriber) offer(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// streamHub pushes the latest snapshot of each subscribed asset after every
// cache refresh.
type streamHub struct {
	server   *Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}

	listener cache.ListenerID
}

func newStreamHub(s *Server) *streamHub {
	h := &streamHub{
		server: s,
		subs:   make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return s.allowOrigin(r.Header.Get("Origin")) },
		},
	}
	h.listener = s.table.OnRefresh(h.broadcast)
	return h
}

func (h *streamHub) close() {
	h.server.table.RemoveListener(h.listener)
	h.mu.Lock()
	for sub := range h.subs {
		sub.shutdown()
		delete(h.subs, sub)
	}
	h.mu.Unlock()
}

func (h *streamHub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.shutdown()
}

// frame renders the latest snapshot of asset as a JSON message.
func (h *streamHub) frame(asset string) ([]byte, error) {
	obs := h.server.table.Observations()
	asset = h.server.resolveAsset(obs, asset)
	payload := snapshotPayload{Status: statusEmpty, Message: spread.ErrEmptyInput.Error(), Asset: asset}
	if at, ok := spread.LatestTimestamp(obs, asset); ok {
		snap, err := spread.BuildSnapshot(obs, spread.SnapshotQuery{Asset: asset, At: at, Window: h.server.display.SnapshotWindow})
		if err == nil {
			payload = buildSnapshotPayload(snap, h.server.table.Location())
		}
	}
	return json.Marshal(payload)
}

func (h *streamHub) broadcast(ev cache.RefreshEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		return
	}

	frames := make(map[string][]byte)
	dropped := 0
	for sub := range h.subs {
		asset := sub.currentAsset()
		frame, ok := frames[asset]
		if !ok {
			var err error
			if frame, err = h.frame(asset); err != nil {
				h.server.log.WithComponent("stream").WithError(err).Warn("failed to encode snapshot")
				continue
			}
			frames[asset] = frame
		}
		if !sub.offer(frame) {
			dropped++
		}
	}

	h.server.log.WithComponent("stream").WithFields(logger.Fields{
		"subscribers":  len(h.subs),
		"assets":       len(frames),
		"dropped":      dropped,
		"observations": ev.Observations,
	}).Debug("pushed snapshots")
}

type streamCommand struct {
	Asset string `json:"asset"`
}

// handleStream upgrades to a websocket and streams snapshots. Clients switch
// asset by sending {"asset": "..."}.
func (h *streamHub) handleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.server.log.WithComponent("stream").WithError(err).Debug("websocket upgrade failed")
		return
	}

	sub := &subscriber{asset: c.Query("asset"), send: make(chan []byte, streamQueue)}
	if frame, err := h.frame(sub.asset); err == nil {
		sub.offer(frame)
	}
	h.add(sub)

	go h.writeLoop(conn, sub)
	h.readLoop(conn, sub)
}

func (h *streamHub) readLoop(conn *websocket.Conn, sub *subscriber) {
	defer func() {
		h.remove(sub)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd streamCommand
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Asset == "" {
			continue
		}
		sub.setAsset(cmd.Asset)
		if frame, err := h.frame(cmd.Asset); err == nil {
			sub.offer(frame)
		}
	}
}

func (h *streamHub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
