package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"narrative-engine/internal/middleware"
	"narrative-engine/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время ожидания следующего pong от клиента.
	pongWait = 60 * time.Second
	// Должно быть меньше pongWait.
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendQueueSize  = 256
)

// Типы сообщений ленты.
const (
	msgSnapshot = "snapshot"
	msgUpsert   = "upsert"
	msgRemove   = "remove"
)

// FeedMessage is one frame pushed to a websocket client.
type FeedMessage struct {
	Type     string          `json:"type"`
	Feed     *models.Feed    `json:"feed,omitempty"`
	Stories  []*models.Story `json:"stories,omitempty"`
	StoryID  uuid.UUID       `json:"story_id,omitempty"`
	Revision int64           `json:"revision,omitempty"`
	Story    *models.Story   `json:"story,omitempty"`
}

// FeedHub отдаёт живые ленты историй по websocket.
type FeedHub struct {
	source   FeedSource
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewFeedHub(source FeedSource, allowedOrigins []string, logger *zap.Logger) *FeedHub {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return &FeedHub{
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
		logger: logger.Named("FeedHub"),
	}
}

// RegisterRoutes mounts GET /api/v1/ws behind auth.
func (h *FeedHub) RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	router.GET("/api/v1/ws", auth, h.ServeWS)
}

// parseFeeds reads ?feeds=private,participant,public. Default: private and participant.
func parseFeeds(raw string, accountID uuid.UUID) ([]models.Feed, bool) {
	if raw == "" {
		raw = "private,participant"
	}
	seen := make(map[models.FeedKind]bool)
	var feeds []models.Feed
	for _, part := range strings.Split(raw, ",") {
		kind := models.FeedKind(strings.ToLower(strings.TrimSpace(part)))
		if seen[kind] {
			continue
		}
		seen[kind] = true
		switch kind {
		case models.FeedPublic:
			feeds = append(feeds, models.PublicFeed())
		case models.FeedPrivate:
			feeds = append(feeds, models.PrivateFeed(accountID))
		case models.FeedParticipant:
			feeds = append(feeds, models.ParticipantFeed(accountID))
		default:
			return nil, false
		}
	}
	return feeds, len(feeds) > 0
}

// ServeWS upgrades the connection and streams feed changes until the client
// goes away.
func (h *FeedHub) ServeWS(c *gin.Context) {
	accountID, ok := middleware.UserID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Unauthorized", Code: "unauthorized"})
		return
	}
	feeds, ok := parseFeeds(c.Query("feeds"), accountID)
	if !ok {
		badRequest(c, "feeds must be a list of public, private, participant")
		return
	}
	log := h.logger.With(zap.Stringer("accountID", accountID))

	// 1. Подписываемся на ленты до апгрейда, чтобы ошибка ушла обычным ответом.
	var releases []func()
	releaseAll := func() {
		for _, r := range releases {
			r()
		}
	}
	for _, feed := range feeds {
		release, err := h.source.Watch(c.Request.Context(), feed)
		if err != nil {
			releaseAll()
			log.Error("Failed to watch feed", zap.String("feed", feed.Key()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIError{Message: "feed unavailable", Code: "feed_unavailable"})
			return
		}
		releases = append(releases, release)
	}

	// 2. Слушатель регистрируется до снимка, изменения между ними не теряются.
	changes, stop := h.source.Changes()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		stop()
		releaseAll()
		log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	wsConnections.Inc()
	log.Info("WebSocket feed connection established", zap.Int("feeds", len(feeds)))

	cl := &feedClient{
		conn:   conn,
		send:   make(chan FeedMessage, sendQueueSize),
		feeds:  feeds,
		known:  make(map[uuid.UUID]struct{}),
		logger: log,
	}
	ctx, cancel := context.WithCancel(context.Background())

	// 3. Начальные снимки.
	for i := range feeds {
		feed := feeds[i]
		stories := h.source.List(feed)
		for _, s := range stories {
			cl.known[s.ID] = struct{}{}
		}
		cl.enqueue(FeedMessage{Type: msgSnapshot, Feed: &feed, Stories: stories})
	}

	go cl.writePump(ctx)
	go func() {
		defer func() {
			stop()
			releaseAll()
			wsConnections.Dec()
		}()
		cl.forward(ctx, changes)
	}()
	go func() {
		cl.readPump()
		cancel()
	}()
}

type feedClient struct {
	conn   *websocket.Conn
	send   chan FeedMessage
	feeds  []models.Feed
	known  map[uuid.UUID]struct{} // истории, которые клиент сейчас видит
	logger *zap.Logger
}

func (cl *feedClient) matches(s *models.Story) bool {
	for _, f := range cl.feeds {
		if f.Matches(s) {
			return true
		}
	}
	return false
}

func (cl *feedClient) enqueue(msg FeedMessage) {
	select {
	case cl.send <- msg:
	default:
		wsMessagesDropped.Inc()
		cl.logger.Warn("Send queue is full, message dropped", zap.String("type", msg.Type))
	}
}

// forward turns cache change events into client frames. Only this goroutine
// touches known after the initial snapshot.
func (cl *feedClient) forward(ctx context.Context, changes <-chan models.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			_, wasKnown := cl.known[ev.StoryID]
			switch {
			case !ev.Deleted && ev.Story != nil && cl.matches(ev.Story):
				cl.known[ev.StoryID] = struct{}{}
				cl.enqueue(FeedMessage{Type: msgUpsert, StoryID: ev.StoryID, Revision: ev.Revision, Story: ev.Story})
			case wasKnown:
				// удалена или ушла из всех лент клиента
				delete(cl.known, ev.StoryID)
				cl.enqueue(FeedMessage{Type: msgRemove, StoryID: ev.StoryID, Revision: ev.Revision})
			}
		}
	}
}

func (cl *feedClient) readPump() {
	defer func() { _ = cl.conn.Close() }()
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				cl.logger.Warn("WebSocket read error", zap.Error(err))
			} else {
				cl.logger.Info("WebSocket connection closed")
			}
			return
		}
		// клиент ничего не присылает, входящие кадры игнорируются
	}
}

func (cl *feedClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = cl.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
			return
		case msg := <-cl.send:
			data, err := json.Marshal(msg)
			if err != nil {
				cl.logger.Error("Failed to encode feed message", zap.Error(err))
				continue
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.logger.Warn("Failed to write message", zap.Error(err))
				return
			}
			wsMessagesSent.WithLabelValues(msg.Type).Inc()
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
