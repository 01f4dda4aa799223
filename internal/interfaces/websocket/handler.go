package websocket

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tradecouncil/tradecouncil/internal/application"
	"github.com/tradecouncil/tradecouncil/internal/domain/dd"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
)

// 入站消息类型
const (
	TypeStartSession = "start_session"
	TypeSubscribe    = "subscribe"
	TypeHITL         = "hitl"
	TypePing         = "ping"
)

// 出站消息类型
const (
	TypeSessionStarted = "session_started"
	TypeProgress       = "progress"
	TypeBusMessage     = "message"
	TypeResult         = "result"
	TypeError          = "error"
	TypePong           = "pong"
)

// ClientMessage 入站信封
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// start_session
	Kind        entity.SessionKind    `json:"kind,omitempty"`
	ProjectName string                `json:"project_name,omitempty"`
	Document    string                `json:"document,omitempty"`
	Symbol      string                `json:"symbol,omitempty"`
	Language    string                `json:"language,omitempty"`
	Profile     *dd.PreferenceProfile `json:"profile,omitempty"`
	Config      *entity.SessionConfig `json:"config,omitempty"`

	// hitl
	Action   string `json:"action,omitempty"` // resume | cancel
	Feedback string `json:"feedback,omitempty"`
}

// ServerMessage 出站信封
type ServerMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Handler 会话驱动的 WebSocket 处理器
type Handler struct {
	app    *application.App
	hub    *Hub
	logger *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(app *application.App, hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{
		app:    app,
		hub:    hub,
		logger: logger.With(zap.String("component", "ws-handler")),
	}
}

// ServeWS 升级连接并启动读写泵
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h.hub,
		logger: h.logger,
	}
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		client.attach(sid)
	}
	h.hub.register(client)

	go client.writePump()
	go client.readPump(h.dispatch)
}

func (h *Handler) dispatch(c *Client, msg *ClientMessage) {
	switch msg.Type {
	case TypeStartSession:
		h.startSession(c, msg)
	case TypeSubscribe:
		h.subscribe(c, msg)
	case TypeHITL:
		h.hitl(c, msg)
	default:
		c.Send(&ServerMessage{Type: TypeError, Error: "unknown message type: " + msg.Type})
	}
}

func (h *Handler) startSession(c *Client, msg *ClientMessage) {
	var session *application.Session
	var err error

	switch msg.Kind {
	case entity.SessionDD:
		req := application.DDRequest{
			ProjectName: msg.ProjectName,
			Document:    msg.Document,
			Language:    msg.Language,
		}
		if msg.Profile != nil {
			req.Profile = *msg.Profile
		}
		if msg.Config != nil {
			req.Config = *msg.Config
		}
		sink := entity.ProgressSinkFunc(func(ev entity.ProgressEvent) {
			h.hub.SendToSession(ev.SessionID, &ServerMessage{
				Type:      TypeProgress,
				SessionID: ev.SessionID,
				Payload:   ev,
			})
		})
		session, err = h.app.StartDD(req, sink)
	case entity.SessionRoundtableAnalysis, entity.SessionRoundtableTrading:
		rtReq := application.RoundtableRequest{
			Kind:     msg.Kind,
			Symbol:   msg.Symbol,
			Language: msg.Language,
		}
		if msg.Config != nil {
			rtReq.Config = *msg.Config
		}
		session, err = h.app.StartRoundtable(rtReq)
	default:
		c.Send(&ServerMessage{Type: TypeError, Error: "invalid session kind"})
		return
	}
	if err != nil {
		c.Send(&ServerMessage{Type: TypeError, Error: err.Error()})
		return
	}

	c.attach(session.ID)
	h.watchSession(session)

	c.Send(&ServerMessage{
		Type:      TypeSessionStarted,
		SessionID: session.ID,
		Payload:   session.Snapshot(),
	})
}

// watchSession 转发总线消息并在会话结束时推送最终结果
func (h *Handler) watchSession(session *application.Session) {
	lastID := int64(0)
	sessionID := session.ID

	safego.Go(h.logger, "ws-session-relay-"+sessionID, func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-session.Done():
				h.flush(sessionID, session, &lastID)
				h.hub.SendToSession(sessionID, &ServerMessage{
					Type:      TypeResult,
					SessionID: sessionID,
					Payload:   session.Snapshot(),
				})
				return
			case <-ticker.C:
				h.flush(sessionID, session, &lastID)
			}
		}
	})
}

func (h *Handler) flush(sessionID string, session *application.Session, lastID *int64) {
	for _, m := range session.Bus.Replay(*lastID + 1) {
		h.hub.SendToSession(sessionID, &ServerMessage{
			Type:      TypeBusMessage,
			SessionID: sessionID,
			Payload:   m,
		})
		*lastID = m.ID
	}
}

func (h *Handler) subscribe(c *Client, msg *ClientMessage) {
	session, err := h.app.Sessions().Get(msg.SessionID)
	if err != nil {
		c.Send(&ServerMessage{Type: TypeError, Error: err.Error()})
		return
	}
	c.attach(session.ID)
	c.Send(&ServerMessage{
		Type:      TypeSessionStarted,
		SessionID: session.ID,
		Payload:   session.Snapshot(),
	})
}

func (h *Handler) hitl(c *Client, msg *ClientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.SessionID()
	}
	err := h.app.ResumeDD(sessionID, entity.HITLSignal{
		Action:   entity.HITLAction(msg.Action),
		Feedback: msg.Feedback,
	})
	if err != nil {
		c.Send(&ServerMessage{Type: TypeError, SessionID: sessionID, Error: err.Error()})
	}
}
