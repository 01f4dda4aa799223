package http

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradecouncil/tradecouncil/internal/application"
	"github.com/tradecouncil/tradecouncil/internal/domain/dd"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	apperrors "github.com/tradecouncil/tradecouncil/pkg/errors"
	"go.uber.org/zap"
)

// statusFor 错误 → HTTP 状态码。会话哨兵错误优先，其余按错误码归类。
func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrSessionLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, entity.ErrInvalidSessionKind):
		return http.StatusBadRequest
	}
	switch apperrors.CodeOf(err) {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeSchemaViolation, apperrors.CodePrecondition, apperrors.CodePermanentRemote:
		return http.StatusBadRequest
	case apperrors.CodeTransientRemote, apperrors.CodeServiceUnavail:
		return http.StatusServiceUnavailable
	case apperrors.CodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sessionHandler REST 会话控制面
type sessionHandler struct {
	app    *application.App
	logger *zap.Logger
}

func newSessionHandler(app *application.App, logger *zap.Logger) *sessionHandler {
	return &sessionHandler{
		app:    app,
		logger: logger.With(zap.String("component", "session-handler")),
	}
}

// createSessionRequest 创建会话请求体
type createSessionRequest struct {
	Kind        entity.SessionKind    `json:"kind" binding:"required"`
	ProjectName string                `json:"project_name,omitempty"`
	Document    string                `json:"document,omitempty"`
	Profile     *dd.PreferenceProfile `json:"profile,omitempty"`
	Symbol      string                `json:"symbol,omitempty"`
	Language    string                `json:"language,omitempty"`
	Config      *entity.SessionConfig `json:"config,omitempty"`
}

func (h *sessionHandler) create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var session *application.Session
	var err error
	switch req.Kind {
	case entity.SessionDD:
		ddReq := application.DDRequest{
			ProjectName: req.ProjectName,
			Document:    req.Document,
			Language:    req.Language,
		}
		if req.Profile != nil {
			ddReq.Profile = *req.Profile
		}
		if req.Config != nil {
			ddReq.Config = *req.Config
		}
		// REST 创建的会话没有推送通道，进度经 GET /sessions/:id 轮询
		session, err = h.app.StartDD(ddReq, nil)
	case entity.SessionRoundtableAnalysis, entity.SessionRoundtableTrading:
		rtReq := application.RoundtableRequest{
			Kind:     req.Kind,
			Symbol:   req.Symbol,
			Language: req.Language,
		}
		if req.Config != nil {
			rtReq.Config = *req.Config
		}
		session, err = h.app.StartRoundtable(rtReq)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session kind"})
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, session.Snapshot())
}

func (h *sessionHandler) list(c *gin.Context) {
	infos := h.app.Sessions().List()
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	c.JSON(http.StatusOK, gin.H{"sessions": infos})
}

func (h *sessionHandler) get(c *gin.Context) {
	session, err := h.app.Sessions().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, session.Snapshot())
}

// hitlRequest 人工检查点控制
type hitlRequest struct {
	Action   string `json:"action" binding:"required"` // resume | cancel
	Feedback string `json:"feedback,omitempty"`
}

func (h *sessionHandler) hitl(c *gin.Context) {
	var req hitlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.app.ResumeDD(c.Param("id"), entity.HITLSignal{
		Action:   entity.HITLAction(req.Action),
		Feedback: req.Feedback,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *sessionHandler) cancel(c *gin.Context) {
	session, err := h.app.Sessions().Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	session.Cancel()
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (h *sessionHandler) account(c *gin.Context) {
	acct, err := h.app.Trader().GetAccount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pos, err := h.app.Trader().GetPosition(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct, "position": pos})
}

func (h *sessionHandler) signals(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	signals, err := h.app.Snapshots().Signals(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (h *sessionHandler) snapshots(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	snaps, err := h.app.Snapshots().List(c.Request.Context(), entity.SessionKind(c.Query("kind")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (h *sessionHandler) cycles(c *gin.Context) {
	scheduler := h.app.Scheduler()
	if scheduler == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "cycles": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"running": scheduler.Running(),
		"cycles":  scheduler.Log(),
	})
}

func (h *sessionHandler) configDump(c *gin.Context) {
	dump, err := h.app.ConfigDump()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, dump)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if s := c.Query(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
