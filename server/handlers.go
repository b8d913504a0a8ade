package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/client"
	"taskboard/domain"
	"taskboard/store"
)

const (
	maxBodySize      = 64 * 1024
	defaultHeartbeat = 15 * time.Second

	ctxUser   = "board.user"
	ctxBearer = "board.bearer"
)

// Authenticator resolves the board user from an Authorization header.
type Authenticator interface {
	UserFromHeader(string) (domain.User, string, error)
}

type handlers struct {
	sessions  *Sessions
	auth      Authenticator
	dedupe    Deduper
	logger    *log.Logger
	heartbeat time.Duration
}

type boardResponse struct {
	User        domain.User        `json:"user"`
	Version     uint64             `json:"version"`
	Columns     []store.Column     `json:"columns"`
	Affordances domain.Affordances `json:"affordances"`
	ModalOpen   bool               `json:"modalOpen"`
}

type modalRequest struct {
	Open bool `json:"open"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Register wires the board routes on e. A nil deduper keeps submission keys
// in process.
func Register(e *echo.Echo, sessions *Sessions, auth Authenticator, dedupe Deduper, logger *log.Logger) {
	if dedupe == nil {
		dedupe = NewMemoryDeduper(DefaultDedupeTTL)
	}
	h := &handlers{sessions: sessions, auth: auth, dedupe: dedupe, logger: logger, heartbeat: defaultHeartbeat}
	h.register(e)
}

func (h *handlers) register(e *echo.Echo) {
	e.GET("/healthz", healthz)

	g := e.Group("/board", h.authenticate)
	g.GET("", h.getBoard)
	g.POST("/drag", h.postDrag)
	g.POST("/modal", h.postModal)
	g.POST("/tasks", h.postTask)
	g.DELETE("/tasks/:id", h.deleteTask)
	g.POST("/refresh", h.postRefresh)
	g.GET("/stream", h.stream)
	g.DELETE("/session", h.deleteSession)
	g.GET("/admin", h.getAdmin)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (h *handlers) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user, bearer, err := h.auth.UserFromHeader(bearerFromRequest(c))
		if err != nil {
			return unauthorized(c, err)
		}
		c.Set(ctxUser, user)
		c.Set(ctxBearer, bearer)
		return next(c)
	}
}

func userOf(c echo.Context) domain.User {
	u, _ := c.Get(ctxUser).(domain.User)
	return u
}

// view returns the caller's mounted board, mounting it on first use.
func (h *handlers) view(c echo.Context) (*board.View, error) {
	bearer, _ := c.Get(ctxBearer).(string)
	v, err := h.sessions.Acquire(c.Request().Context(), userOf(c), bearer)
	if err != nil {
		h.logger.WithError(err).WithField("user", userOf(c).ID).Error("mount board failed")
		return nil, c.JSON(http.StatusBadGateway, errorResponse{Error: "board unavailable"})
	}
	return v, nil
}

func snapshot(v *board.View) boardResponse {
	s := v.Store()
	return boardResponse{
		User:        v.User(),
		Version:     s.Version(),
		Columns:     s.Columns(),
		Affordances: v.Affordances(),
		ModalOpen:   v.Form().IsOpen(),
	}
}

func decodeBody(c echo.Context, dst any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	return dec.Decode(dst)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func (h *handlers) getBoard(c echo.Context) error {
	v, err := h.view(c)
	if v == nil {
		return err
	}
	return c.JSON(http.StatusOK, snapshot(v))
}

func (h *handlers) postDrag(c echo.Context) error {
	var res board.DragResult
	if err := decodeBody(c, &res); err != nil {
		return badRequest(c, "invalid body")
	}
	v, err := h.view(c)
	if v == nil {
		return err
	}
	if _, err := v.HandleDrag(c.Request().Context(), res); err != nil {
		if errors.Is(err, board.ErrUnknownColumn) {
			return badRequest(c, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) postModal(c echo.Context) error {
	var req modalRequest
	if err := decodeBody(c, &req); err != nil {
		return badRequest(c, "invalid body")
	}
	v, err := h.view(c)
	if v == nil {
		return err
	}
	if req.Open {
		v.Form().Open()
	} else {
		v.Form().Close()
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) postTask(c echo.Context) error {
	var form domain.NewTaskForm
	if err := decodeBody(c, &form); err != nil {
		return badRequest(c, "invalid body")
	}
	v, err := h.view(c)
	if v == nil {
		return err
	}

	ctx := c.Request().Context()
	userID := userOf(c).ID
	key := strings.TrimSpace(c.Request().Header.Get(client.HeaderIdempotencyKey))
	if key != "" {
		added, derr := h.dedupe.Add(ctx, userID, key)
		switch {
		case derr != nil:
			h.logger.WithError(derr).WithField("user", userID).Warn("dedupe lookup failed")
		case !added:
			h.logger.WithFields(log.Fields{"user": userID, "key": key}).Debug("duplicate task submission")
			return c.NoContent(http.StatusAccepted)
		}
		ctx = client.WithIdempotencyKey(ctx, key)
	}

	err = v.Form().Submit(ctx, form)
	if err != nil && key != "" {
		if rerr := h.dedupe.Remove(ctx, userID, key); rerr != nil {
			h.logger.WithError(rerr).WithField("user", userID).Warn("dedupe rollback failed")
		}
	}
	var verr *domain.ValidationError
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "invalid task", Fields: verr.Fields})
	default:
		return upstreamError(c, err)
	}
}

func (h *handlers) deleteTask(c echo.Context) error {
	id := domain.NewID(strings.TrimSpace(c.Param("id")))
	if id.IsZero() {
		return badRequest(c, client.ErrMissingID.Error())
	}
	v, err := h.view(c)
	if v == nil {
		return err
	}
	confirmed := c.QueryParam("confirm") == "true"
	err = v.Delete(c.Request().Context(), id, board.ConfirmFunc(func(domain.ID) bool { return confirmed }))
	switch {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, board.ErrForbidden):
		return c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, board.ErrNotConfirmed):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		return upstreamError(c, err)
	}
}

func (h *handlers) postRefresh(c echo.Context) error {
	v, err := h.view(c)
	if v == nil {
		return err
	}
	if err := v.Refresh(c.Request().Context()); err != nil {
		return upstreamError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) deleteSession(c echo.Context) error {
	h.sessions.Release(userOf(c).ID)
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) getAdmin(c echo.Context) error {
	if !userOf(c).Affordances().CanAccessAdminPanel {
		return c.JSON(http.StatusForbidden, errorResponse{Error: "admin only"})
	}
	return c.JSON(http.StatusNotImplemented, errorResponse{Error: "admin panel not available"})
}

func upstreamError(c echo.Context, err error) error {
	resp := errorResponse{Error: "task api request failed"}
	var serr *client.StatusError
	if errors.As(err, &serr) {
		resp.Error = serr.Error()
	}
	return c.JSON(http.StatusBadGateway, resp)
}
