package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/einen2021/vision365-web/internal/session"
)

const (
	streamEventState     = "state"
	streamEventHeartbeat = "heartbeat"
	streamEventClosed    = "closed"
)

var (
	errMissingPath   = errors.New("path required")
	errMissingValue  = errors.New("value required")
	errNoticeUnknown = errors.New("notice not found")
)

type selectCommunityPayload struct {
	Community string `json:"community"`
}

type selectBuildingPayload struct {
	Building string `json:"building"`
}

type mutationPayload struct {
	Path  string `json:"path"`
	Value *bool  `json:"value"`
}

type togglePayload struct {
	Path string `json:"path"`
}

// sessionFor loads the session named in the route for the caller, responding on failure.
func (h *httpHandler) sessionFor(c *gin.Context, operation string) (*session.Controller, bool) {
	controller, err := h.sessions.Get(c.Param("session"), identityFrom(c).Email)
	if err != nil {
		h.respondError(c, operation, err)
		return nil, false
	}
	return controller, true
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	controller, err := h.sessions.Open(c.Request.Context(), identityFrom(c))
	if err != nil {
		h.respondError(c, opOpenSession, err)
		return
	}
	c.JSON(http.StatusCreated, controller.State(c.Request.Context()))
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	if err := h.sessions.Close(c.Param("session"), identityFrom(c).Email); err != nil {
		h.respondError(c, opCloseSession, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSelectCommunity(c *gin.Context) {
	controller, ok := h.sessionFor(c, opSelectCommunity)
	if !ok {
		return
	}
	var request selectCommunityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, opSelectCommunity, newServiceError(opSelectCommunity, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	if _, err := controller.SelectCommunity(c.Request.Context(), request.Community); err != nil {
		h.respondError(c, opSelectCommunity, err)
		return
	}
	c.JSON(http.StatusOK, controller.State(c.Request.Context()))
}

func (h *httpHandler) handleSelectBuilding(c *gin.Context) {
	controller, ok := h.sessionFor(c, opSelectBuilding)
	if !ok {
		return
	}
	var request selectBuildingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, opSelectBuilding, newServiceError(opSelectBuilding, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	if err := controller.SelectBuilding(c.Request.Context(), request.Building); err != nil {
		h.respondError(c, opSelectBuilding, err)
		return
	}
	c.JSON(http.StatusOK, controller.State(c.Request.Context()))
}

func (h *httpHandler) handleSessionView(c *gin.Context) {
	controller, ok := h.sessionFor(c, opSessionView)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, controller.State(c.Request.Context()))
}

func (h *httpHandler) handleMutate(c *gin.Context) {
	controller, ok := h.sessionFor(c, opMutate)
	if !ok {
		return
	}
	var request mutationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, opMutate, newServiceError(opMutate, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	if strings.TrimSpace(request.Path) == "" {
		h.respondError(c, opMutate, newServiceError(opMutate, reasonInvalidInput, http.StatusBadRequest, errMissingPath))
		return
	}
	if request.Value == nil {
		h.respondError(c, opMutate, newServiceError(opMutate, reasonInvalidInput, http.StatusBadRequest, errMissingValue))
		return
	}
	outcome, err := controller.Mutate(c.Request.Context(), request.Path, *request.Value)
	if err != nil {
		h.respondError(c, opMutate, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleToggle(c *gin.Context) {
	controller, ok := h.sessionFor(c, opToggle)
	if !ok {
		return
	}
	var request togglePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		h.respondError(c, opToggle, newServiceError(opToggle, reasonInvalidInput, http.StatusBadRequest, errMissingPath))
		return
	}
	outcome, err := controller.Toggle(c.Request.Context(), request.Path)
	if err != nil {
		h.respondError(c, opToggle, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleDismissNotice(c *gin.Context) {
	controller, ok := h.sessionFor(c, opDismissNotice)
	if !ok {
		return
	}
	if !controller.DismissNotice(c.Param("notice")) {
		h.respondError(c, opDismissNotice, newServiceError(opDismissNotice, reasonNotFound, http.StatusNotFound, errNoticeUnknown))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSessionStream pushes the session state as server-sent events: once on connect, again
// after every change, and a heartbeat while idle. The stream ends with a closed event when the
// session does.
func (h *httpHandler) handleSessionStream(c *gin.Context) {
	controller, ok := h.sessionFor(c, opSessionStream)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	events, stop := controller.Watch(ctx)
	defer stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(streamEventState, controller.State(ctx))
	c.Writer.Flush()

	closed := func() {
		c.SSEvent(streamEventClosed, gin.H{"sessionId": controller.ID()})
		c.Writer.Flush()
	}
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-controller.Done():
			closed()
			return
		case event, open := <-events:
			if !open || event.Type == session.EventClosed {
				closed()
				return
			}
			c.SSEvent(streamEventState, controller.State(ctx))
		case tick := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
		}
		c.Writer.Flush()
	}
}
