package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/membership"
	"github.com/einen2021/vision365-web/internal/session"
)

const (
	buildingContextKey  = "vision365_building"
	defaultMessageLimit = 10
	maxMessageLimit     = 100
)

var (
	errAdminRequired   = errors.New("admin role required")
	errMissingName     = errors.New("name required")
	errMissingBuilding = errors.New("building required")
)

// requireAdmin admits only operators holding the admin role.
func (h *httpHandler) requireAdmin(c *gin.Context) {
	user, err := h.currentUser(c)
	if err != nil {
		h.respondError(c, opBuildingAccess, err)
		return
	}
	if !user.IsAdmin() {
		h.respondError(c, opBuildingAccess, newServiceError(opBuildingAccess, reasonForbidden, http.StatusForbidden, errAdminRequired))
		return
	}
	c.Next()
}

// authorizeBuilding admits admins to any building and everyone else to the buildings of their
// unfiltered membership.
func (h *httpHandler) authorizeBuilding(c *gin.Context) {
	buildingID := strings.TrimSpace(c.Param("building"))
	if buildingID == "" {
		h.respondError(c, opBuildingAccess, newServiceError(opBuildingAccess, reasonInvalidInput, http.StatusBadRequest, errMissingBuilding))
		return
	}
	user, err := h.currentUser(c)
	if err != nil {
		h.respondError(c, opBuildingAccess, err)
		return
	}
	if !user.IsAdmin() {
		resolution, err := h.resolver.Resolve(c.Request.Context(), user, membership.AllCommunities)
		if err != nil {
			h.respondError(c, opBuildingAccess, err)
			return
		}
		if !resolution.Contains(buildingID) {
			h.respondError(c, opBuildingAccess, fmt.Errorf("%w: %s", session.ErrBuildingNotInMembership, buildingID))
			return
		}
	}
	c.Set(buildingContextKey, buildingID)
	c.Next()
}

func buildingFrom(c *gin.Context) string {
	return c.GetString(buildingContextKey)
}

func (h *httpHandler) handleBuildingSnapshot(c *gin.Context) {
	snapshot, err := h.reader.Snapshot(c.Request.Context(), buildingFrom(c))
	if err != nil {
		h.respondError(c, opBuildingSnapshot, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleBuildingDetails(c *gin.Context) {
	details, err := h.reader.Details(c.Request.Context(), buildingFrom(c))
	if err != nil {
		h.respondError(c, opBuildingDetails, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	page := cast.ToInt(c.DefaultQuery("page", "1"))
	limit := cast.ToInt(c.DefaultQuery("limit", cast.ToString(defaultMessageLimit)))
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	result, err := h.reader.MessagesPage(c.Request.Context(), buildingFrom(c), page, limit)
	if err != nil {
		h.respondError(c, opListMessages, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleConstruction(c *gin.Context) {
	steps, err := h.reader.Construction(c.Request.Context(), buildings.DisplayName(buildingFrom(c)))
	if err != nil {
		h.respondError(c, opConstruction, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

func (h *httpHandler) handleListFloors(c *gin.Context) {
	floors, err := h.reader.FloorMaps(c.Request.Context(), buildingFrom(c))
	if err != nil {
		h.respondError(c, opListFloors, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"floors": floors})
}

// handleFloorMap returns the floor plan with its assets, and their activity levels when the
// activity query flag is set.
func (h *httpHandler) handleFloorMap(c *gin.Context) {
	ctx := c.Request.Context()
	building := buildingFrom(c)
	floorMap, err := h.reader.FloorMap(ctx, building, c.Param("floor"))
	if err != nil {
		h.respondError(c, opFloorMap, err)
		return
	}
	if !cast.ToBool(c.Query("activity")) {
		c.JSON(http.StatusOK, floorMap)
		return
	}
	activity, err := h.reader.FloorActivity(ctx, building, c.Param("floor"))
	if err != nil {
		h.respondError(c, opFloorMap, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imageUrl": floorMap.ImageURL, "assets": floorMap.Assets, "activity": activity})
}

func (h *httpHandler) handleCreateIncident(c *gin.Context) {
	var attributes map[string]any
	if err := c.ShouldBindJSON(&attributes); err != nil {
		h.respondError(c, opCreateIncident, newServiceError(opCreateIncident, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	incident, err := h.writer.CreateIncident(c.Request.Context(), buildingFrom(c), attributes)
	if err != nil {
		h.respondError(c, opCreateIncident, err)
		return
	}
	c.JSON(http.StatusCreated, incident)
}

func (h *httpHandler) handleListAlarmReasons(c *gin.Context) {
	reasons, err := h.reader.AlarmReasons(c.Request.Context(), buildingFrom(c))
	if err != nil {
		h.respondError(c, opListAlarmReasons, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reasons": reasons})
}

func (h *httpHandler) handleSaveAlarmReason(c *gin.Context) {
	var reason buildings.AlarmReason
	if err := c.ShouldBindJSON(&reason); err != nil {
		h.respondError(c, opSaveAlarmReason, newServiceError(opSaveAlarmReason, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	reason.FlaggedBy = identityFrom(c).Email
	saved, err := h.writer.SaveAlarmReason(c.Request.Context(), buildingFrom(c), reason)
	if err != nil {
		h.respondError(c, opSaveAlarmReason, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type namePayload struct {
	Name string `json:"name"`
}

func bindName(c *gin.Context) (string, error) {
	var request namePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		return "", err
	}
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return "", errMissingName
	}
	return name, nil
}

func (h *httpHandler) handleCreateBuilding(c *gin.Context) {
	name, err := bindName(c)
	if err != nil {
		h.respondError(c, opCreateBuilding, newServiceError(opCreateBuilding, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	if err := h.writer.CreateBuilding(c.Request.Context(), name); err != nil {
		h.respondError(c, opCreateBuilding, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"building": buildings.Namespace(buildings.DisplayName(name)), "name": buildings.DisplayName(name)})
}

func (h *httpHandler) handleAddDevice(c *gin.Context) {
	name, err := bindName(c)
	if err != nil {
		h.respondError(c, opAddDevice, newServiceError(opAddDevice, reasonInvalidInput, http.StatusBadRequest, err))
		return
	}
	pseudo, err := h.writer.AddDevice(c.Request.Context(), buildingFrom(c), name)
	if err != nil {
		h.respondError(c, opAddDevice, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pseudo": pseudo, "name": name})
}
