package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/directory"
	"github.com/einen2021/vision365-web/internal/reconcile"
	"github.com/einen2021/vision365-web/internal/session"
	"github.com/einen2021/vision365-web/internal/store"
)

// ServiceError pairs an "operation.reason" code with the HTTP status it is reported with.
type ServiceError struct {
	code   string
	status int
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Status() int {
	return e.status
}

const (
	opAuthorize         = "auth.authorize"
	opListCommunities   = "communities.list"
	opOpenSession       = "sessions.open"
	opCloseSession      = "sessions.close"
	opSelectCommunity   = "sessions.select_community"
	opSelectBuilding    = "sessions.select_building"
	opSessionView       = "sessions.view"
	opSessionStream     = "sessions.stream"
	opMutate            = "sessions.mutate"
	opToggle            = "sessions.toggle"
	opDismissNotice     = "sessions.dismiss_notice"
	opBuildingAccess    = "buildings.access"
	opBuildingSnapshot  = "buildings.snapshot"
	opBuildingDetails   = "buildings.details"
	opListMessages      = "buildings.messages"
	opConstruction      = "buildings.construction"
	opCreateIncident    = "buildings.create_incident"
	opListAlarmReasons  = "buildings.alarm_reasons"
	opSaveAlarmReason   = "buildings.save_alarm_reason"
	opCreateBuilding    = "buildings.create"
	opAddDevice         = "buildings.add_device"
	opListFloors        = "buildings.floors"
	opFloorMap          = "buildings.floor_map"
	reasonInvalidInput  = "invalid_request"
	reasonUnauthorized  = "unauthorized"
	reasonForbidden     = "forbidden"
	reasonNotFound      = "not_found"
	reasonInternalError = "internal"
)

func newServiceError(operation, reason string, status int, cause error) *ServiceError {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), status: status, err: cause}
}

// classify maps a domain error onto a service error for the operation.
func classify(operation string, err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	reason, status := reasonInternalError, http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		reason, status = "session_not_found", http.StatusNotFound
	case errors.Is(err, session.ErrSessionForbidden):
		reason, status = reasonForbidden, http.StatusForbidden
	case errors.Is(err, session.ErrSessionClosed):
		reason, status = "session_closed", http.StatusGone
	case errors.Is(err, session.ErrNoBuildingSelected):
		reason, status = "no_building_selected", http.StatusConflict
	case errors.Is(err, session.ErrBuildingNotInMembership):
		reason, status = "building_not_in_membership", http.StatusForbidden
	case errors.Is(err, reconcile.ErrStaleSelection):
		reason, status = "stale_selection", http.StatusConflict
	case errors.Is(err, directory.ErrUserNotFound):
		reason, status = "user_not_found", http.StatusForbidden
	case errors.Is(err, directory.ErrInvalidEmail):
		reason, status = reasonUnauthorized, http.StatusUnauthorized
	case errors.Is(err, buildings.ErrInvalidFieldPath),
		errors.Is(err, buildings.ErrInvalidBuilding),
		errors.Is(err, buildings.ErrInvalidAlarmReason),
		errors.Is(err, store.ErrInvalidAddress):
		reason, status = reasonInvalidInput, http.StatusBadRequest
	case errors.Is(err, buildings.ErrFloorNotFound):
		reason, status = "floor_not_found", http.StatusNotFound
	case errors.Is(err, buildings.ErrBuildingExists):
		reason, status = "building_exists", http.StatusConflict
	case errors.Is(err, store.ErrNotConfigured):
		reason, status = "store_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		reason, status = "timeout", http.StatusGatewayTimeout
	case errors.Is(err, store.ErrWriteRejected):
		reason, status = "write_rejected", http.StatusBadGateway
	}
	return newServiceError(operation, reason, status, err)
}
