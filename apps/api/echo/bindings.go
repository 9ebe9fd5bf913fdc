package echoapi

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
)

// bindScope reads the school and kind path params.
func bindScope(ctx echo.Context) (string, entity.Kind, error) {
	schoolID := ctx.Param("school")
	if schoolID == "" {
		return "", "", remote.NewError(remote.Permanent, entity.ErrNoSchool.Error())
	}
	kind, err := entity.ParseKind(ctx.Param("kind"))
	if err != nil {
		return "", "", errHttpNotFound
	}
	return schoolID, kind, nil
}

// bindRecordRequest reads a create/update body, the path scope taking precedence.
func bindRecordRequest(ctx echo.Context) (remote.Request, error) {
	schoolID, kind, err := bindScope(ctx)
	if err != nil {
		return remote.Request{}, err
	}

	var req remote.Request
	if err = ctx.Bind(&req); err != nil {
		return remote.Request{}, remote.NewError(remote.Permanent, "malformed request body")
	}
	req.SchoolID = schoolID
	req.Kind = kind
	req.ServerID = ctx.Param("id")
	return req, nil
}

// bindDeleteRequest reads a delete from the path and its query params.
func bindDeleteRequest(ctx echo.Context) (remote.Request, error) {
	schoolID, kind, err := bindScope(ctx)
	if err != nil {
		return remote.Request{}, err
	}

	req := remote.Request{SchoolID: schoolID, Kind: kind, ServerID: ctx.Param("id")}
	err = echo.QueryParamsBinder(ctx).
		String("localId", &req.LocalID).
		Time("updatedAt", &req.UpdatedAt, time.RFC3339Nano).
		Bool("force", &req.Force).
		BindError()
	if err != nil {
		return remote.Request{}, remote.NewError(remote.Permanent, "invalid query params: "+err.Error())
	}
	return req, nil
}
