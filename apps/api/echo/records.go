package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-offline/core/remote"
)

type recordAPI struct {
	svc remote.Service
}

func registerRecordAPI(v1 *echo.Group, svc remote.Service) {
	api := recordAPI{svc: svc}

	schools := v1.Group("/schools/:school")
	schools.GET("/changes", api.changes)
	schools.POST("/:kind", api.create)
	schools.PUT("/:kind/:id", api.update)
	schools.DELETE("/:kind/:id", api.remove)
}

// create is idempotent on the request's localId: a replay returns the record created first.
func (api recordAPI) create(ctx echo.Context) error {
	req, err := bindRecordRequest(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Create(ctx.Request().Context(), req)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api recordAPI) update(ctx echo.Context) error {
	req, err := bindRecordRequest(ctx)
	if err != nil {
		return err
	}
	rec, err := api.svc.Update(ctx.Request().Context(), req)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api recordAPI) remove(ctx echo.Context) error {
	req, err := bindDeleteRequest(ctx)
	if err != nil {
		return err
	}
	if err = api.svc.Delete(ctx.Request().Context(), req); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api recordAPI) changes(ctx echo.Context) error {
	cs, err := api.svc.Changes(ctx.Request().Context(), ctx.Param("school"), ctx.QueryParam("cursor"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, cs)
}
