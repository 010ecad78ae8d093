package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/batonrun/baton"
	json "github.com/batonrun/baton/internal/xjson"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a control plane node: worker pool, notification hub, status API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := baton.NewWithConfig(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := rt.Start(ctx); err != nil {
			return err
		}

		e := newStatusServer(rt)
		errCh := make(chan error, 1)
		go func() {
			if err := e.Start(serveListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		cfg.Logger.Info("status api listening", "addr", serveListen)

		select {
		case <-ctx.Done():
		case err = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			cfg.Logger.Warn("status api shutdown failed", "error", shutdownErr)
		}
		if stopErr := rt.Stop(); stopErr != nil {
			cfg.Logger.Warn("runtime stop failed", "error", stopErr)
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":7421", "Status API listen address")
}

func newStatusServer(rt *baton.Runtime) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/metrics", func(c echo.Context) error {
		return jsonResponse(c, http.StatusOK, rt.GetMetrics())
	})

	e.GET("/workflows", func(c echo.Context) error {
		ids, err := rt.ListWorkflows(c.Request().Context())
		if err != nil {
			return httpError(err)
		}
		return jsonResponse(c, http.StatusOK, ids)
	})

	e.POST("/workflows", func(c echo.Context) error {
		var meta baton.WorkflowMeta
		if err := c.Bind(&meta); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if err := rt.Submit(c.Request().Context(), &meta); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusCreated)
	})

	e.GET("/workflows/:id", func(c echo.Context) error {
		status, err := rt.Status(c.Request().Context(), c.Param("id"))
		if err != nil {
			return httpError(err)
		}
		return jsonResponse(c, http.StatusOK, status)
	})

	e.GET("/workflows/:id/trail", func(c echo.Context) error {
		trail, err := rt.Trail(c.Request().Context(), c.Param("id"))
		if err != nil {
			return httpError(err)
		}
		return jsonResponse(c, http.StatusOK, trail)
	})

	e.POST("/workflows/:id/finalize", func(c echo.Context) error {
		force := c.QueryParam("force") == "true"
		summary, err := rt.Finalize(c.Request().Context(), c.Param("id"), force)
		if err != nil {
			return httpError(err)
		}
		return jsonResponse(c, http.StatusOK, summary)
	})

	e.POST("/workflows/:id/retry/:state", func(c echo.Context) error {
		if err := rt.Retry(c.Request().Context(), c.Param("id"), c.Param("state")); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusAccepted)
	})

	return e
}

func httpError(err error) error {
	var valErr *baton.ValidationError
	switch {
	case errors.As(err, &valErr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case baton.IsWorkflowNotFound(err), errors.Is(err, baton.ErrStateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, baton.ErrWorkflowExists), baton.IsAlreadyFinalized(err):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case baton.IsNotComplete(err), baton.IsGraphError(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// jsonResponse encodes through the shared codec rather than echo's default,
// so wire documents match what the store and bridge emit.
func jsonResponse(c echo.Context, status int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, data)
}
