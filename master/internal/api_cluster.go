package internal

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/determined-ai/vine/master/internal/api"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/pkg/logger"
	"github.com/determined-ai/vine/master/pkg/model"
)

func (m *Manager) getSummary(c echo.Context) (interface{}, error) {
	return m.Summary(c.Request().Context())
}

func (m *Manager) postLibrary(c echo.Context) (interface{}, error) {
	var lib library.Library
	if err := bindJSON(c, &lib); err != nil {
		return nil, err
	}
	return nil, apiError(m.RegisterLibrary(c.Request().Context(), lib))
}

// DrainRequest is the body of POST /api/v1/workers/:id/drain.
type DrainRequest struct {
	Drain bool `json:"drain"`
}

func (m *Manager) postDrainWorker(c echo.Context) (interface{}, error) {
	args := struct {
		ID string `path:"id"`
	}{}
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	var req DrainRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	return nil, apiError(m.DrainWorker(c.Request().Context(), model.WorkerID(args.ID), req.Drain))
}

// BlockRequest is the body of POST /api/v1/blocklist.
type BlockRequest struct {
	Host string `json:"host"`
	// Until is when the block lifts. Blocks without it last until unblocked.
	Until   *time.Time `json:"until,omitempty"`
	Unblock bool       `json:"unblock"`
}

func (m *Manager) postBlocklist(c echo.Context) (interface{}, error) {
	var req BlockRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	if req.Host == "" {
		return nil, api.AsValidationError("host is required")
	}
	ctx := c.Request().Context()
	if req.Unblock {
		return nil, apiError(m.UnblockHost(ctx, req.Host))
	}
	var until time.Time
	if req.Until != nil {
		until = *req.Until
	}
	return nil, apiError(m.BlockHost(ctx, req.Host, until))
}

func (m *Manager) getLogs(c echo.Context) (interface{}, error) {
	args := struct {
		GreaterThanID *int `query:"greater_than_id"`
		Limit         *int `query:"limit"`
	}{}
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}

	from, limit := 0, -1
	if args.GreaterThanID != nil {
		from = *args.GreaterThanID + 1
	}
	if args.Limit != nil {
		limit = *args.Limit
	}

	var entries []*logger.Entry
	if m.logs != nil {
		entries = m.logs.Since(from, limit)
	}
	if len(entries) == 0 {
		// Return a zero-length array here so the JSON encoding is `[]` rather than `null`.
		entries = make([]*logger.Entry, 0)
	}
	return entries, nil
}
