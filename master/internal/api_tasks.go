package internal

import (
	"encoding/json"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/determined-ai/vine/master/internal/api"
	"github.com/determined-ai/vine/master/internal/dispatch"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/library"
	"github.com/determined-ai/vine/master/internal/task"
	"github.com/determined-ai/vine/master/pkg/check"
	"github.com/determined-ai/vine/master/pkg/model"
)

// apiError converts errors of the dispatch loop to the api error they are answered with.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	var invalid check.Error
	if errors.As(err, &invalid) {
		return api.AsValidationError("%s", err)
	}
	err = api.Classify(err, api.ErrNotFound,
		dispatch.ErrTaskNotFound, dispatch.ErrUnknownWorker)
	err = api.Classify(err, api.ErrConflict,
		dispatch.ErrNotTerminal, dispatch.ErrAlreadyTerminal, dispatch.ErrReportNotConsumed,
		dispatch.ErrAlreadySubmitted, files.ErrFileInUse, files.ErrProducerConflict,
		library.ErrLibraryConflict)
	return api.Classify(err, api.ErrInvalid,
		task.ErrInvalidSpec, files.ErrInvalidFile, files.ErrUnknownFile, files.ErrNoSource,
		library.ErrUnknownLibrary, library.ErrUnknownFunction, model.ErrInvalidResources)
}

func bindJSON(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return api.AsValidationError("malformed request body: %s", err)
	}
	return nil
}

type taskIDArgs struct {
	ID model.TaskID `path:"id"`
}

// SubmitResponse answers POST /api/v1/tasks.
type SubmitResponse struct {
	ID model.TaskID `json:"id"`
}

func (m *Manager) postTask(c echo.Context) (interface{}, error) {
	var spec task.Spec
	if err := bindJSON(c, &spec); err != nil {
		return nil, err
	}
	id, err := m.Submit(c.Request().Context(), spec)
	if err != nil {
		return nil, apiError(err)
	}
	return SubmitResponse{ID: id}, nil
}

// getNextTask long-polls for the next terminal task. It answers 204 when none finished within
// the timeout.
func (m *Manager) getNextTask(c echo.Context) (interface{}, error) {
	args := struct {
		Timeout *time.Duration `query:"timeout"`
	}{}
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if args.Timeout != nil {
		timeout = *args.Timeout
	}
	r, err := m.Wait(c.Request().Context(), timeout)
	switch {
	case err != nil:
		return nil, err
	case r == nil:
		return nil, nil
	}
	return r, nil
}

func (m *Manager) getTask(c echo.Context) (interface{}, error) {
	var args taskIDArgs
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	r, err := m.GetTask(c.Request().Context(), args.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return r, nil
}

func (m *Manager) deleteTask(c echo.Context) (interface{}, error) {
	var args taskIDArgs
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	return nil, apiError(m.Cancel(c.Request().Context(), args.ID))
}

func (m *Manager) postRemoveTask(c echo.Context) (interface{}, error) {
	var args taskIDArgs
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	return nil, apiError(m.Remove(c.Request().Context(), args.ID))
}
