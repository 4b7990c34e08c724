package internal

import (
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/api"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/pkg/archive"
	"github.com/determined-ai/vine/master/pkg/model"
)

// getFile serves the contents of a file to a worker. Regular and buffer files honor Range
// requests so interrupted transfers resume; directories are streamed as tar archives.
func (m *Manager) getFile(c echo.Context) error {
	name := c.Param("name")
	o, ok := m.files.Lookup(name)
	if !ok {
		return api.AsErrNotFound("file %s", name)
	}

	if o.Kind == model.DirectoryFile {
		if _, err := os.Stat(o.Path); err != nil {
			return api.AsErrNotFound("directory %s: %s", name, err)
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/x-tar")
		if c.Request().Method == http.MethodHead {
			return c.NoContent(http.StatusOK)
		}
		c.Response().WriteHeader(http.StatusOK)
		return archive.WriteDir(c.Response(), o.Path)
	}

	f, err := m.files.Open(name)
	if err != nil {
		return api.AsErrNotFound("%s", err)
	}
	defer closeWithErrCheck(name, f)
	http.ServeContent(c.Response(), c.Request(), name, time.Time{}, f)
	return nil
}

// UploadResponse answers an output upload with the size of the file stored so far.
type UploadResponse struct {
	Size int64 `json:"size"`
}

// putFile receives an output a worker uploads after its task finished. The offset query
// parameter resumes an interrupted upload. Files no task is being retrieved for are refused.
func (m *Manager) putFile(c echo.Context) error {
	args := struct {
		Name   string `path:"name"`
		Offset *int64 `query:"offset"`
	}{}
	if err := api.BindArgs(&args, c); err != nil {
		return err
	}
	var offset int64
	if args.Offset != nil {
		offset = *args.Offset
	}
	o, ok := m.files.Lookup(args.Name)
	switch {
	case !ok:
		return api.AsErrNotFound("file %s", args.Name)
	case o.Kind != model.RegularFile && o.Kind != model.DirectoryFile:
		return api.AsValidationError("%s files are not uploaded", o.Kind)
	case offset < 0:
		return api.AsValidationError("negative offset %d", offset)
	}

	size, err := m.files.Receive(args.Name, offset, c.Request().Body)
	switch {
	case errors.Is(err, files.ErrUnknownFile):
		return api.AsErrNotFound("%s", err)
	case errors.Is(err, files.ErrUploadNotExpected):
		return api.Classify(err, api.ErrConflict, files.ErrUploadNotExpected)
	}
	m.loop.Post(sproto.FileUploaded{File: args.Name, Size: size, Err: err})
	if err != nil {
		log.WithError(err).WithField("file", args.Name).Warn("output upload failed")
		return err
	}
	return c.JSON(http.StatusOK, UploadResponse{Size: size})
}

// DeclareResponse answers POST /api/v1/files.
type DeclareResponse struct {
	Name string `json:"name"`
}

func (m *Manager) postFile(c echo.Context) (interface{}, error) {
	var spec files.Spec
	if err := bindJSON(c, &spec); err != nil {
		return nil, err
	}
	name, err := m.DeclareFile(c.Request().Context(), spec)
	if err != nil {
		return nil, apiError(err)
	}
	return DeclareResponse{Name: name}, nil
}

func (m *Manager) deleteFile(c echo.Context) (interface{}, error) {
	args := struct {
		Name string `path:"name"`
	}{}
	if err := api.BindArgs(&args, c); err != nil {
		return nil, err
	}
	return nil, apiError(m.UndeclareFile(c.Request().Context(), args.Name))
}
