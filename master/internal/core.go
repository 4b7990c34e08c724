package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/api"
	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/db"
	"github.com/determined-ai/vine/master/internal/dispatch"
	"github.com/determined-ai/vine/master/internal/files"
	"github.com/determined-ai/vine/master/internal/rm/workerrm"
	"github.com/determined-ai/vine/master/pkg/logger"
	"github.com/determined-ai/vine/master/pkg/syncx/errgroupx"
	"github.com/determined-ai/vine/master/pkg/vproto"
	"github.com/determined-ai/vine/master/pkg/ws"
)

const shutdownTimeout = 10 * time.Second

// Manager owns the dispatch loop and exposes it to applications, both as a Go API and over HTTP.
// Workers connect to the same HTTP server.
type Manager struct {
	ManagerID string
	Version   string

	config   *config.Config
	logs     *logger.LogBuffer
	clock    clockwork.Clock
	listener net.Listener

	files    *files.Store
	loop     *dispatch.Loop
	acceptor *workerrm.Acceptor
	echo     *echo.Echo
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces the real clock driving scheduling policies.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithListener serves HTTP on ln instead of listening on the configured port.
func WithListener(ln net.Listener) Option {
	return func(m *Manager) { m.listener = ln }
}

// New creates a manager. Nothing runs until Run is called.
func New(version string, logStore *logger.LogBuffer, cfg *config.Config, opts ...Option) *Manager {
	logger.SetLogrus(cfg.Log)
	m := &Manager{
		ManagerID: uuid.New().String(),
		Version:   version,
		config:    cfg,
		logs:      logStore,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.files = files.NewStore(cfg.Storage.StagingDir)
	m.loop = dispatch.New(cfg, m.files, m.clock)
	m.acceptor = workerrm.NewAcceptor(m.loop, ws.Options{
		PingInterval: cfg.Worker.HeartbeatInterval.Std(),
		PongWait:     cfg.Worker.HeartbeatTimeout(),
	})
	m.echo = m.newEcho()
	return m
}

func closeWithErrCheck(name string, closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.WithError(err).Errorf("error closing %s", name)
	}
}

// Run restores the last checkpoint, if any, and serves workers and applications until ctx is
// done or a component fails.
func (m *Manager) Run(ctx context.Context) error {
	log.Infof("vine manager %s %s (built with %s)", m.config.ManagerName, m.Version,
		runtime.Version())

	if err := os.MkdirAll(m.config.Storage.StagingDir, 0o700); err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	store, err := db.Open(ctx, m.config.Checkpoint, m.config.ManagerName)
	if err != nil {
		return errors.Wrap(err, "opening checkpoint store")
	}
	defer closeWithErrCheck("checkpoint store", store)

	ln := m.listener
	if ln == nil {
		if ln, err = net.Listen("tcp", fmt.Sprintf(":%d", m.config.Port)); err != nil {
			return errors.Wrapf(err, "listening on port %d", m.config.Port)
		}
	}

	g := errgroupx.WithContext(ctx)
	g.Go("dispatch", m.loop.Run)

	n, err := m.Restore(g.Context(), store)
	if err != nil {
		g.Cancel()
		closeWithErrCheck("listener", ln)
		return errors.Wrap(stopAfter(g, err), "restoring checkpoint")
	}
	if n > 0 {
		log.Infof("resumed %d tasks from the last checkpoint", n)
	}
	if m.config.Checkpoint.Type != config.NoCheckpoint {
		cp := db.NewCheckpointer(store, m.loop, m.config.Checkpoint.Interval.Std(), m.clock)
		g.Go("checkpoint", cp.Run)
	}
	g.Go("http", func(ctx context.Context) error {
		return m.serve(ctx, ln)
	})
	return g.Wait()
}

// stopAfter waits for the group after a setup failure and keeps the setup error.
func stopAfter(g *errgroupx.Group, err error) error {
	if werr := g.Wait(); werr != nil {
		log.WithError(werr).Debug("error stopping after failed setup")
	}
	return err
}

func (m *Manager) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := m.echo.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("error shutting down http server")
		}
	}()

	log.Infof("listening on %s", ln.Addr())
	m.echo.Listener = ln
	m.echo.HidePort = true
	m.echo.Server.ReadHeaderTimeout = shutdownTimeout
	if err := m.echo.StartServer(m.echo.Server); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Manager) newEcho() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Logger = logger.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.JSONErrorHandler

	e.GET(vproto.ConnectPath, m.acceptor.HandleConnect)
	e.GET(vproto.FilesPath+":name", m.getFile)
	e.HEAD(vproto.FilesPath+":name", m.getFile)
	e.PUT(vproto.FilesPath+":name", m.putFile)

	e.GET("/info", api.Route(m.getInfo))
	e.GET("/config", api.Route(m.getConfig))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/api/v1")
	v1.POST("/tasks", api.Route(m.postTask))
	v1.GET("/tasks/next", api.Route(m.getNextTask))
	v1.GET("/tasks/:id", api.Route(m.getTask))
	v1.DELETE("/tasks/:id", api.Route(m.deleteTask))
	v1.POST("/tasks/:id/remove", api.Route(m.postRemoveTask))
	v1.POST("/files", api.Route(m.postFile))
	v1.DELETE("/files/:name", api.Route(m.deleteFile))
	v1.POST("/libraries", api.Route(m.postLibrary))
	v1.GET("/summary", api.Route(m.getSummary))
	v1.POST("/workers/:id/drain", api.Route(m.postDrainWorker))
	v1.POST("/blocklist", api.Route(m.postBlocklist))
	v1.GET("/logs", api.Route(m.getLogs))
	return e
}

// Info describes a running manager.
type Info struct {
	ManagerID       string `json:"manager_id"`
	ManagerName     string `json:"manager_name"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Info returns this manager's information.
func (m *Manager) Info() Info {
	return Info{
		ManagerID:       m.ManagerID,
		ManagerName:     m.config.ManagerName,
		Version:         m.Version,
		ProtocolVersion: vproto.ProtocolVersion,
	}
}

func (m *Manager) getInfo(echo.Context) (interface{}, error) {
	return m.Info(), nil
}

func (m *Manager) getConfig(echo.Context) (interface{}, error) {
	bs, err := m.config.Printable()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(bs), nil
}
