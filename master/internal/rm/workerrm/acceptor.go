package workerrm

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/vine/master/internal/sproto"
	"github.com/determined-ai/vine/master/pkg/vproto"
	"github.com/determined-ai/vine/master/pkg/ws"
)

// Acceptor upgrades worker connections and turns their traffic into dispatch loop events.
type Acceptor struct {
	poster           sproto.Poster
	opts             ws.Options
	handshakeTimeout time.Duration
}

// NewAcceptor returns an acceptor posting to poster.
func NewAcceptor(poster sproto.Poster, opts ws.Options) *Acceptor {
	return &Acceptor{poster: poster, opts: opts, handshakeTimeout: vproto.HandshakeTimeout}
}

// HandleConnect serves GET /workers/connect. It returns once the connection ends.
func (a *Acceptor) HandleConnect(c echo.Context) error {
	conn, err := ws.Upgrade[vproto.ManagerMessage, vproto.WorkerMessage](
		c, "worker-"+c.RealIP(), a.opts)
	if err != nil {
		return err
	}
	id := uuid.New()
	syslog := log.WithFields(log.Fields{"conn": id, "remote-addr": c.RealIP()})

	h, err := a.readHandshake(conn)
	if err != nil {
		syslog.WithError(err).Warn("rejecting worker")
		if cerr := conn.Close(); cerr != nil {
			syslog.WithError(cerr).Debug("error closing rejected connection")
		}
		return nil
	}

	syslog = syslog.WithField("worker-id", h.WorkerID)
	syslog.Infof("worker connected from %s with %s", h.Hostname, h.Resources)
	a.poster.Post(sproto.WorkerConnected{
		Conn:       id,
		Handshake:  *h,
		RemoteAddr: c.Request().RemoteAddr,
		Outbox:     newSocketOutbox(conn, syslog),
	})

	for msg := range conn.Inbox {
		a.poster.Post(sproto.WorkerMessageReceived{Worker: h.WorkerID, Conn: id, Message: msg})
	}

	err = conn.Err()
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		syslog.WithError(err).Warn("worker connection failed")
	} else {
		syslog.Info("worker disconnected")
	}
	a.poster.Post(sproto.WorkerDisconnected{Worker: h.WorkerID, Conn: id, Err: err})
	return nil
}

func (a *Acceptor) readHandshake(conn *workerConn) (*vproto.Handshake, error) {
	timer := time.NewTimer(a.handshakeTimeout)
	defer timer.Stop()
	select {
	case msg, ok := <-conn.Inbox:
		switch {
		case !ok:
			return nil, errors.Wrap(conn.Err(), "connection closed before handshake")
		case msg.Handshake == nil:
			return nil, errors.Errorf("expected handshake, got %s", msg.Kind())
		}
		if err := msg.Handshake.Validate(); err != nil {
			return nil, err
		}
		return msg.Handshake, nil
	case <-timer.C:
		return nil, errors.Errorf("no handshake within %s", a.handshakeTimeout)
	}
}
