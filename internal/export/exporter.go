// Package export forwards committed messages to downstream systems over NATS. Each
// project's log is published on its own subject in commit order.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/metrics"
)

// Header names set on every exported message.
const (
	HeaderEvent   = "Plog-Event"
	HeaderProject = "Plog-Project"
	HeaderSeq     = "Plog-Seq"
)

// MsgPublisher is the part of *nats.Conn the exporter needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Options configures the NATS connection and the export queue.
type Options struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	QueueSize     int
}

// Connect opens a NATS connection that reconnects forever.
func Connect(opts Options, logger *slog.Logger) (*nats.Conn, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	nc, err := nats.Connect(strings.Join(opts.Servers, ","),
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Exporter queues committed message events and publishes them from a single worker,
// so per-project subject order follows commit order. A full queue drops the event.
type Exporter struct {
	conn    MsgPublisher
	prefix  string
	queue   chan broker.Event
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Exporter publishing through conn.
func New(conn MsgPublisher, opts Options, logger *slog.Logger, m *metrics.Metrics) *Exporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 1024
	}
	return &Exporter{
		conn:    conn,
		prefix:  opts.SubjectPrefix,
		queue:   make(chan broker.Event, size),
		logger:  logger.With("component", "exporter"),
		metrics: m,
	}
}

// Publish enqueues message and message.updated events without blocking. Other event
// types are ignored.
func (e *Exporter) Publish(projectID string, ev broker.Event) {
	if ev.Type != broker.EventMessage && ev.Type != broker.EventMessageUpdated {
		return
	}
	if ev.ProjectID == "" {
		ev.ProjectID = projectID
	}
	select {
	case e.queue <- ev:
	default:
		e.metrics.ExportDropped()
		e.logger.Warn("Export queue full, dropping event", "project_id", ev.ProjectID, "seq", ev.Seq, "type", ev.Type)
	}
}

// Run publishes queued events until ctx ends, then flushes what is already queued.
func (e *Exporter) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "Exporter started", "subject_prefix", e.prefix)
	for {
		select {
		case <-ctx.Done():
			e.flush()
			e.logger.Info("Exporter stopped")
			return nil
		case ev := <-e.queue:
			e.send(ev)
		}
	}
}

func (e *Exporter) flush() {
	for {
		select {
		case ev := <-e.queue:
			e.send(ev)
		default:
			return
		}
	}
}

func (e *Exporter) send(ev broker.Event) {
	msg, err := e.encode(ev)
	if err != nil {
		e.logger.Error("Failed to encode export event", "project_id", ev.ProjectID, "seq", ev.Seq, "error", err)
		return
	}
	if err := e.conn.PublishMsg(msg); err != nil {
		e.metrics.ExportDropped()
		e.logger.Error("Failed to publish export event", "subject", msg.Subject, "seq", ev.Seq, "error", err)
		return
	}
	e.logger.Debug("Exported event", "subject", msg.Subject, "seq", ev.Seq, "type", ev.Type)
}

func (e *Exporter) encode(ev broker.Event) (*nats.Msg, error) {
	data, err := json.Marshal(ev.Message)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(Subject(e.prefix, ev.ProjectID))
	msg.Data = data
	msg.Header.Set(HeaderEvent, string(ev.Type))
	msg.Header.Set(HeaderProject, ev.ProjectID)
	msg.Header.Set(HeaderSeq, strconv.FormatInt(ev.Seq, 10))
	if ev.Type == broker.EventMessage && ev.Message != nil {
		// JetStream deduplicates on this header when the subject is captured by a stream.
		msg.Header.Set(nats.MsgIdHdr, ev.Message.ID)
	}
	return msg, nil
}

// Subject returns the subject a project's events are published on. Characters with a
// meaning in NATS subjects are replaced in the project id.
func Subject(prefix, projectID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, projectID)
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}
