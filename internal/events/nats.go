package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject root for forwarded events.
const DefaultSubjectPrefix = "scaffoldd.events"

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type flusher interface {
	FlushTimeout(timeout time.Duration) error
}

// Subject returns <prefix>.<taskId>.<type>. Events without a task use "_".
func Subject(prefix string, e Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	task := e.TaskID
	if task == "" {
		task = "_"
	}
	task = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(task)
	return fmt.Sprintf("%s.%s.%s", prefix, task, e.Type)
}

// ConnectNATS dials url with reconnect settings suited to a daemon.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("scaffoldd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSForwarder republishes every bus event to NATS.
type NATSForwarder struct {
	bus    *Bus
	conn   Publisher
	prefix string
	logger *zap.Logger

	sub  *Subscription
	done chan struct{}
}

// NewNATSForwarder creates a forwarder. Call Start to begin.
func NewNATSForwarder(bus *Bus, conn Publisher, prefix string, logger *zap.Logger) *NATSForwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSForwarder{bus: bus, conn: conn, prefix: prefix, logger: logger}
}

// Start subscribes to the bus and forwards until ctx is done or Stop.
func (f *NATSForwarder) Start(ctx context.Context) {
	f.sub = f.bus.Subscribe(nil)
	f.done = make(chan struct{})
	go f.loop(ctx)
}

func (f *NATSForwarder) loop(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.sub.Close()
			return
		case e, ok := <-f.sub.C:
			if !ok {
				return
			}
			f.forward(e)
		}
	}
}

func (f *NATSForwarder) forward(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Warn("marshal event for nats", zap.String("event", string(e.Type)), zap.Error(err))
		return
	}
	subject := Subject(f.prefix, e)
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("publish event to nats", zap.String("subject", subject), zap.Error(err))
	}
}

// Stop unsubscribes, drains pending events and flushes the connection.
func (f *NATSForwarder) Stop() {
	if f.sub == nil {
		return
	}
	f.sub.Close()
	<-f.done
	if fl, ok := f.conn.(flusher); ok {
		_ = fl.FlushTimeout(2 * time.Second)
	}
}
