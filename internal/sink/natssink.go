package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shortontech/cellscan/internal/metrics"
	"github.com/shortontech/cellscan/internal/record"
)

const natsConnectTimeout = 10 * time.Second

// NATSConfig holds configuration for the NATS publisher.
type NATSConfig struct {
	URL       string
	Subject   string // records go to Subject.<type>
	CredsFile string
}

// NATSSink publishes each record on a per-type subject.
type NATSSink struct {
	config  NATSConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	conn *nats.Conn
}

func NewNATSSinkFromEnv(logger *zap.Logger, m *metrics.Metrics) *NATSSink {
	return &NATSSink{
		config: NATSConfig{
			URL:       getEnvOr("NATS_URL", nats.DefaultURL),
			Subject:   getEnvOr("NATS_SUBJECT", "cellscan.records"),
			CredsFile: os.Getenv("NATS_CREDS"),
		},
		logger:  orNop(logger),
		metrics: m,
	}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("cellscan"),
		nats.Timeout(natsConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.metrics.IncrementSinkErrors(s.Name(), "async")
			s.logger.Warn("nats error", zap.Error(err))
		}),
	}
	if s.config.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(s.config.CredsFile))
	}

	conn, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.config.URL, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("nats sink started", zap.String("url", s.config.URL), zap.String("subject", s.config.Subject))
	return nil
}

func (s *NATSSink) subject(r record.Record) string {
	return s.config.Subject + "." + string(r.Type)
}

func (s *NATSSink) message(r record.Record) (*nats.Msg, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	msg := nats.NewMsg(s.subject(r))
	msg.Data = data
	// Nats-Msg-Id lets a JetStream stream drop redelivered records.
	msg.Header.Set(nats.MsgIdHdr, r.RecordID)
	msg.Header.Set("record-type", string(r.Type))
	msg.Header.Set("schema", record.SchemaVersion)
	return msg, nil
}

func (s *NATSSink) Enqueue(r record.Record) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("nats connection not initialized")
	}
	msg, err := s.message(r)
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.FlushTimeout(5 * time.Second)
	conn.Close()
	if err != nil {
		return fmt.Errorf("failed to flush nats connection: %w", err)
	}
	return nil
}
