// Package messaging forwards source events to NATS.
package messaging

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"rextrack-worker-go/internal/config"
	"rextrack-worker-go/internal/services/events"
)

type Service struct {
	conn *nats.Conn
	cfg  *config.Config
}

func NewService(cfg *config.Config) (*Service, error) {
	opts := []nats.Option{
		nats.Name("rextrack-worker-" + cfg.WorkerID),
		nats.Timeout(cfg.NatsConnectTimeout),
		nats.ReconnectWait(cfg.NatsReconnectWait),
		nats.MaxReconnects(cfg.NatsMaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.NatsURL, opts...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("url", cfg.NatsURL).Msg("NATS connection established")

	return &Service{
		conn: conn,
		cfg:  cfg,
	}, nil
}

func (s *Service) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return s.conn.Publish(subject, payload)
}

// Forward publishes every event received on ch until ch is closed or ctx
// ends. Cycle events are skipped unless PublishCycleEvents is set.
func (s *Service) Forward(ctx context.Context, ch <-chan events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Event forwarder panic recovered")
		}
	}()

	var failures uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type == events.TypeCycle && !s.cfg.PublishCycleEvents {
				continue
			}
			if err := s.Publish(Subject(s.cfg.EventsSubject, e), e); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					log.Warn().Err(err).Uint64("failures", failures).Msg("Failed to publish event")
				}
			}
		}
	}
}

// Subject returns "<prefix>.<source>.<type>". Characters NATS treats as
// token separators or wildcards are replaced in the source id.
func Subject(prefix string, e events.Event) string {
	id := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(e.SourceID)
	if id == "" {
		id = "_"
	}
	return prefix + "." + id + "." + string(e.Type)
}

func (s *Service) IsConnected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

func (s *Service) Shutdown(ctx context.Context) error {
	if s.conn != nil {
		// Try graceful drain, fall back to immediate close
		if err := s.conn.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection gracefully, closing immediately")
			s.conn.Close()
		}
	}
	return nil
}
