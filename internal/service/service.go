// Package service implements the session registry and the event emitter:
// the single write path for sessions and their append-only event logs.
package service

import (
	"log/slog"

	"github.com/convoke-ai/convoke/internal/store"
	"github.com/convoke-ai/convoke/internal/stream"
)

type Service struct {
	store  store.Store
	broker *stream.Broker
	logger *slog.Logger
}

func New(st store.Store, broker *stream.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, broker: broker, logger: logger}
}

// Broker exposes the change feed for the realtime distributor.
func (s *Service) Broker() *stream.Broker {
	return s.broker
}
