package blueberry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	eventsource "github.com/stalexteam/eventsource_go"
	"go.uber.org/zap"
)

// SseButtons reads button state events from a remote button panel exposing an
// ESPHome-style Server-Sent Events stream
type SseButtons struct {
	blueberry *Blueberry
	logger    *zap.SugaredLogger

	stopChannel chan bool
	connected   bool

	req    *http.Request
	es     *eventsource.EventSource
	ctx    context.Context
	cancel context.CancelFunc

	lastURL string
}

// NewSseButtons creates an SseButtons instance that uses the provided
// blueberry instance's connection info
func NewSseButtons(b *Blueberry, logger *zap.SugaredLogger) (*SseButtons, error) {
	logger = logger.Named("sse")

	s := &SseButtons{
		blueberry:   b,
		logger:      logger,
		stopChannel: make(chan bool),
	}

	logger.Debug("Created SSE button i/o instance")

	return s, nil
}

// Start attempts to connect to the SSE endpoint
func (s *SseButtons) Start() error {
	if s.connected {
		s.logger.Warn("Already connected, can't start another without closing first")
		return errors.New("sse: connection already active")
	}

	url := s.blueberry.config.ConnectionInfo.SSE_URL
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("sse: empty ConnectionInfo.SSE_URL")
	}

	// build cancellable request; the stop channel is per-connection since a
	// previous Stop closed the old one
	var err error
	s.stopChannel = make(chan bool)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.req, err = http.NewRequestWithContext(s.ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("sse: build request: %w", err)
	}

	// eventsource client (reconnects internally based on Retry field)
	s.es = eventsource.New(s.req)

	s.logger.Debugw("Attempting SSE connection", "url", url)
	s.connected = true
	s.lastURL = url

	// read events or await a stop
	go func() {
		namedLogger := s.logger.Named("eventstream")
		namedLogger.Infow("Connected", "url", url)

		for {
			select {
			case <-s.stopChannel:
				s.close(namedLogger)
				return
			default:
				// blocking read of next SSE event
				ev, err := s.es.Read()
				if err != nil {
					if s.blueberry.Verbose() {
						namedLogger.Warnw("Failed to read SSE event", "error", err)
					}
					// Attempt to reconnect.
					continue
				}

				// Non-state events (e.g., ping) = health signal — ignore content
				if ev.Type != "state" {
					if s.blueberry.Verbose() {
						namedLogger.Debugw("Non-state event", "type", ev.Type, "id", ev.ID)
					}
					continue
				}

				s.blueberry.handleButtonState(namedLogger, ev.Data)
			}
		}
	}()

	return nil
}

// Stop signals us to shut down our SSE connection, if one is active. The
// reader goroutine may be blocked inside es.Read, so the request context is
// canceled first to release it; the closed stop channel is then observed on
// the next loop pass.
func (s *SseButtons) Stop() {
	if s.connected {
		s.logger.Debug("Shutting down SSE connection")
		s.connected = false
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stopChannel)
	} else {
		s.logger.Debug("Not currently connected, nothing to stop")
	}
}

// SubscribeToButtonEvents returns a channel receiving this panel's button events
func (s *SseButtons) SubscribeToButtonEvents() chan ButtonEvent {
	return s.blueberry.SubscribeToButtonEvents()
}

func (s *SseButtons) close(logger *zap.SugaredLogger) {
	// cancel context to abort Read()
	if s.cancel != nil {
		s.cancel()
	}

	logger.Debug("SSE connection closed")
	s.es = nil
	s.connected = false
}
