package blueberry

import (
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// bluealsa-aplay wildcard: forward the stream of whichever device connects
	forwarderAnyDevice = "00:00:00:00:00:00"

	// Delay between forwarder restart attempts
	forwarderRetryDelay = 2 * time.Second
)

// AudioForwarder supervises the child process that routes the incoming
// bluetooth audio stream to the local output (bluealsa-aplay). The process is
// restarted with a fixed delay if it dies, and killed on shutdown.
type AudioForwarder struct {
	logger  *zap.SugaredLogger
	command string

	stopChannel chan bool
	mu          sync.Mutex
	cmd         *exec.Cmd
	running     bool
}

// NewAudioForwarder creates an AudioForwarder running the given aplay command
func NewAudioForwarder(logger *zap.SugaredLogger, command string) *AudioForwarder {
	logger = logger.Named("forwarder")

	af := &AudioForwarder{
		logger:      logger,
		command:     command,
		stopChannel: make(chan bool),
	}

	logger.Debug("Created audio forwarder instance")

	return af
}

// Start spawns the forwarding process and supervises it until stopped
func (af *AudioForwarder) Start() error {
	af.mu.Lock()
	if af.running {
		af.mu.Unlock()
		return errors.New("forwarder: already running")
	}
	af.running = true
	af.mu.Unlock()

	if err := af.spawn(); err != nil {
		af.mu.Lock()
		af.running = false
		af.mu.Unlock()
		return err
	}

	go af.supervise()

	return nil
}

// Stop kills the forwarding process and stops supervising it
func (af *AudioForwarder) Stop() {
	af.mu.Lock()
	running := af.running
	af.running = false
	cmd := af.cmd
	af.mu.Unlock()

	if !running {
		return
	}

	af.logger.Debug("Stopping audio forwarder")
	close(af.stopChannel)

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			af.logger.Debugw("Failed to kill forwarder process", "error", err)
		}
	}
}

func (af *AudioForwarder) spawn() error {
	cmd := exec.Command(af.command, forwarderAnyDevice)

	if err := cmd.Start(); err != nil {
		af.logger.Warnw("Failed to start audio forwarder process",
			"command", af.command, "error", err)
		return err
	}

	af.mu.Lock()
	af.cmd = cmd
	af.mu.Unlock()

	af.logger.Infow("Audio forwarding started", "command", af.command, "pid", cmd.Process.Pid)

	return nil
}

func (af *AudioForwarder) supervise() {
	for {
		af.mu.Lock()
		cmd := af.cmd
		af.mu.Unlock()

		if cmd != nil {
			err := cmd.Wait()

			af.mu.Lock()
			running := af.running
			af.mu.Unlock()

			if !running {
				return
			}

			af.logger.Warnw("Audio forwarder process exited, restarting", "error", err)
		}

		select {
		case <-af.stopChannel:
			return
		case <-time.After(forwarderRetryDelay):
		}

		if err := af.spawn(); err != nil {
			continue
		}
	}
}
