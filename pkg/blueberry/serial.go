package blueberry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// SerialButtons reads button state events from a serial-attached button board
// (an ESP32-class controller emitting one JSON object per line)
type SerialButtons struct {
	blueberry *Blueberry
	logger    *zap.SugaredLogger

	stopChannel chan bool
	mu          sync.Mutex // Protects connected, conn, and connOptions
	connected   bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser
}

const (
	// Delay between serial reconnection attempts
	serialRetryDelay = 2 * time.Second

	// InterCharacterTimeout for serial connection (milliseconds)
	serialInterCharacterTimeout = 50
)

// NewSerialButtons creates a SerialButtons instance that uses the provided
// blueberry instance's connection info to reach the button board
func NewSerialButtons(b *Blueberry, logger *zap.SugaredLogger) (*SerialButtons, error) {
	logger = logger.Named("serial")

	sb := &SerialButtons{
		blueberry:   b,
		logger:      logger,
		stopChannel: make(chan bool),
	}

	logger.Debug("Created serial button i/o instance")

	return sb, nil
}

// IsConnected returns whether the serial connection is currently active
func (sb *SerialButtons) IsConnected() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.connected
}

// Start attempts to connect to the button board and keeps reconnecting with a
// fixed delay until stopped
func (sb *SerialButtons) Start() error {
	sb.mu.Lock()
	if sb.connected {
		sb.mu.Unlock()
		return errors.New("serial: already running")
	}
	sb.mu.Unlock()

	if err := sb.connect(sb.logger); err != nil {
		return fmt.Errorf("serial initial connect error: %w", err)
	}

	go func() {
		for {
			sb.mu.Lock()
			connected := sb.connected
			conn := sb.conn
			sb.mu.Unlock()

			if connected && conn != nil {
				if err := sb.run(sb.logger); err != nil {
					sb.logger.Warnw("Serial connection lost", "error", err.Error())
				}
			}

			sb.close(sb.logger)

			select {
			case <-sb.stopChannel:
				return
			case <-time.After(serialRetryDelay):
			}

			if sb.blueberry.config.ConnectionInfo.SERIAL_Port == "" || sb.blueberry.config.ConnectionInfo.SERIAL_BaudRate == 0 {
				sb.logger.Info("Serial port or baud rate unset in config, giving up on reconnecting")
				return
			}

			if err := sb.connect(sb.logger); err != nil {
				sb.logger.Warnw("Serial reconnect failed", "error", err.Error())
				continue
			}
		}
	}()

	return nil
}

// SubscribeToButtonEvents returns a channel receiving this board's button events
func (sb *SerialButtons) SubscribeToButtonEvents() chan ButtonEvent {
	return sb.blueberry.SubscribeToButtonEvents()
}

// Stop signals us to shut down our serial connection, if one is active
func (sb *SerialButtons) Stop() {
	sb.mu.Lock()
	connected := sb.connected
	sb.mu.Unlock()

	if connected {
		sb.logger.Debug("Shutting down serial connection")
		sb.stopChannel <- true
	} else {
		sb.logger.Debug("Not currently connected, nothing to stop")
	}
}

func (sb *SerialButtons) connect(logger *zap.SugaredLogger) error {
	sb.mu.Lock()
	if sb.connected {
		sb.mu.Unlock()
		return errors.New("already connected")
	}

	sb.connOptions = serial.OpenOptions{
		PortName:              sb.blueberry.config.ConnectionInfo.SERIAL_Port,
		BaudRate:              uint(sb.blueberry.config.ConnectionInfo.SERIAL_BaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}
	portName := sb.connOptions.PortName
	sb.mu.Unlock()

	logger.Debugw("Attempting serial connection", "port", portName, "baud", sb.connOptions.BaudRate)

	conn, err := serial.Open(sb.connOptions)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "access is denied") || strings.Contains(errMsg, "permission denied") {
			logger.Errorw("Serial port access denied - port may be in use by another application",
				"port", portName, "error", err)
			return fmt.Errorf("serial port %s is busy or access denied: %w", portName, err)
		}
		if strings.Contains(errMsg, "no such file") || strings.Contains(errMsg, "cannot find") {
			logger.Errorw("Serial port does not exist - check port name in configuration",
				"port", portName, "error", err)
			return fmt.Errorf("serial port %s does not exist: %w", portName, err)
		}
		logger.Errorw("Failed to open serial port", "port", portName, "error", err)
		return fmt.Errorf("open serial port %s: %w", portName, err)
	}

	sb.mu.Lock()
	sb.conn = conn
	sb.connected = true
	sb.mu.Unlock()

	logger.Infow("Connected to serial port", "port", portName)

	return nil
}

func (sb *SerialButtons) run(logger *zap.SugaredLogger) error {
	if sb.conn == nil {
		return errors.New("cannot run: connection is nil")
	}
	connReader := bufio.NewReader(sb.conn)
	lineChannel := sb.readLine(logger, connReader)

	for {
		select {
		case <-sb.stopChannel:
			return nil

		case line, ok := <-lineChannel:
			if !ok {
				return errors.New("serial connection lost")
			}
			sb.handleLine(logger, line)
		}
	}
}

func (sb *SerialButtons) close(logger *zap.SugaredLogger) {
	sb.mu.Lock()
	conn := sb.conn
	portName := sb.connOptions.PortName
	sb.conn = nil
	sb.connected = false
	sb.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Warnw("Failed to close serial connection", "port", portName, "error", err.Error())
		} else {
			logger.Infow("Serial connection closed", "port", portName)
		}
	}
}

func (sb *SerialButtons) readLine(logger *zap.SugaredLogger, reader *bufio.Reader) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Infow("Serial read error, connection may be lost", "error", err)
				} else if sb.blueberry.Verbose() {
					logger.Debugw("Serial read EOF", "error", err)
				}
				return
			}

			if sb.blueberry.Verbose() {
				logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-sb.stopChannel:
				return
			}
		}
	}()

	return ch
}

func (sb *SerialButtons) handleLine(logger *zap.SugaredLogger, line string) {
	trimmed := strings.TrimSpace(stripANSI(line))

	// button boards flash debug noise alongside state lines; only JSON objects
	// are ours
	if len(trimmed) == 0 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return
	}

	sb.blueberry.handleButtonState(logger, []byte(trimmed))
}
