package blueberry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionTerminated indicates that the interactive child process ended
// unexpectedly. It is fatal to the current operation and propagates up to the
// top-level control loop, which restarts the whole daemon.
var ErrSessionTerminated = errors.New("interactive session terminated")

const (
	// the single character bluetoothctl prints as its prompt, marking the end
	// of a command's output
	promptTerminator = '#'

	// size of each raw read from the child's stdout
	sessionReadBufferSize = 4096
)

var ansiColorRegexp = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiColorRegexp.ReplaceAllString(s, "")
}

// CtlSession owns exactly one long-lived interactive child process exposing a
// line-based prompt, and provides the command/response primitives the protocol
// adapter is built on. Only one command may be in flight at a time; all three
// run methods serialize on an internal mutex.
type CtlSession struct {
	logger *zap.SugaredLogger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	chunks chan []byte

	commandTimeout time.Duration

	// bytes received past the last consumed prompt/match, carried into the
	// next round trip
	pending []byte

	mu sync.Mutex
}

// NewCtlSession spawns the given interactive command (typically bluetoothctl)
// and starts reading its output. The child is terminated by Close.
func NewCtlSession(logger *zap.SugaredLogger, command string, args []string, commandTimeout time.Duration) (*CtlSession, error) {
	logger = logger.Named("session")

	cmd := exec.Command(command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", command, err)
	}

	logger.Infow("Spawned interactive session", "command", command, "pid", cmd.Process.Pid)

	cs := &CtlSession{
		logger:         logger,
		cmd:            cmd,
		stdin:          stdin,
		chunks:         make(chan []byte),
		commandTimeout: commandTimeout,
	}

	go cs.readOutput(stdout)

	return cs, nil
}

// newSessionFromPipes builds a session over arbitrary reader/writer pairs.
// Used by tests to drive the session without a real child process.
func newSessionFromPipes(logger *zap.SugaredLogger, stdin io.WriteCloser, stdout io.Reader, commandTimeout time.Duration) *CtlSession {
	cs := &CtlSession{
		logger:         logger.Named("session"),
		stdin:          stdin,
		chunks:         make(chan []byte),
		commandTimeout: commandTimeout,
	}

	go cs.readOutput(stdout)

	return cs
}

// readOutput delivers raw output chunks on the chunks channel and closes it
// when the stream ends, which the command loops treat as session termination
func (cs *CtlSession) readOutput(stdout io.Reader) {
	defer close(cs.chunks)

	buf := make([]byte, sessionReadBufferSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			cs.chunks <- chunk
		}

		if err != nil {
			if err != io.EOF {
				cs.logger.Infow("Session read error, child may have exited", "error", err)
			}
			return
		}
	}
}

// RunCommand writes the command line and reads until the prompt terminator
// appears, returning the output split into lines with ANSI color codes
// stripped. If the child process ends first, ErrSessionTerminated is returned.
func (cs *CtlSession) RunCommand(command string) ([]string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// drop any prompt remainder left over from a previous expect round, so we
	// don't mistake a stale prompt for this command's terminator
	if i := bytes.LastIndexByte(cs.pending, promptTerminator); i >= 0 {
		cs.pending = cs.pending[i+1:]
	}

	if err := cs.send(command); err != nil {
		return nil, err
	}

	buf := cs.pending
	cs.pending = nil

	for {
		if i := bytes.IndexByte(buf, promptTerminator); i >= 0 {
			cs.pending = buf[i+1:]
			return splitOutputLines(buf[:i]), nil
		}

		chunk, ok := <-cs.chunks
		if !ok {
			return nil, fmt.Errorf("%w: while running %q", ErrSessionTerminated, command)
		}
		buf = append(buf, chunk...)
	}
}

// RunCommandExpect writes the command line and waits for the first match among
// the success and fail patterns (substrings or regular expressions), returning
// true iff a success pattern matched first. A timeout counts as failure, not
// as an error; end-of-stream yields ErrSessionTerminated.
func (cs *CtlSession) RunCommandExpect(command string, successPatterns []string, failPatterns []string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	matchers, err := compilePatterns(successPatterns, failPatterns)
	if err != nil {
		return false, err
	}

	if err := cs.send(command); err != nil {
		return false, err
	}

	buf := cs.pending
	cs.pending = nil

	timeout := time.After(cs.commandTimeout)

	for {
		if m, loc := earliestMatch(matchers, buf); m != nil {
			cs.pending = buf[loc[1]:]
			return m.success, nil
		}

		select {
		case chunk, ok := <-cs.chunks:
			if !ok {
				return false, fmt.Errorf("%w: while running %q", ErrSessionTerminated, command)
			}
			buf = append(buf, chunk...)

		case <-timeout:
			cs.logger.Debugw("Pattern expectation timed out", "command", command)
			return false, nil
		}
	}
}

// RunCommandTimed behaves like RunCommand but also races against maxDuration.
// On timeout it returns whatever output has been captured so far instead of
// failing; used for bounded device scans.
func (cs *CtlSession) RunCommandTimed(command string, maxDuration time.Duration) ([]string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if i := bytes.LastIndexByte(cs.pending, promptTerminator); i >= 0 {
		cs.pending = cs.pending[i+1:]
	}

	if err := cs.send(command); err != nil {
		return nil, err
	}

	buf := cs.pending
	cs.pending = nil

	timeout := time.After(maxDuration)

	for {
		if i := bytes.IndexByte(buf, promptTerminator); i >= 0 {
			cs.pending = buf[i+1:]
			return splitOutputLines(buf[:i]), nil
		}

		select {
		case chunk, ok := <-cs.chunks:
			if !ok {
				return nil, fmt.Errorf("%w: while running %q", ErrSessionTerminated, command)
			}
			buf = append(buf, chunk...)

		case <-timeout:
			return splitOutputLines(buf), nil
		}
	}
}

// Close terminates the child process. The session is unusable afterwards.
func (cs *CtlSession) Close() error {
	cs.logger.Debug("Closing interactive session")

	if err := cs.stdin.Close(); err != nil {
		cs.logger.Debugw("Failed to close session stdin", "error", err)
	}

	if cs.cmd == nil || cs.cmd.Process == nil {
		return nil
	}

	if err := cs.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill session child: %w", err)
	}

	// reap the child; it was just killed so the error is expected
	_ = cs.cmd.Wait()

	return nil
}

func (cs *CtlSession) send(command string) error {
	if _, err := io.WriteString(cs.stdin, command+"\n"); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrSessionTerminated, command, err)
	}

	return nil
}

// splitOutputLines splits raw command output on CRLF and strips ANSI color
// codes from every line
func splitOutputLines(buf []byte) []string {
	raw := strings.Split(string(buf), "\r\n")

	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, stripANSI(line))
	}

	return lines
}

type patternMatcher struct {
	re      *regexp.Regexp
	success bool
}

func compilePatterns(successPatterns []string, failPatterns []string) ([]patternMatcher, error) {
	matchers := make([]patternMatcher, 0, len(successPatterns)+len(failPatterns))

	for _, p := range successPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile success pattern %q: %w", p, err)
		}
		matchers = append(matchers, patternMatcher{re: re, success: true})
	}

	for _, p := range failPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile fail pattern %q: %w", p, err)
		}
		matchers = append(matchers, patternMatcher{re: re, success: false})
	}

	return matchers, nil
}

// earliestMatch finds the pattern whose match appears first in buf; ties go to
// the earlier-listed pattern (success patterns are listed before fail ones)
func earliestMatch(matchers []patternMatcher, buf []byte) (*patternMatcher, []int) {
	var best *patternMatcher
	var bestLoc []int

	for i := range matchers {
		loc := matchers[i].re.FindIndex(buf)
		if loc == nil {
			continue
		}
		if bestLoc == nil || loc[0] < bestLoc[0] {
			best = &matchers[i]
			bestLoc = loc
		}
	}

	return best, bestLoc
}
