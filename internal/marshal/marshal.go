// Package marshal implements the Agent Marshaller of spec.md 4.J,
// supplemented from original_source/octopilot/desktop/pi_marshaller.py:
// it opens an SSH connection to each configured agent, starts the agent
// binary there, and captures its combined stdout/stderr into a per-agent
// file under a session sandbox directory, mirroring each line to the
// structured logger. Grounded on the teacher's kiss.go subprocess-stdio
// capture idiom, generalized from a local KISS TNC subprocess to a
// remote SSH one.
package marshal

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/lestrrat-go/strftime"
	"golang.org/x/crypto/ssh"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
)

// SandboxNamePattern is the strftime pattern used to name one session's
// sandbox directory (spec.md 4.J supplement).
const SandboxNamePattern = "session_%Y%m%d_%H%M%S"

// stopGrace is how long Stop waits for an agent's SSH session to end on
// its own (after a stop/exit command has already been sent) before it is
// forcibly closed, mirroring pi_marshaller.py's stop()'s sleep-then-kill.
const stopGrace = 1 * time.Second

// SandboxDir renders SandboxNamePattern against t, for a session
// starting at time t.
func SandboxDir(root string, t time.Time) (string, error) {
	name, err := strftime.Format(SandboxNamePattern, t)
	if err != nil {
		return "", fmt.Errorf("marshal: format sandbox name: %w", err)
	}
	return filepath.Join(root, name), nil
}

// remoteProc is one agent's live SSH session and captured-output thread.
type remoteProc struct {
	name    string
	client  *ssh.Client
	session *ssh.Session
	ptmx    *os.File
	done    chan struct{}
}

// Marshaller connects to each configured agent over SSH and starts the
// agent binary there, the remote-process counterpart to internal/agent's
// local control loop.
type Marshaller struct {
	sshConfig  *ssh.ClientConfig
	remoteArgs []string // extra args appended after --hostname=<name>
	sandboxDir string
	logger     *log.Logger

	mu    sync.Mutex
	procs map[string]*remoteProc
}

// New constructs a Marshaller. sandboxDir must already exist (the caller
// creates it via SandboxDir + os.MkdirAll before calling Start).
func New(sshConfig *ssh.ClientConfig, remoteArgs []string, sandboxDir string, logger *log.Logger) *Marshaller {
	return &Marshaller{
		sshConfig:  sshConfig,
		remoteArgs: remoteArgs,
		sandboxDir: sandboxDir,
		logger:     logger,
		procs:      make(map[string]*remoteProc),
	}
}

// Start opens an SSH connection to every agent in agents and launches
// remoteBinary there with --hostname=<agent name>. Connections that fail
// are logged and skipped, mirroring pi_marshaller.py's "continue on
// failure to one Pi" behavior rather than aborting the whole fleet.
func (m *Marshaller) Start(agents []config.AgentSpec, remoteBinary string) {
	for _, a := range agents {
		if err := m.startOne(a, remoteBinary); err != nil {
			m.logger.Error("failed to start remote agent", "agent", a.Name, "err", err, "kind", "transport")
		}
	}
}

func (m *Marshaller) startOne(a config.AgentSpec, remoteBinary string) error {
	addr := net.JoinHostPort(a.IP, "22")
	sshConfig := m.sshConfig
	if a.SSHUser != "" {
		perAgent := *m.sshConfig
		perAgent.User = a.SSHUser
		sshConfig = &perAgent
	}
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("marshal: dial %s: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("marshal: new session to %s: %w", a.Name, err)
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("marshal: open pty for %s: %w", a.Name, err)
	}
	defer tty.Close()

	session.Stdout = tty
	session.Stderr = tty

	cmd := remoteCommand(a, remoteBinary, m.remoteArgs)
	if err := session.Start(cmd); err != nil {
		ptmx.Close()
		session.Close()
		client.Close()
		return fmt.Errorf("marshal: start %q on %s: %w", cmd, a.Name, err)
	}

	outputPath := filepath.Join(m.sandboxDir, a.Name+"_stdout.output")
	done := make(chan struct{})
	go m.capture(a.Name, ptmx, outputPath, done)

	proc := &remoteProc{name: a.Name, client: client, session: session, ptmx: ptmx, done: done}
	m.mu.Lock()
	m.procs[a.Name] = proc
	m.mu.Unlock()

	m.logger.Info("started remote agent", "agent", a.Name, "ip", a.IP, "cmd", cmd)
	return nil
}

// remoteCommand builds the SSH command line: cd into the agent's remote
// work directory and run its binary with --hostname (spec.md 4.J).
func remoteCommand(a config.AgentSpec, remoteBinary string, extraArgs []string) string {
	cmd := fmt.Sprintf("cd %s && %s --hostname=%s", shellQuote(a.RemoteWorkDir), shellQuote(remoteBinary), shellQuote(a.Name))
	for _, arg := range extraArgs {
		cmd += " " + shellQuote(arg)
	}
	return cmd
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

// capture reads lines from buff until it closes, writing each to
// outputPath and mirroring it to the structured logger (spec.md 4.J).
func (m *Marshaller) capture(agentName string, buff io.Reader, outputPath string, done chan struct{}) {
	defer close(done)

	f, err := os.Create(outputPath)
	if err != nil {
		m.logger.Error("failed to open agent output file", "agent", agentName, "err", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(buff)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(f, line)
		m.logger.Info(line, "agent", agentName, "stream", "stdio")
	}
}

// Stop waits stopGrace for each agent's SSH session to end naturally
// (the caller has typically already sent stop/exit over the transport),
// then force-closes any still running, mirroring pi_marshaller.py's
// stop()'s sleep-then-kill.
func (m *Marshaller) Stop() {
	time.Sleep(stopGrace)

	m.mu.Lock()
	procs := make([]*remoteProc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	for _, p := range procs {
		select {
		case <-p.done:
			m.logger.Info("remote agent ended naturally", "agent", p.name)
		default:
			m.logger.Warn("remote agent didn't end naturally, killing", "agent", p.name, "kind", "liveness")
			p.session.Signal(ssh.SIGKILL)
		}
		p.session.Close()
		p.client.Close()
		p.ptmx.Close()
	}
}
