// Command octopilot-dispatcher runs the dispatcher side of a session: it
// binds the ROUTER transport, optionally launches each agent process
// over SSH, and drives the trial-advancement control loop (spec.md 4.I).
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
	"github.com/rodgers-pac-lab/octopilot/internal/dispatcher"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/marshal"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/trial"
)

func main() {
	var (
		boxConfigPath  = pflag.StringP("box-config", "b", "box.yaml", "Path to the box configuration file.")
		taskConfigPath = pflag.StringP("task-config", "t", "task.yaml", "Path to the task configuration file.")
		sandboxRoot    = pflag.StringP("sandbox-root", "s", "/var/octopilot/sandboxes", "Root directory for per-session sandbox directories.")
		remoteBinary   = pflag.StringP("remote-binary", "r", "/home/pi/octopilot/octopilot-agent", "Path to the agent binary on each remote host.")
		sshUser        = pflag.StringP("ssh-user", "u", "pi", "SSH user for connecting to agents, used when an agent's own ssh_user is unset.")
		launchRemote   = pflag.BoolP("launch-remote", "m", true, "Launch each agent over SSH (disable for manually-started agents during development).")
		logLevel       = pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
		eventLogPath   = pflag.StringP("event-log", "e", "", "Path to the session event log file. Empty disables event logging.")
	)
	pflag.Parse()

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	boxCfg, err := config.LoadBoxConfig(*boxConfigPath)
	if err != nil {
		logger.Fatal("failed to load box config", "err", err)
	}
	taskCfg, err := config.LoadTaskConfig(*taskConfigPath)
	if err != nil {
		logger.Fatal("failed to load task config", "err", err)
	}

	var eventLog *events.Log
	if *eventLogPath != "" {
		eventLog, err = events.OpenLog(*eventLogPath)
		if err != nil {
			logger.Fatal("failed to open event log", "err", err)
		}
		defer eventLog.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bindAddr := fmt.Sprintf("tcp://*:%d", boxCfg.ZMQPort)
	router, err := transport.NewRouter(ctx, bindAddr)
	if err != nil {
		logger.Fatal("failed to bind router", "err", err)
	}
	defer router.Close()

	var marshaller *marshal.Marshaller
	if *launchRemote {
		sandboxDir, err := marshal.SandboxDir(*sandboxRoot, time.Now())
		if err != nil {
			logger.Fatal("failed to compute sandbox directory", "err", err)
		}
		if err := os.MkdirAll(sandboxDir, 0o755); err != nil {
			logger.Fatal("failed to create sandbox directory", "err", err)
		}

		auth, err := sshAgentAuth()
		if err != nil {
			logger.Fatal("failed to set up ssh agent auth", "err", err)
		}
		sshConfig := &ssh.ClientConfig{
			User:            *sshUser,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		}
		marshaller = marshal.New(sshConfig, []string{"--box-config=" + filepath.Base(*boxConfigPath)}, sandboxDir, logger)
		marshaller.Start(boxCfg.Agents, *remoteBinary)
		defer marshaller.Stop()
	}

	ranges := trial.RangesFromTaskConfig(taskCfg)
	chooser := trial.NewChooser(boxCfg.PortNames(), taskCfg.RewardRadius, taskCfg.PlayTargets, taskCfg.PlayDistracters, ranges, rand.New(rand.NewSource(time.Now().UnixNano())))

	d := dispatcher.New(dispatcher.Config{
		Router:   router,
		Box:      boxCfg,
		Task:     taskCfg,
		Chooser:  chooser,
		EventLog: eventLog,
		Logger:   logger,
	})

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		d.StopSession()
		close(stop)
	}()

	d.Run(stop)
}

// sshAgentAuth dials the running ssh-agent over SSH_AUTH_SOCK and
// authenticates with whatever keys it holds.
func sshAgentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set; start ssh-agent and add your key")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh agent: %w", err)
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}
