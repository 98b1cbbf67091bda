// Command octopilot-agent runs one agent's control loop: it connects to
// the dispatcher, drives the audio backend and both nosepokes, and
// reports poke/reward/sound events back (spec.md 4.E).
package main

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/rodgers-pac-lab/octopilot/internal/agent"
	"github.com/rodgers-pac-lab/octopilot/internal/audiogen"
	"github.com/rodgers-pac-lab/octopilot/internal/audiosink"
	"github.com/rodgers-pac-lab/octopilot/internal/config"
	"github.com/rodgers-pac-lab/octopilot/internal/events"
	"github.com/rodgers-pac-lab/octopilot/internal/gpioport"
	"github.com/rodgers-pac-lab/octopilot/internal/synth"
	"github.com/rodgers-pac-lab/octopilot/internal/transport"
	"github.com/rodgers-pac-lab/octopilot/internal/wire"
	"github.com/warthog618/go-gpiocdev"
)

func main() {
	var (
		piConfigPath   = pflag.StringP("pi-config", "p", "pi.yaml", "Path to this agent's hardware configuration file.")
		boxConfigPath  = pflag.StringP("box-config", "b", "box.yaml", "Path to the shared box configuration file.")
		hostname       = pflag.StringP("hostname", "n", "", "This agent's name, matching its entry in the box config and its DEALER identity.")
		dispatcherAddr = pflag.StringP("dispatcher-addr", "d", "", "Dispatcher ROUTER address, e.g. tcp://1.2.3.4:5555.")
		logLevel       = pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn, error.")
		eventLogPath   = pflag.StringP("event-log", "e", "", "Path to this agent's event log file. Empty disables event logging.")
	)
	pflag.Parse()

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if *hostname == "" {
		logger.Fatal("--hostname is required")
	}

	piCfg, err := config.LoadPiConfig(*piConfigPath)
	if err != nil {
		logger.Fatal("failed to load pi config", "err", err)
	}
	boxCfg, err := config.LoadBoxConfig(*boxConfigPath)
	if err != nil {
		logger.Fatal("failed to load box config", "err", err)
	}

	var mySpec config.AgentSpec
	found := false
	for _, a := range boxCfg.Agents {
		if a.Name == *hostname {
			mySpec = a
			found = true
			break
		}
	}
	if !found {
		logger.Fatal("hostname not found in box config", "hostname", *hostname)
	}

	var eventLog *events.Log
	if *eventLogPath != "" {
		eventLog, err = events.OpenLog(*eventLogPath)
		if err != nil {
			logger.Fatal("failed to open event log", "err", err)
		}
		defer eventLog.Close()
	}

	var eq *synth.EqualizationCurve
	if piCfg.EqualizationCurvePath != "" {
		eq, err = synth.LoadEqualizationCurve(piCfg.EqualizationCurvePath)
		if err != nil {
			logger.Fatal("failed to load equalization curve", "err", err)
		}
	}

	gen := audiogen.NewGenerator(piCfg.SampleRateHz, piCfg.BlockSize, eq, time.Now().UnixNano())
	sink := audiosink.New(gen, piCfg.BlockSize)
	if err := sink.Start(piCfg.SampleRateHz); err != nil {
		logger.Fatal("failed to start audio backend", "err", err)
	}
	go func() {
		for range time.Tick(time.Second) {
			sink.WarnOnUnderrun(logger)
		}
	}()

	left := buildNosepoke(piCfg, mySpec.LeftPortName, piCfg.Left, logger)
	right := buildNosepoke(piCfg, mySpec.RightPortName, piCfg.Right, logger)
	defer left.Close()
	defer right.Close()

	ctx := context.Background()
	dealer, err := transport.NewDealer(ctx, *dispatcherAddr, transport.Identity(*hostname))
	if err != nil {
		logger.Fatal("failed to connect to dispatcher", "err", err)
	}

	loop := agent.New(agent.Config{
		Name:          *hostname,
		LeftPortName:  mySpec.LeftPortName,
		RightPortName: mySpec.RightPortName,
		Dealer:        dealer,
		Left:          left,
		Right:         right,
		Generator:     gen,
		Sink:          sink,
		Notifications: sink.Notifications,
		EventLog:      eventLog,
		Logger:        logger,
	})

	if err := dealer.Send(wire.Encode(wire.New("hello"))); err != nil {
		logger.Warn("failed to send hello", "err", err)
	}

	loop.Run()
	if loop.ExitRequested() {
		os.Exit(0)
	}
}

func buildNosepoke(piCfg config.PiConfig, portName string, pins config.GPIOPinSet, logger *log.Logger) *gpioport.Nosepoke {
	solenoid, err := gpiocdev.RequestLine(piCfg.GPIOChip, pins.SolenoidLine, gpiocdev.AsOutput(0))
	if err != nil {
		logger.Fatal("failed to request solenoid line", "port", portName, "err", err)
	}
	red, err := gpiocdev.RequestLine(piCfg.GPIOChip, pins.RedLine, gpiocdev.AsOutput(0))
	if err != nil {
		logger.Fatal("failed to request red LED line", "port", portName, "err", err)
	}
	green, err := gpiocdev.RequestLine(piCfg.GPIOChip, pins.GreenLine, gpiocdev.AsOutput(0))
	if err != nil {
		logger.Fatal("failed to request green LED line", "port", portName, "err", err)
	}
	blue, err := gpiocdev.RequestLine(piCfg.GPIOChip, pins.BlueLine, gpiocdev.AsOutput(0))
	if err != nil {
		logger.Fatal("failed to request blue LED line", "port", portName, "err", err)
	}

	solenoidPulse := time.Duration(piCfg.SolenoidPulseMs) * time.Millisecond
	n := gpioport.NewNosepoke(portName, solenoid, red, green, blue, solenoidPulse)
	if err := n.Bind(piCfg.GPIOChip, pins.PokeLine, gpiocdev.WithBothEdges); err != nil {
		logger.Fatal("failed to bind poke-input line", "port", portName, "err", err)
	}
	return n
}
