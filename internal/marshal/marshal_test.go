package marshal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodgers-pac-lab/octopilot/internal/config"
)

func TestSandboxDir_FormatsTimestampedSubdirectory(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 5, 9, 0, time.UTC)
	dir, err := SandboxDir("/var/octopilot/sandboxes", ts)
	require.NoError(t, err)
	assert.Equal(t, "/var/octopilot/sandboxes/session_20260731_140509", dir)
}

func TestRemoteCommand_QuotesEachComponent(t *testing.T) {
	a := config.AgentSpec{Name: "rpi01", RemoteWorkDir: "/home/pi/octopilot"}
	cmd := remoteCommand(a, "/home/pi/octopilot-agent", nil)
	assert.Equal(t, "cd '/home/pi/octopilot' && '/home/pi/octopilot-agent' --hostname='rpi01'", cmd)
}

func TestRemoteCommand_AppendsExtraArgs(t *testing.T) {
	a := config.AgentSpec{Name: "rpi01", RemoteWorkDir: "/home/pi/octopilot"}
	cmd := remoteCommand(a, "/home/pi/octopilot-agent", []string{"--log-level=debug"})
	assert.Contains(t, cmd, "'--log-level=debug'")
}
