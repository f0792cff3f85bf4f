package process

import (
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// DockerConfig holds configuration for the docker invocations.
type DockerConfig struct {
	// BinaryPath is the path to the docker CLI.
	BinaryPath string

	// Container is the container (and compose service) name.
	Container string

	// ComposeFile is passed as "docker compose -f". Empty uses the
	// compose default lookup.
	ComposeFile string

	// ProjectDir is passed as "docker compose --project-directory".
	ProjectDir string

	// Tail limits "docker logs" to the last N lines. 0 = all.
	Tail int
}

// DefaultDockerConfig returns a DockerConfig with sensible defaults.
func DefaultDockerConfig() *DockerConfig {
	return &DockerConfig{
		BinaryPath: "docker",
		Container:  "lads-mc",
	}
}

// DockerCommands implements CommandSet with the docker CLI.
type DockerCommands struct {
	config *DockerConfig
}

// NewDockerCommands creates a docker command set with the given configuration.
func NewDockerCommands(cfg *DockerConfig) *DockerCommands {
	return &DockerCommands{config: cfg}
}

// Name returns "docker".
func (d *DockerCommands) Name() string {
	return "docker"
}

// Argv implements CommandSet.
func (d *DockerCommands) Argv(cmd wire.Command) (string, []string) {
	return d.config.BinaryPath, d.buildArgs(cmd)
}

// buildArgs constructs the docker command-line arguments.
func (d *DockerCommands) buildArgs(cmd wire.Command) []string {
	switch cmd {
	case wire.LogsFollow:
		return append(d.logsArgs(), "-f")
	case wire.LogsOnce:
		return d.logsArgs()
	case wire.Start:
		return append(d.composeArgs(), "up", d.config.Container, "-d")
	case wire.Stop:
		return append(d.composeArgs(), "stop", d.config.Container)
	case wire.Restart:
		return append(d.composeArgs(), "restart", d.config.Container)
	default:
		return nil
	}
}

func (d *DockerCommands) logsArgs() []string {
	args := []string{"logs", d.config.Container}
	if d.config.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(d.config.Tail))
	}
	return args
}

// composeArgs returns the "docker compose" prefix with global options.
func (d *DockerCommands) composeArgs() []string {
	args := []string{"compose"}
	if d.config.ComposeFile != "" {
		args = append(args, "-f", d.config.ComposeFile)
	}
	if d.config.ProjectDir != "" {
		args = append(args, "--project-directory", d.config.ProjectDir)
	}
	return args
}

// Config returns the docker configuration.
func (d *DockerCommands) Config() *DockerConfig {
	return d.config
}

// CommandString returns the command that would be executed (for debugging).
func (d *DockerCommands) CommandString(cmd wire.Command) string {
	program, args := d.Argv(cmd)
	return program + " " + strings.Join(args, " ")
}

// ClientOutput selects the stream a one-shot command reports to the client.
// docker logs prints the log on stdout; docker compose reports progress on
// stderr, so stdout is only used when stderr is empty.
func ClientOutput(cmd wire.Command, out *Output) []byte {
	if cmd == wire.LogsOnce || cmd == wire.LogsFollow {
		return out.Stdout
	}
	if len(out.Stderr) == 0 {
		return out.Stdout
	}
	return out.Stderr
}

var _ CommandSet = (*DockerCommands)(nil)
