package terminate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"text/template"

	"al.essio.dev/pkg/shellescape"
	"github.com/google/shlex"
)

const (
	// DefaultJobIDVar is the environment variable the batch system sets to
	// the job id.
	DefaultJobIDVar = "PBS_JOBID"

	// DefaultCommand deletes the job through the batch system.
	DefaultCommand = "qdel {{.JobID}}"
)

// CommandConfig configures the command kill backend.
type CommandConfig struct {
	// Template is a text/template rendered with CommandVars. Defaults to
	// DefaultCommand.
	Template string `yaml:"template"`

	// JobIDVar names the environment variable carrying the job id.
	// Defaults to PBS_JOBID.
	JobIDVar string `yaml:"job_id_var"`
}

// CommandVars are the fields available to the command template.
type CommandVars struct {
	JobID  string
	Host   string
	PID    string
	Reason string
}

// Command runs an operator supplied command, typically the batch system's
// job delete tool.
type Command struct {
	config CommandConfig
	tmpl   *template.Template
	logger *slog.Logger
}

// NewCommand parses the template and creates a command backend.
func NewCommand(config CommandConfig, logger *slog.Logger) (*Command, error) {
	if config.Template == "" {
		config.Template = DefaultCommand
	}
	if config.JobIDVar == "" {
		config.JobIDVar = DefaultJobIDVar
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := template.New("kill").Option("missingkey=error").Parse(config.Template)
	if err != nil {
		return nil, fmt.Errorf("parsing kill command template: %w", err)
	}

	return &Command{config: config, tmpl: tmpl, logger: logger}, nil
}

// Name returns "command".
func (c *Command) Name() string {
	return "command"
}

// Kill renders and runs the command. The context bounds its runtime.
func (c *Command) Kill(ctx context.Context, reason string) error {
	jobID := os.Getenv(c.config.JobIDVar)
	if jobID == "" {
		return fmt.Errorf("%s: %w", c.config.JobIDVar, ErrNoJobID)
	}
	host, _ := os.Hostname()

	argv, err := c.render(CommandVars{
		JobID:  jobID,
		Host:   host,
		PID:    strconv.Itoa(os.Getpid()),
		Reason: reason,
	})
	if err != nil {
		return err
	}

	c.logger.Info("running kill command",
		slog.String("command", argv[0]),
		slog.String("job_id", jobID),
	)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("kill command %q failed: %w: %s", argv[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// render fills the template with shell-quoted fields and splits the result
// into argv.
func (c *Command) render(vars CommandVars) ([]string, error) {
	escaped := CommandVars{
		JobID:  shellescape.Quote(vars.JobID),
		Host:   shellescape.Quote(vars.Host),
		PID:    shellescape.Quote(vars.PID),
		Reason: shellescape.Quote(vars.Reason),
	}

	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, escaped); err != nil {
		return nil, fmt.Errorf("executing kill command template: %w", err)
	}

	argv, err := shlex.Split(buf.String())
	if err != nil {
		return nil, fmt.Errorf("splitting kill command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("kill command is empty")
	}
	return argv, nil
}
