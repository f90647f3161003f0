package window

import (
	"context"
	"os/exec"
	"time"

	"codeberg.org/mutker/actlog/internal/config"
	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/stream"
)

// DefaultTimeout bounds a single query.
const DefaultTimeout = time.Second

// Runner executes a one-shot command and returns its standard output.
type Runner interface {
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. A non-zero exit is an error.
type ExecRunner struct{}

func (ExecRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New().New(stream.ErrEmptyCommand)
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// Probe queries the focused window once per call.
type Probe struct {
	argv    []string
	parse   func([]byte) (*Info, error)
	timeout time.Duration
	runner  Runner
	log     logger.Logger
}

// NewProbe returns a Probe for command whose reply is in format. A nil runner
// uses ExecRunner.
func NewProbe(command, format string, timeout time.Duration, runner Runner, log logger.Logger) *Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	parse := ParseJSON
	if format == config.WindowFormatMango {
		parse = ParseMango
	}
	return &Probe{
		argv:    stream.Split(command),
		parse:   parse,
		timeout: timeout,
		runner:  runner,
		log:     log.With("window"),
	}
}

// Focused returns the focused window, or nil when there is none or the query
// failed in any way.
func (p *Probe) Focused(ctx context.Context) *Info {
	info, err := p.Query(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("No focused window")
		return nil
	}
	return info
}

// Query runs the command under the probe timeout and parses the reply.
func (p *Probe) Query(ctx context.Context) (*Info, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner.Output(ctx, p.argv)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}

	return p.parse(out)
}
