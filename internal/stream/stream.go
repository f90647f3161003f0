// Package stream runs long-lived subordinate commands and feeds their
// standard output to a line handler.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
)

const (
	ErrEmptyCommand = errors.ErrorCode("stream_empty_command")
	ErrStartFailed  = errors.ErrorCode("stream_start_failed")

	maxLineSize = 1024 * 1024
)

// LineHandler consumes one line of output, without its trailing newline.
type LineHandler func(line string)

// Scan feeds every line of r to handle until r is exhausted or ctx is done.
// Lines longer than maxLineSize are skipped whole and reading continues.
// It returns the read error, if any; io.EOF is not an error.
func Scan(ctx context.Context, r io.Reader, handle LineHandler) error {
	br := bufio.NewReaderSize(r, 8192)
	line := make([]byte, 0, 8192)
	oversize := false

	for {
		chunk, err := br.ReadSlice('\n')
		if !oversize {
			if len(line)+len(chunk) > maxLineSize+2 {
				oversize = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		if len(line) > 0 || oversize {
			if !oversize {
				handle(string(trimEOL(line)))
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
		}
		line = line[:0]
		oversize = false

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// Split turns a configured command line into argv. Quoting is not supported.
func Split(command string) []string {
	return strings.Fields(command)
}

// Command starts argv and feeds its stdout to handle, blocking until the
// stream closes. The child is killed when ctx is cancelled. Exit of the child
// is not an error; it is logged and Command returns.
func Command(ctx context.Context, argv []string, handle LineHandler, log logger.Logger) error {
	errFactory := errors.New()

	if len(argv) == 0 {
		return errFactory.New(ErrEmptyCommand)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errFactory.Wrap(ErrStartFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return errFactory.Wrap(ErrStartFailed, err).WithMessage("Failed to start " + argv[0])
	}

	log.Info().Str("command", argv[0]).Int("pid", cmd.Process.Pid).Msg("Subordinate process started")

	scanErr := Scan(ctx, stdout, handle)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		log.Debug().Str("command", argv[0]).Msg("Subordinate process stopped")
	case scanErr != nil:
		log.Warn().Err(scanErr).Str("command", argv[0]).Msg("Subordinate output unreadable, no fresh data from now on")
	default:
		log.Warn().AnErr("exit", waitErr).Str("command", argv[0]).Msg("Subordinate process exited, no fresh data from now on")
	}

	return nil
}
