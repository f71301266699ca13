package sst

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/wsrep"
)

// Status codes for failures that happen before the script reports one.
const (
	StatusLaunchFailed = -1
	StatusTimedOut     = -110
)

// ExecTransfer donates by running the wsrep_sst_<method> script found in
// ScriptDir. The script's exit code becomes the (negated) status code.
type ExecTransfer struct {
	ScriptDir string
	DataDir   string
	Timeout   time.Duration
}

// ScriptPath returns the script run for method.
func (e *ExecTransfer) ScriptPath(method string) string {
	return filepath.Join(e.ScriptDir, "wsrep_sst_"+method)
}

// Args returns the script arguments for a donation.
func (e *ExecTransfer) Args(req Request, gtid wsrep.GTID, bypass bool) []string {
	args := []string{
		"--role", "donor",
		"--address", req.Address,
		"--datadir", e.DataDir,
		"--gtid", gtid.String(),
	}
	if req.DataDir != "" {
		args = append(args, "--joiner-datadir", req.DataDir)
	}
	if bypass {
		args = append(args, "--bypass")
	}
	return args
}

func (e *ExecTransfer) Donate(ctx context.Context, req Request, gtid wsrep.GTID, bypass bool) int {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	if err := ValidMethod(req.Method); err != nil {
		log.Error().Err(err).Msg("Refusing to run SST script")
		return StatusInvalidRequest
	}

	script := e.ScriptPath(req.Method)
	cmd := exec.CommandContext(ctx, script, e.Args(req, gtid, bypass)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error().Err(err).Str("script", script).Msg("Failed to attach SST script output")
		return StatusLaunchFailed
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error().Err(err).Str("script", script).Msg("Failed to attach SST script output")
		return StatusLaunchFailed
	}
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("script", script).Msg("Failed to start SST script")
		return StatusLaunchFailed
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go logLines(&wg, stdout, script, false)
	go logLines(&wg, stderr, script, true)
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Error().Str("script", script).Dur("timeout", e.Timeout).Msg("SST script timed out")
		return StatusTimedOut
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return -exitErr.ExitCode()
	}
	log.Error().Err(err).Str("script", script).Msg("SST script failed")
	return StatusLaunchFailed
}

// maxLogLine caps a single logged line of script output.
const maxLogLine = 1 << 20

func logLines(wg *sync.WaitGroup, r io.Reader, script string, isErr bool) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for sc.Scan() {
		if isErr {
			log.Warn().Str("script", script).Msg(sc.Text())
		} else {
			log.Info().Str("script", script).Msg(sc.Text())
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Str("script", script).Msg("Discarding remaining SST script output")
		// keep the pipe drained or the script blocks on write
		_, _ = io.Copy(io.Discard, r)
	}
}
