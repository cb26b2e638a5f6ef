package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/opszero/hive/pkg/config"
	"github.com/opszero/hive/pkg/fleet"
)

const truncatedMarker = "\n[output truncated]"

// result is the outcome of running one command, ready to acknowledge.
type result struct {
	Status       fleet.CommandStatus
	Output       string
	ErrorMessage string
	ExitCode     *int
}

func completed(output string, exitCode int) result {
	return result{Status: fleet.CommandCompleted, Output: output, ExitCode: &exitCode}
}

func failed(format string, args ...any) result {
	return result{Status: fleet.CommandFailed, ErrorMessage: fmt.Sprintf(format, args...)}
}

// runFunc executes argv and returns its combined output and exit code.
type runFunc func(ctx context.Context, argv []string) ([]byte, int, error)

// executor turns dispatched commands into local actions.
type executor struct {
	actions   config.ActionsConfig
	goos      string
	maxOutput int
	run       runFunc
	wakePort  int
	log       zerolog.Logger
}

func newExecutor(actions config.ActionsConfig, goos string, logger zerolog.Logger) *executor {
	return &executor{
		actions:   actions,
		goos:      goos,
		maxOutput: actions.MaxOutputKB * 1024,
		run:       runProcess,
		wakePort:  defaultWakePort,
		log:       logger,
	}
}

// Execute runs cmd within its timeout.
func (e *executor) Execute(ctx context.Context, cmd fleet.Command) result {
	params, err := cmd.DecodeParameters()
	if err != nil {
		return failed("decode parameters: %v", err)
	}
	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	switch p := params.(type) {
	case *fleet.WakeParameters:
		if err := sendMagicPacket(ctx, p.MACAddress, p.Broadcast, e.wakePort); err != nil {
			return failed("wake: %v", err)
		}
		return completed("magic packet sent to "+p.MACAddress, 0)
	case *fleet.CustomParameters:
		if !e.actions.AllowCustom {
			return failed("custom commands are disabled on this device")
		}
		return e.exec(ctx, append([]string{p.Command}, p.Args...))
	}

	argv, err := e.argv(cmd.CommandType, params)
	if err != nil {
		return failed("%v", err)
	}
	return e.exec(ctx, argv)
}

// argv resolves the program for a built-in command, preferring configured
// overrides over the platform default.
func (e *executor) argv(t fleet.CommandType, params fleet.CommandParameters) ([]string, error) {
	var override []string
	switch t {
	case fleet.CommandLock:
		override = e.actions.Lock
	case fleet.CommandUnlock:
		override = e.actions.Unlock
	case fleet.CommandShutdown:
		override = e.actions.Shutdown
	case fleet.CommandRestart:
		override = e.actions.Restart
	}
	if len(override) > 0 {
		return override, nil
	}
	return defaultArgv(e.goos, t, params)
}

func defaultArgv(goos string, t fleet.CommandType, params fleet.CommandParameters) ([]string, error) {
	switch t {
	case fleet.CommandLock:
		switch goos {
		case "linux":
			return []string{"loginctl", "lock-sessions"}, nil
		case "darwin":
			return []string{"pmset", "displaysleepnow"}, nil
		case "windows":
			return []string{"rundll32.exe", "user32.dll,LockWorkStation"}, nil
		}
	case fleet.CommandUnlock:
		if goos == "linux" {
			return []string{"loginctl", "unlock-sessions"}, nil
		}
	case fleet.CommandShutdown, fleet.CommandRestart:
		power, _ := params.(*fleet.PowerParameters)
		if power == nil {
			power = &fleet.PowerParameters{}
		}
		return powerArgv(goos, t == fleet.CommandRestart, *power)
	}
	return nil, fmt.Errorf("%s is not supported on %s", t, goos)
}

func powerArgv(goos string, restart bool, p fleet.PowerParameters) ([]string, error) {
	switch goos {
	case "linux", "darwin":
		mode := "-h"
		if restart {
			mode = "-r"
		}
		when := "now"
		if p.DelaySeconds > 0 {
			// shutdown(8) schedules in whole minutes.
			when = "+" + strconv.Itoa((p.DelaySeconds+59)/60)
		}
		return []string{"shutdown", mode, when}, nil
	case "windows":
		mode := "/s"
		if restart {
			mode = "/r"
		}
		argv := []string{"shutdown", mode, "/t", strconv.Itoa(p.DelaySeconds)}
		if p.Force {
			argv = append(argv, "/f")
		}
		return argv, nil
	}
	return nil, fmt.Errorf("power commands are not supported on %s", goos)
}

func (e *executor) exec(ctx context.Context, argv []string) result {
	e.log.Debug().Strs("argv", argv).Msg("running command")
	out, code, err := e.run(ctx, argv)
	output := truncateOutput(out, e.maxOutput)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r := failed("command exceeded its timeout")
		r.Output = output
		return r
	}
	if err != nil {
		r := failed("%v", err)
		r.Output = output
		if code >= 0 {
			r.ExitCode = &code
		}
		return r
	}
	return completed(output, code)
}

// runProcess is the default runFunc. A process that started and exited
// non-zero reports its exit code; one that never started reports -1.
func runProcess(ctx context.Context, argv []string) ([]byte, int, error) {
	if len(argv) == 0 {
		return nil, -1, errors.New("empty command")
	}
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.Bytes(), exitErr.ExitCode(), fmt.Errorf("exited with status %d", exitErr.ExitCode())
	}
	if err != nil {
		return buf.Bytes(), -1, err
	}
	return buf.Bytes(), 0, nil
}

func truncateOutput(out []byte, limit int) string {
	if limit <= 0 || len(out) <= limit {
		return string(out)
	}
	return string(out[:limit]) + truncatedMarker
}
