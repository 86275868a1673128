package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/types"
)

// statsFormat asks docker stats for the fields we parse, comma separated.
const statsFormat = "{{.Name}},{{.CPUPerc}},{{.MemUsage}},{{.NetIO}},{{.BlockIO}}"

// DockerCLI drives containers by shelling out to the docker binary.
type DockerCLI struct {
	// Binary overrides the docker executable, mainly for tests.
	Binary string
}

// NewDockerCLI returns a driver using the docker binary on PATH.
func NewDockerCLI() *DockerCLI {
	return &DockerCLI{Binary: "docker"}
}

func (d *DockerCLI) Restart(ctx context.Context, containerName string) error {
	cmd := exec.CommandContext(ctx, d.Binary, "restart", containerName)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.WithComponent("driver").Debug().Str("container", containerName).Msg("restarting container")
	if err := cmd.Run(); err != nil {
		return &types.DriverError{
			Op:       "restart",
			ExitCode: exitCode(err),
			Err:      fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return nil
}

func (d *DockerCLI) Compose(ctx context.Context, spec types.ComposeSpec) (*ComposeResult, error) {
	args := composeArgs(spec)
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithComponent("driver").Info().
		Str("action", spec.Action).
		Strs("services", spec.Services).
		Bool("dry_run", spec.DryRun).
		Msg("running compose action")

	err := cmd.Run()
	res := &ComposeResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, &types.DriverError{Op: "compose " + spec.Action, ExitCode: -1, Err: err}
	}
	return res, nil
}

// composeArgs builds the docker compose argument list for a spec.
func composeArgs(spec types.ComposeSpec) []string {
	args := []string{"compose"}
	if spec.File != "" {
		args = append(args, "-f", spec.File)
	}
	if spec.Project != "" {
		args = append(args, "-p", spec.Project)
	}
	if spec.DryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, spec.Action)
	switch spec.Action {
	case "up":
		if spec.Detach {
			args = append(args, "-d")
		}
	case "logs":
		if spec.Tail > 0 {
			args = append(args, "--tail", strconv.Itoa(spec.Tail))
		}
	}
	return append(args, spec.Services...)
}

func (d *DockerCLI) Stats(ctx context.Context, containerName string) (*types.ContainerStats, error) {
	cmd := exec.CommandContext(ctx, d.Binary,
		"stats", "--no-stream", "--format", statsFormat, containerName)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &types.DriverError{
			Op:       "stats",
			ExitCode: exitCode(err),
			Err:      fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return parseStatsLine(strings.TrimSpace(stdout.String()))
}

// parseStatsLine parses one line of docker stats output in statsFormat.
func parseStatsLine(line string) (*types.ContainerStats, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("malformed stats line %q", line)
	}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(fields[1]), "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("parse cpu %q: %w", fields[1], err)
	}

	memUsed, _, err := splitPair(fields[2])
	if err != nil {
		return nil, fmt.Errorf("parse memory %q: %w", fields[2], err)
	}
	netIn, netOut, err := splitPair(fields[3])
	if err != nil {
		return nil, fmt.Errorf("parse network io %q: %w", fields[3], err)
	}
	blockRead, blockWrite, err := splitPair(fields[4])
	if err != nil {
		return nil, fmt.Errorf("parse block io %q: %w", fields[4], err)
	}

	return &types.ContainerStats{
		CPUPercent:      cpu,
		MemoryMB:        memUsed / (1024 * 1024),
		NetInBytes:      uint64(netIn),
		NetOutBytes:     uint64(netOut),
		BlockReadBytes:  uint64(blockRead),
		BlockWriteBytes: uint64(blockWrite),
	}, nil
}

// splitPair parses a "1.2kB / 3.4MB" style field into bytes.
func splitPair(field string) (float64, float64, error) {
	parts := strings.Split(field, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two values in %q", field)
	}
	a, err := parseSize(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := parseSize(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// sizeSuffixes maps docker's size suffixes to byte multipliers. Decimal
// suffixes (kB, MB) are powers of 1000, binary ones (KiB, MiB) powers of
// 1024, matching what docker stats emits.
var sizeSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"TB", 1e12},
	{"GB", 1e9},
	{"MB", 1e6},
	{"kB", 1e3},
	{"B", 1},
}

// parseSize converts a docker-formatted size like "1.5MiB" to bytes.
func parseSize(s string) (float64, error) {
	for _, ss := range sizeSuffixes {
		if strings.HasSuffix(s, ss.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, ss.suffix))
			v, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("parse size %q: %w", s, err)
			}
			return v * ss.mult, nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", s)
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
