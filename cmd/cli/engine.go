package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anstrom/portprobe/internal/config"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/resolver"
	"github.com/anstrom/portprobe/internal/scanning"
)

// newEngine builds a scan engine from the scanning section of cfg. The
// resolver is attached only when both the config and the caller want it.
func newEngine(cfg *config.Config, logger *logging.Logger, recorder metrics.ScanRecorder, resolve bool) *scanning.Engine {
	opts := scanning.Options{
		Concurrency:    cfg.Scanning.Concurrency,
		ConnectTimeout: cfg.Scanning.ConnectTimeout,
		Recorder:       recorder,
		Logger:         logger,
	}
	if resolve && cfg.Scanning.ResolveHost {
		opts.Resolver = resolver.New(resolver.Options{Logger: logger})
	}
	return scanning.NewEngine(opts)
}

// parseRangeArgs turns HOST START [END] into a validated request.
func parseRangeArgs(args []string, maxRange int) (scanning.ScanRequest, error) {
	if len(args) < 2 || len(args) > 3 {
		return scanning.ScanRequest{}, fmt.Errorf("expected HOST START [END], got %d arguments", len(args))
	}

	ports := make([]int, 0, 2)
	for _, arg := range args[1:] {
		port, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return scanning.ScanRequest{}, fmt.Errorf("invalid port %q: not a number", arg)
		}
		ports = append(ports, port)
	}

	req := scanning.NewRangeRequest(args[0], ports[0], ports[1:]...)
	if err := req.Validate(); err != nil {
		return scanning.ScanRequest{}, err
	}
	if maxRange > 0 && req.TotalAttempts() > maxRange {
		return scanning.ScanRequest{}, fmt.Errorf("range covers %d ports, the limit is %d",
			req.TotalAttempts(), maxRange)
	}
	return req, nil
}
