package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/coffeeflow/engine/internal/metrics"
)

// Reviver restarts dead containers via the Docker Engine API, addressing
// them by their conventional container name rather than metadata lookup.
type Reviver struct {
	cli     *client.Client
	logger  *slog.Logger
	metrics *metrics.HealthChecker
}

// NewReviver connects to the local Docker daemon via the standard
// environment-derived configuration (DOCKER_HOST, etc).
func NewReviver(logger *slog.Logger, m *metrics.HealthChecker) (*Reviver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("healthcheck: docker client: %w", err)
	}
	return &Reviver{cli: cli, logger: logger, metrics: m}, nil
}

// Revive restarts containerName. A container that is missing or already
// running is logged and treated as success — the leader's next health-check
// tick will notice if it's still not sending heartbeats.
func (r *Reviver) Revive(ctx context.Context, containerName string) error {
	r.logger.Warn("action: revive_container", slog.String("container", containerName))
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := r.cli.ContainerStart(ctx, containerName, container.StartOptions{})
	if r.metrics != nil {
		r.metrics.WorkersRevived.Inc()
	}
	if err != nil {
		if strings.Contains(err.Error(), "No such container") {
			r.logger.Error("action: revive_container", slog.String("result", "not_found"), slog.String("container", containerName))
			return nil
		}
		r.logger.Error("action: revive_container", slog.String("result", "fail"), slog.String("container", containerName), slog.Any("error", err))
		return fmt.Errorf("healthcheck: revive %s: %w", containerName, err)
	}
	r.logger.Info("action: revive_container", slog.String("result", "success"), slog.String("container", containerName))
	return nil
}

// Close releases the underlying Docker API client.
func (r *Reviver) Close() error {
	return r.cli.Close()
}
