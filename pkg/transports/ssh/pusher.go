package ssh

import (
	"context"
	"fmt"
	"time"

	"github.com/blueprintd/blueprintd/pkg/telemetry"
)

// Pusher writes rendered configuration to machines, one connection per push.
type Pusher struct {
	template Config
	dial     func(ctx context.Context, cfg *Config) (Transport, error)
	logger   *telemetry.Logger
}

// NewPusher returns a Pusher that connects with template, overriding Host
// per request.
func NewPusher(template Config, logger *telemetry.Logger) *Pusher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Pusher{
		template: template,
		dial: func(ctx context.Context, cfg *Config) (Transport, error) {
			return Dial(ctx, cfg)
		},
		logger: logger.NewComponentLogger("ssh-pusher"),
	}
}

// Push writes every file and then runs the reload command.
func (p *Pusher) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	if req.Host == "" {
		return nil, fmt.Errorf("push requires a host")
	}
	if len(req.Files) == 0 && req.Reload == "" {
		return nil, fmt.Errorf("push to %s has nothing to do", req.Host)
	}

	start := time.Now()
	cfg := p.template
	cfg.Host = req.Host

	conn, err := p.dial(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	result := &PushResult{
		Host:      req.Host,
		Checksums: make(map[string]string, len(req.Files)),
	}

	for _, f := range req.Files {
		transfer, err := conn.WriteFile(ctx, f.Path, f.Content, f.Mode)
		if err != nil {
			return nil, err
		}
		result.Files++
		result.Bytes += transfer.BytesTransferred
		result.Checksums[f.Path] = transfer.Checksum
	}

	if req.Reload != "" {
		exec, err := conn.Run(ctx, req.Reload)
		if err != nil {
			return nil, err
		}
		result.Output = exec.Stdout
	}

	result.Duration = time.Since(start)

	p.logger.WithFields(map[string]interface{}{
		"host":     req.Host,
		"files":    result.Files,
		"bytes":    result.Bytes,
		"duration": result.Duration.String(),
	}).Info("Configuration pushed")

	return result, nil
}
