package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/executor"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	loggingpkg "github.com/drblury/momflow/internal/runtime/logging"
)

// Feeder produces messages on a schedule. A nil message skips the tick.
type Feeder interface {
	Apply(ctx context.Context) (kvmsg.Message, error)
	Interval() time.Duration
}

// FeederFunc adapts a function and a fixed interval to Feeder.
type FeederFunc struct {
	Every time.Duration
	Fn    func(ctx context.Context) (kvmsg.Message, error)
}

func (f FeederFunc) Apply(ctx context.Context) (kvmsg.Message, error) { return f.Fn(ctx) }
func (f FeederFunc) Interval() time.Duration                          { return f.Every }

type feederLoop struct {
	t      tomb.Tomb
	dest   string
	feeder Feeder
	exec   *executor.Executor
	logger loggingpkg.ServiceLogger
	sent   atomic.Int64
}

// FeederService publishes the output of feeder to dest as one-way messages
// every feeder.Interval().
func (c *Client) FeederService(ctx context.Context, dest string, feeder Feeder) (*Service, error) {
	if dest == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if feeder == nil {
		return nil, errspkg.ErrFeederRequired
	}
	if feeder.Interval() <= 0 {
		return nil, errspkg.NewConfigValidationError(errors.New("feeder interval must be positive"))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errspkg.ErrClientClosed
	}
	if c.feederExec == nil {
		e, err := c.newExecutorLocked()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.feederExec = e
	}
	exec := c.feederExec
	c.mu.Unlock()

	loop := &feederLoop{
		dest:   dest,
		feeder: feeder,
		exec:   exec,
		logger: c.Logger.With(loggingpkg.LogFields{loggingpkg.FieldDestination: dest, "service": KindFeeder}),
	}
	s := &Service{Kind: KindFeeder, Destination: dest, feeder: loop, client: c}
	if err := c.track(s); err != nil {
		return nil, err
	}
	loop.t.Go(func() error { return loop.run(loop.t.Context(context.WithoutCancel(ctx))) })
	loop.logger.Info("Feeder started", loggingpkg.LogFields{"interval": feeder.Interval()})
	return s, nil
}

func (f *feederLoop) run(ctx context.Context) error {
	ticker := time.NewTicker(f.feeder.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-f.t.Dying():
			return nil
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *feederLoop) tick(ctx context.Context) {
	msg, err := f.feeder.Apply(ctx)
	if err != nil {
		f.logger.Error("Feeder failed", err, nil)
		return
	}
	if msg == nil {
		return
	}
	if _, err := f.exec.FireAndForget(ctx, msg, f.dest); err != nil {
		f.logger.Error("Feeder publish failed", err, nil)
		return
	}
	f.sent.Add(1)
}

func (f *feederLoop) stop(ctx context.Context) error {
	f.t.Kill(nil)
	select {
	case <-f.t.Dead():
		return f.t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
