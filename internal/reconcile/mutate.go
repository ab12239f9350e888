package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/einen2021/vision365-web/internal/buildings"
	"github.com/einen2021/vision365-web/internal/live"
	"github.com/einen2021/vision365-web/internal/store"
)

// Status is how a mutation settled.
type Status string

const (
	// StatusApplied means the remote write succeeded.
	StatusApplied Status = "applied"
	// StatusReverted means the remote write failed and the optimistic value was rolled back.
	StatusReverted Status = "reverted"
	// StatusDiscarded means the selection changed; nothing was applied to the current view.
	StatusDiscarded Status = "discarded"
)

// Outcome reports a settled mutation.
type Outcome struct {
	BuildingID string `json:"buildingId"`
	Path       string `json:"path"`
	Previous   bool   `json:"previous"`
	Requested  bool   `json:"requested"`
	// Value is the visible value once the mutation settled.
	Value  bool   `json:"value"`
	Status Status `json:"status"`
	Err    error  `json:"-"`
}

// Mutate applies value to the view immediately, writes it, and reconciles: success keeps the
// optimistic value until live state supersedes it, failure reverts it and returns an error
// wrapping store.ErrWriteRejected. Mutations of one field are applied serially.
func (c *Coordinator) Mutate(ctx context.Context, buildingID string, path buildings.FieldPath, value bool) (Outcome, error) {
	return c.run(ctx, buildingID, path, false, func(bool) bool { return value }, func(ctx context.Context) (bool, error) {
		return value, c.writeWithRetry(ctx, buildingID, path, value)
	})
}

// Toggle negates the field. The store value is read and negated remotely, and after a successful
// write the field's document is re-read so the view reflects ground truth without waiting for
// the live push.
func (c *Coordinator) Toggle(ctx context.Context, buildingID string, path buildings.FieldPath) (Outcome, error) {
	return c.run(ctx, buildingID, path, true, func(previous bool) bool { return !previous }, func(ctx context.Context) (bool, error) {
		writeContext, cancel := c.attemptContext(ctx)
		defer cancel()
		return c.writer.Toggle(writeContext, buildingID, path)
	})
}

func (c *Coordinator) run(
	ctx context.Context,
	buildingID string,
	path buildings.FieldPath,
	toggle bool,
	next func(previous bool) bool,
	write func(ctx context.Context) (bool, error),
) (Outcome, error) {
	outcome := Outcome{BuildingID: buildingID, Path: path.String()}
	release, err := c.acquire(ctx, path.String())
	if err != nil {
		return c.discard(outcome, path, err)
	}
	defer release()

	c.mu.Lock()
	if c.buildingID == "" || !buildings.SameBuilding(buildingID, c.buildingID) {
		c.mu.Unlock()
		return c.discard(outcome, path, ErrStaleSelection)
	}
	token := c.token
	previous, known := c.visibleLocked().Value(path)
	if !known && path.Kind == buildings.KindDevices {
		c.mu.Unlock()
		return outcome, fmt.Errorf("%w: unknown device %q", buildings.ErrInvalidFieldPath, path.Key)
	}
	p := &patch{
		path:     path,
		previous: previous,
		pending:  next(previous),
		issuedAt: c.clock(),
		inFlight: true,
		prior:    c.patches[path.String()],
	}
	c.patches[path.String()] = p
	c.mu.Unlock()
	c.onChange()

	outcome.Previous = p.previous
	outcome.Requested = p.pending

	written, writeErr := write(ctx)

	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return c.discard(outcome, path, ErrStaleSelection)
	}
	if writeErr != nil {
		if c.patches[path.String()] == p {
			c.restoreLocked(p)
		}
		outcome.Value, _ = c.visibleLocked().Value(path)
		c.mu.Unlock()
		c.onChange()
		if !errors.Is(writeErr, store.ErrWriteRejected) {
			writeErr = fmt.Errorf("%w: %w", store.ErrWriteRejected, writeErr)
		}
		c.logger.Warn("mutation reverted",
			zap.String("building", buildingID),
			zap.String("field", path.String()),
			zap.Error(writeErr))
		outcome.Status = StatusReverted
		outcome.Err = writeErr
		c.observer.MutationSettled(path.Kind, StatusReverted)
		return outcome, writeErr
	}
	p.inFlight = false
	p.pending = written
	p.prior = nil
	if current, ok := c.live.Value(path); p.liveSeen && ok && current == written {
		// The echo of this write already arrived.
		delete(c.patches, path.String())
	}
	c.mu.Unlock()
	c.onChange()

	if toggle {
		if written != outcome.Requested {
			c.logger.Info("toggle raced with another operator",
				zap.String("building", buildingID),
				zap.String("field", path.String()),
				zap.Bool("expected", outcome.Requested),
				zap.Bool("written", written))
		}
		if c.reader != nil {
			c.reconcileAfterToggle(ctx, buildingID, token, path)
		}
	}

	if _, current := c.Selection(); current != token {
		return c.discard(outcome, path, ErrStaleSelection)
	}
	outcome.Value, _ = c.Value(path)
	outcome.Status = StatusApplied
	c.observer.MutationSettled(path.Kind, StatusApplied)
	return outcome, nil
}

// restoreLocked reverts a failed patch to the resolved patch it displaced, unless live state
// arrived for the field while the write was in flight.
func (c *Coordinator) restoreLocked(p *patch) {
	key := p.path.String()
	if p.prior == nil || p.liveSeen {
		delete(c.patches, key)
		return
	}
	c.patches[key] = p.prior
}

// reconcileAfterToggle re-reads the toggled document and applies it as live state.
func (c *Coordinator) reconcileAfterToggle(ctx context.Context, buildingID string, token uint64, path buildings.FieldPath) {
	snapshot, err := c.reader.ReadKind(ctx, buildingID, path.Kind)
	if err != nil {
		c.logger.Warn("post-toggle read failed, awaiting live update",
			zap.String("building", buildingID),
			zap.String("field", path.String()),
			zap.Error(err))
		return
	}
	c.ApplyLive(live.Update{
		BuildingID: buildingID,
		Kind:       path.Kind,
		Token:      token,
		Snapshot:   snapshot,
		ReceivedAt: c.clock(),
	})
}

func (c *Coordinator) discard(outcome Outcome, path buildings.FieldPath, err error) (Outcome, error) {
	outcome.Status = StatusDiscarded
	outcome.Err = err
	c.observer.MutationSettled(path.Kind, StatusDiscarded)
	return outcome, err
}

func (c *Coordinator) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.writeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.writeTimeout)
}

func (c *Coordinator) writeWithRetry(ctx context.Context, buildingID string, path buildings.FieldPath, value bool) error {
	var err error
	for attempt := 1; attempt <= c.retry.attempts(); attempt++ {
		attemptContext, cancel := c.attemptContext(ctx)
		err = c.writer.SetValue(attemptContext, buildingID, path, value)
		cancel()
		if err == nil || errors.Is(err, store.ErrNotConfigured) || attempt == c.retry.attempts() {
			return err
		}
		c.logger.Info("retrying rejected write",
			zap.String("building", buildingID),
			zap.String("field", path.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(c.retry.Backoff):
		}
	}
	return err
}
