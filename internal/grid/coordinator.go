package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

const defaultPanelTimeout = 30 * time.Second

// Directory is the part of the panel registry the coordinator reads and updates
type Directory interface {
	LookupByPosition(position int) (domain.Panel, error)
	Link(address string) (domain.Link, error)
	ApplyPixel(address string, x, y int, c domain.RGB)
	ApplyFrame(address string, fb domain.FrameBuffer)
}

// Observer is told about every finished grid-wide operation
type Observer interface {
	ObserveGrid(op string, result *domain.GridResult)
}

// Options tunes the coordinator
type Options struct {
	// PanelTimeout bounds how long one panel's write may wait in its queue
	PanelTimeout time.Duration
}

// Coordinator translates canvas operations into per-panel writes
type Coordinator struct {
	dir      Directory
	logger   *zap.Logger
	opts     Options
	observer Observer
}

// target is one panel selected to receive a grid-wide write
type target struct {
	position int
	address  string
	link     domain.Link
}

// NewCoordinator creates a coordinator over dir. observer may be nil.
func NewCoordinator(dir Directory, logger *zap.Logger, opts Options, observer Observer) *Coordinator {
	if opts.PanelTimeout <= 0 {
		opts.PanelTimeout = defaultPanelTimeout
	}
	return &Coordinator{
		dir:      dir,
		logger:   logger,
		opts:     opts,
		observer: observer,
	}
}

// SetGridPixel writes one canvas pixel to the single panel that owns it
func (c *Coordinator) SetGridPixel(ctx context.Context, gx, gy int, color domain.RGB) error {
	cell, err := Decompose(gx, gy)
	if err != nil {
		return err
	}
	cmd, err := codec.EncodePixel(cell.X, cell.Y, color)
	if err != nil {
		return err
	}

	panel, err := c.dir.LookupByPosition(cell.Position)
	if err != nil {
		return err
	}
	link, err := c.dir.Link(panel.Address)
	if err != nil {
		return domain.Errorf(domain.KindNotConnected, "grid pixel",
			"panel %s at position %d has no link", panel.Address, cell.Position)
	}

	if err := link.Write(ctx, cmd); err != nil {
		return err
	}
	c.dir.ApplyPixel(panel.Address, cell.X, cell.Y, color)

	c.logger.Debug("Grid pixel set",
		zap.Int("gx", gx),
		zap.Int("gy", gy),
		zap.Int("position", cell.Position),
		zap.String("address", panel.Address))
	return nil
}

// FillGrid paints every assigned and connected panel with one color
func (c *Coordinator) FillGrid(ctx context.Context, color domain.RGB) (*domain.GridResult, error) {
	cmds, err := codec.EncodeFill(color)
	if err != nil {
		return nil, err
	}
	frame := domain.UniformFrame(color)

	return c.fanOut(ctx, "fill", func(int) ([][]byte, domain.FrameBuffer, error) {
		return cmds, frame, nil
	})
}

// ClearGrid turns every assigned and connected panel black
func (c *Coordinator) ClearGrid(ctx context.Context) (*domain.GridResult, error) {
	cmds := codec.EncodeClear()
	frame := domain.NewFrameBuffer()

	return c.fanOut(ctx, "clear", func(int) ([][]byte, domain.FrameBuffer, error) {
		return cmds, frame, nil
	})
}

// SetGridImage slices a 64x64 canvas and sends each slice to the panel at
// the matching position
func (c *Coordinator) SetGridImage(ctx context.Context, canvas domain.FrameBuffer) (*domain.GridResult, error) {
	frames, err := Slice(canvas)
	if err != nil {
		return nil, err
	}

	return c.fanOut(ctx, "image", func(position int) ([][]byte, domain.FrameBuffer, error) {
		cmds, err := codec.EncodeImage(frames[position])
		return cmds, frames[position], err
	})
}

// eligible resolves the panels a grid-wide operation writes to and records
// a skip for every other cell
func (c *Coordinator) eligible(result *domain.GridResult) []target {
	var targets []target
	for position := 0; position < domain.GridPositions; position++ {
		panel, err := c.dir.LookupByPosition(position)
		if err != nil {
			result.Add(domain.PanelOutcome{
				Position: position,
				Status:   domain.OutcomeSkipped,
				Reason:   domain.SkipUnassigned,
			})
			continue
		}

		link, err := c.dir.Link(panel.Address)
		if err != nil || !link.State().Usable() {
			result.Add(domain.PanelOutcome{
				Position: position,
				Address:  panel.Address,
				Status:   domain.OutcomeSkipped,
				Reason:   domain.SkipDisconnected,
			})
			continue
		}
		targets = append(targets, target{position: position, address: panel.Address, link: link})
	}
	return targets
}

// fanOut writes to every eligible panel concurrently and waits for all of them
func (c *Coordinator) fanOut(
	ctx context.Context,
	op string,
	build func(position int) ([][]byte, domain.FrameBuffer, error),
) (*domain.GridResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, withdrawn(op, err)
	}

	result := &domain.GridResult{}
	targets := c.eligible(result)
	if len(targets) == 0 {
		result.Sort()
		c.observe(op, result)
		return result, domain.NewError(domain.KindNotFound, "grid "+op, domain.ErrNoEligiblePanels)
	}

	type job struct {
		target
		cmds  [][]byte
		frame domain.FrameBuffer
	}
	jobs := make([]job, 0, len(targets))
	for _, t := range targets {
		cmds, frame, err := build(t.position)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job{target: t, cmds: cmds, frame: frame})
	}

	// Nothing has been written yet, so a cancelled caller gets no partial update.
	if err := ctx.Err(); err != nil {
		return nil, withdrawn(op, err)
	}

	outcomes := make([]domain.PanelOutcome, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = c.writePanel(ctx, op, j.target, j.cmds, j.frame)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		result.Add(o)
	}
	result.Sort()
	c.observe(op, result)

	c.logger.Info("Grid operation finished",
		zap.String("op", op),
		zap.Int("applied", len(result.Applied())),
		zap.Int("failed", len(result.Failed())),
		zap.Int("skipped", len(result.Skipped())))

	if len(result.Applied()) == 0 {
		return result, result.Err()
	}
	return result, nil
}

// writePanel performs one panel's share of a grid-wide operation
func (c *Coordinator) writePanel(ctx context.Context, op string, t target, cmds [][]byte, frame domain.FrameBuffer) domain.PanelOutcome {
	pctx, cancel := context.WithTimeout(ctx, c.opts.PanelTimeout)
	defer cancel()

	outcome := domain.PanelOutcome{Position: t.position, Address: t.address}

	err := t.link.Write(pctx, cmds...)
	if err == nil {
		c.dir.ApplyFrame(t.address, frame)
		outcome.Status = domain.OutcomeApplied
		return outcome
	}

	if domain.KindOf(err) == domain.KindInternal {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = domain.NewError(domain.KindWriteTimeout, "grid "+op,
				fmt.Errorf("%s still queued after %s", t.address, c.opts.PanelTimeout))
		case errors.Is(err, context.Canceled):
			err = domain.NewError(domain.KindCancelled, "grid "+op, fmt.Errorf("%s: %w", t.address, err))
		}
	}
	c.logger.Warn("Grid write failed",
		zap.String("op", op),
		zap.Int("position", t.position),
		zap.String("address", t.address),
		zap.Error(err))

	outcome.Status = domain.OutcomeFailed
	outcome.Kind = domain.KindOf(err)
	outcome.Reason = err.Error()
	outcome.Err = err
	return outcome
}

// withdrawn classifies a grid operation the caller abandoned before any write
func withdrawn(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindWriteTimeout, "grid "+op, err)
	}
	return domain.NewError(domain.KindCancelled, "grid "+op, err)
}

func (c *Coordinator) observe(op string, result *domain.GridResult) {
	if c.observer != nil {
		c.observer.ObserveGrid(op, result)
	}
}
