package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/codec"
	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/genricoloni/matrixd/internal/grid"
	"github.com/genricoloni/matrixd/internal/registry"
	"go.uber.org/zap"
)

// ImageSource is an encoded image given inline or by URL
type ImageSource struct {
	Data []byte
	URL  string
}

// Engine is the entry point for every panel and grid command.
// It resolves panels through the registry, encodes requests with the codec
// and hands the resulting commands to each panel's link.
type Engine struct {
	logger    *zap.Logger
	cfg       domain.Config
	registry  *registry.Registry
	grid      *grid.Coordinator
	newLink   domain.LinkFactory
	scanner   domain.Scanner
	store     domain.AssignmentStore
	fetcher   domain.Fetcher
	processor domain.ImageProcessor

	// persistMu keeps store writes in registry order
	persistMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new panel engine
func NewEngine(
	logger *zap.Logger,
	cfg domain.Config,
	reg *registry.Registry,
	coord *grid.Coordinator,
	newLink domain.LinkFactory,
	scanner domain.Scanner,
	store domain.AssignmentStore,
	fetch domain.Fetcher,
	proc domain.ImageProcessor,
) *Engine {
	return &Engine{
		logger:    logger,
		cfg:       cfg,
		registry:  reg,
		grid:      coord,
		newLink:   newLink,
		scanner:   scanner,
		store:     store,
		fetcher:   fetch,
		processor: proc,
	}
}

// Start seeds the registry from the saved assignments and, when enabled,
// connects every seeded panel in the background. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Engine starting...")

	assignments, err := e.store.Load()
	if err != nil {
		// A broken state file must not keep the daemon down.
		e.logger.Error("Failed to load saved assignments", zap.Error(err))
	}
	seeded := e.registry.Seed(assignments)
	e.logger.Info("Registry seeded", zap.Int("panels", seeded))

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.cfg.GetAutoConnect() && seeded > 0 {
		e.wg.Add(1)
		go e.autoConnect(runCtx)
	}
	return nil
}

// autoConnect dials every known panel concurrently
func (e *Engine) autoConnect(ctx context.Context) {
	defer e.wg.Done()

	var wg sync.WaitGroup
	for _, p := range e.registry.ListAll() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ConnectPanel(ctx, p.Address, nil); err != nil {
				e.logger.Warn("Auto-connect failed", zap.String("address", p.Address), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	e.logger.Info("Auto-connect finished")
}

// Stop cancels background work and closes every link
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		for _, l := range e.registry.Links() {
			l.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

// ConnectPanel connects the panel at address, switches it to drawing mode
// and optionally assigns it a grid position. Connecting a connected panel
// only applies the position.
func (e *Engine) ConnectPanel(ctx context.Context, address string, position *int) (domain.Panel, error) {
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return domain.Panel{}, err
	}
	if position != nil {
		if err := domain.ValidatePosition(*position); err != nil {
			return domain.Panel{}, err
		}
	}

	link, err := e.registry.Link(address)
	if err != nil {
		link = e.newLink(address)
		if _, err := e.registry.Register(address, link); err != nil {
			link.Close()
			return domain.Panel{}, err
		}
	}

	fresh := !link.State().Usable()
	if err := link.Connect(ctx); err != nil {
		return domain.Panel{}, err
	}

	if fresh {
		e.registry.MarkConnected(address, time.Now())
		if err := link.Write(ctx, codec.EncodeInit()...); err != nil {
			return domain.Panel{}, fmt.Errorf("failed to initialize %s: %w", address, err)
		}
	}

	if position != nil {
		if err := e.registry.AssignGridPosition(address, *position); err != nil {
			return domain.Panel{}, err
		}
	}
	e.persist()

	return e.registry.Lookup(address)
}

// DisconnectPanel closes the panel's connection and keeps it registered
func (e *Engine) DisconnectPanel(address string) error {
	link, err := e.link(address)
	if err != nil {
		return err
	}
	link.Disconnect()
	return nil
}

// Unregister forgets a panel, closing its link and releasing its position
func (e *Engine) Unregister(address string) error {
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return err
	}
	if err := e.registry.Unregister(address); err != nil {
		return err
	}
	e.persist()
	return nil
}

// SetPixel updates one cell of one panel
func (e *Engine) SetPixel(ctx context.Context, address string, x, y int, color domain.RGB) error {
	cmd, err := codec.EncodePixel(x, y, color)
	if err != nil {
		return err
	}
	link, err := e.link(address)
	if err != nil {
		return err
	}
	if err := link.Write(ctx, cmd); err != nil {
		return err
	}
	e.registry.ApplyPixel(link.Address(), x, y, color)
	return nil
}

// SetPixels updates several cells of one panel as one queued write, so no
// other write to the panel lands in the middle of the batch
func (e *Engine) SetPixels(ctx context.Context, address string, pixels []domain.Pixel) error {
	cmds, err := codec.EncodePixels(pixels)
	if err != nil {
		return err
	}
	link, err := e.link(address)
	if err != nil {
		return err
	}
	if err := link.Write(ctx, cmds...); err != nil {
		return err
	}
	for _, p := range pixels {
		e.registry.ApplyPixel(link.Address(), p.X, p.Y, p.Color)
	}
	return nil
}

// SetImage replaces the whole frame of one panel
func (e *Engine) SetImage(ctx context.Context, address string, fb domain.FrameBuffer) error {
	cmds, err := codec.EncodeImage(fb)
	if err != nil {
		return err
	}
	return e.writeFrame(ctx, address, cmds, fb)
}

// Fill paints one panel with a single color
func (e *Engine) Fill(ctx context.Context, address string, color domain.RGB) error {
	cmds, err := codec.EncodeFill(color)
	if err != nil {
		return err
	}
	return e.writeFrame(ctx, address, cmds, domain.UniformFrame(color))
}

// Clear turns one panel black
func (e *Engine) Clear(ctx context.Context, address string) error {
	return e.writeFrame(ctx, address, codec.EncodeClear(), domain.NewFrameBuffer())
}

// Power switches the panel's LEDs on or off; the frame is kept
func (e *Engine) Power(ctx context.Context, address string, on bool) error {
	link, err := e.link(address)
	if err != nil {
		return err
	}
	return link.Write(ctx, codec.EncodePower(on))
}

// SetPixelAt updates one cell of the panel at a grid position
func (e *Engine) SetPixelAt(ctx context.Context, position, x, y int, color domain.RGB) error {
	if _, err := codec.EncodePixel(x, y, color); err != nil {
		return err
	}
	panel, err := e.registry.LookupByPosition(position)
	if err != nil {
		return err
	}
	return e.SetPixel(ctx, panel.Address, x, y, color)
}

// SetImageAt replaces the frame of the panel at a grid position
func (e *Engine) SetImageAt(ctx context.Context, position int, fb domain.FrameBuffer) error {
	if err := fb.Validate(); err != nil {
		return err
	}
	panel, err := e.registry.LookupByPosition(position)
	if err != nil {
		return err
	}
	return e.SetImage(ctx, panel.Address, fb)
}

func (e *Engine) writeFrame(ctx context.Context, address string, cmds [][]byte, fb domain.FrameBuffer) error {
	link, err := e.link(address)
	if err != nil {
		return err
	}
	if err := link.Write(ctx, cmds...); err != nil {
		return err
	}
	e.registry.ApplyFrame(link.Address(), fb)
	return nil
}

// Status returns a snapshot of one panel
func (e *Engine) Status(address string) (domain.Panel, error) {
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return domain.Panel{}, err
	}
	return e.registry.Lookup(address)
}

// ListPanels returns every known panel
func (e *Engine) ListPanels() []domain.Panel {
	return e.registry.ListAll()
}

// Layout returns the 4x4 grid view
func (e *Engine) Layout() [domain.GridRows][domain.GridCols]*domain.Panel {
	return e.registry.Layout()
}

// AssignPosition binds a registered panel to a grid position and saves it
func (e *Engine) AssignPosition(address string, position int) error {
	if err := domain.ValidatePosition(position); err != nil {
		return err
	}
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return err
	}
	if err := e.registry.AssignGridPosition(address, position); err != nil {
		return err
	}
	e.persist()
	return nil
}

// ReleasePosition frees the grid position held by a panel
func (e *Engine) ReleasePosition(address string) error {
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return err
	}
	if err := e.registry.ReleaseGridPosition(address); err != nil {
		return err
	}
	e.persist()
	return nil
}

// Scan runs discovery and registers every panel found. A zero timeout uses
// the configured default.
func (e *Engine) Scan(ctx context.Context, timeout time.Duration) ([]domain.Candidate, error) {
	if timeout <= 0 {
		timeout = e.cfg.GetScanTimeout()
	}

	found, err := e.scanner.Scan(ctx, timeout)
	if err != nil {
		return nil, err
	}

	for _, c := range found {
		if _, err := e.registry.Register(c.Address, nil); err != nil {
			e.logger.Warn("Failed to register discovered panel", zap.String("address", c.Address), zap.Error(err))
			continue
		}
		if c.Name != "" {
			e.registry.SetName(c.Address, c.Name)
		}
		e.registry.SetRSSI(c.Address, c.RSSI)
	}
	e.logger.Info("Scan finished", zap.Int("found", len(found)))
	return found, nil
}

// SetGridPixel writes one canvas pixel
func (e *Engine) SetGridPixel(ctx context.Context, gx, gy int, color domain.RGB) error {
	return e.grid.SetGridPixel(ctx, gx, gy, color)
}

// FillGrid paints every eligible panel
func (e *Engine) FillGrid(ctx context.Context, color domain.RGB) (*domain.GridResult, error) {
	return e.grid.FillGrid(ctx, color)
}

// ClearGrid blanks every eligible panel
func (e *Engine) ClearGrid(ctx context.Context) (*domain.GridResult, error) {
	return e.grid.ClearGrid(ctx)
}

// SetGridImage draws a 64x64 canvas across the grid
func (e *Engine) SetGridImage(ctx context.Context, canvas domain.FrameBuffer) (*domain.GridResult, error) {
	return e.grid.SetGridImage(ctx, canvas)
}

// PanelFrame turns an encoded image into a 16x16 frame
func (e *Engine) PanelFrame(ctx context.Context, src ImageSource) (domain.FrameBuffer, error) {
	return e.frame(ctx, src, domain.PanelWidth, domain.PanelHeight)
}

// CanvasFrame turns an encoded image into a 64x64 canvas
func (e *Engine) CanvasFrame(ctx context.Context, src ImageSource) (domain.FrameBuffer, error) {
	return e.frame(ctx, src, domain.CanvasWidth, domain.CanvasHeight)
}

// frame runs the fetch and resize pipeline for an uploaded image
func (e *Engine) frame(ctx context.Context, src ImageSource, width, height int) (domain.FrameBuffer, error) {
	data := src.Data
	if src.URL != "" {
		fetched, err := e.fetcher.Fetch(ctx, src.URL)
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, "fetch image", err)
		}
		data = fetched
	}
	if len(data) == 0 {
		return nil, domain.NewError(domain.KindValidation, "decode image", errors.New("no image data"))
	}

	fb, err := e.processor.Frame(ctx, data, width, height)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Image processed",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("bytes", len(data)))
	return fb, nil
}

// link resolves the link of a registered panel
func (e *Engine) link(address string) (domain.Link, error) {
	address, err := domain.CanonicalAddress(address)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.Lookup(address); err != nil {
		return nil, err
	}
	link, err := e.registry.Link(address)
	if err != nil {
		return nil, domain.Errorf(domain.KindNotConnected, "link", "%s was never connected", address)
	}
	return link, nil
}

// persist saves the current assignments. Failures are logged; the
// in-memory registry stays authoritative.
func (e *Engine) persist() {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if err := e.store.Save(e.registry.Assignments()); err != nil {
		e.logger.Error("Failed to save assignments", zap.Error(err))
	}
}
