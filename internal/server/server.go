// Package server exposes the panel engine over HTTP with JSON bodies.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/genricoloni/matrixd/internal/engine"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Controller is the set of engine operations served over HTTP
type Controller interface {
	ConnectPanel(ctx context.Context, address string, position *int) (domain.Panel, error)
	DisconnectPanel(address string) error
	Unregister(address string) error
	Status(address string) (domain.Panel, error)
	ListPanels() []domain.Panel
	Layout() [domain.GridRows][domain.GridCols]*domain.Panel
	AssignPosition(address string, position int) error
	ReleasePosition(address string) error
	Scan(ctx context.Context, timeout time.Duration) ([]domain.Candidate, error)

	SetPixel(ctx context.Context, address string, x, y int, color domain.RGB) error
	SetPixels(ctx context.Context, address string, pixels []domain.Pixel) error
	SetImage(ctx context.Context, address string, fb domain.FrameBuffer) error
	Fill(ctx context.Context, address string, color domain.RGB) error
	Clear(ctx context.Context, address string) error
	Power(ctx context.Context, address string, on bool) error
	SetPixelAt(ctx context.Context, position, x, y int, color domain.RGB) error
	SetImageAt(ctx context.Context, position int, fb domain.FrameBuffer) error

	SetGridPixel(ctx context.Context, gx, gy int, color domain.RGB) error
	FillGrid(ctx context.Context, color domain.RGB) (*domain.GridResult, error)
	ClearGrid(ctx context.Context) (*domain.GridResult, error)
	SetGridImage(ctx context.Context, canvas domain.FrameBuffer) (*domain.GridResult, error)

	PanelFrame(ctx context.Context, src engine.ImageSource) (domain.FrameBuffer, error)
	CanvasFrame(ctx context.Context, src engine.ImageSource) (domain.FrameBuffer, error)
}

// Server is the HTTP command dispatcher
type Server struct {
	logger     *zap.Logger
	controller Controller
	metrics    http.Handler
	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
	done chan struct{}
}

// NewServer creates a server listening on the configured address.
// metrics may be nil, in which case /metrics is not served.
func NewServer(logger *zap.Logger, cfg domain.Config, controller Controller, metrics http.Handler) *Server {
	s := &Server{
		logger:     logger,
		controller: controller,
		metrics:    metrics,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.GetListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler, wrapped in request logging
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	mux.HandleFunc("GET /displays", s.handleListPanels)
	mux.HandleFunc("POST /displays/scan", s.handleScan)
	mux.HandleFunc("POST /displays/{address}/connect", s.handleConnect)
	mux.HandleFunc("POST /displays/{address}/disconnect", s.handleDisconnect)
	mux.HandleFunc("DELETE /displays/{address}", s.handleUnregister)
	mux.HandleFunc("GET /displays/{address}/status", s.handleStatus)
	mux.HandleFunc("POST /displays/{address}/position", s.handleAssign)
	mux.HandleFunc("DELETE /displays/{address}/position", s.handleRelease)
	mux.HandleFunc("POST /displays/{address}/pixel", s.handlePixel)
	mux.HandleFunc("POST /displays/{address}/pixels", s.handlePixels)
	mux.HandleFunc("POST /displays/{address}/image", s.handleImage)
	mux.HandleFunc("POST /displays/{address}/fill", s.handleFill)
	mux.HandleFunc("POST /displays/{address}/clear", s.handleClear)
	mux.HandleFunc("POST /displays/{address}/power", s.handlePower)

	mux.HandleFunc("GET /grid", s.handleLayout)
	mux.HandleFunc("POST /grid/pixel", s.handleGridPixel)
	mux.HandleFunc("POST /grid/fill", s.handleGridFill)
	mux.HandleFunc("POST /grid/clear", s.handleGridClear)
	mux.HandleFunc("POST /grid/image", s.handleGridImage)

	mux.HandleFunc("POST /position/{position}/pixel", s.handlePositionPixel)
	mux.HandleFunc("POST /position/{position}/image", s.handlePositionImage)

	return s.logRequests(mux)
}

// Start binds the listener and serves in the background. It returns once
// the address is bound so that a port conflict fails startup.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.addr = ln.Addr()
	s.done = done
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests and closes the listener
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-done
	s.logger.Info("HTTP server stopped")
	return nil
}

// statusRecorder captures the response code for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}
