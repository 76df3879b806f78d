package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/genricoloni/matrixd/internal/domain"
	"github.com/genricoloni/matrixd/internal/engine"
)

const maxImageBody = 8 << 20

// maxImageJSON leaves room for a base64 encoded maxImageBody image
const maxImageJSON = maxImageBody/3*4 + maxJSONBody

type pixelRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
	colorRequest
}

type colorRequest struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

func (c colorRequest) color() (domain.RGB, error) {
	switch {
	case c.R == nil:
		return domain.RGB{}, missing("r")
	case c.G == nil:
		return domain.RGB{}, missing("g")
	case c.B == nil:
		return domain.RGB{}, missing("b")
	}
	return domain.RGB{R: *c.R, G: *c.G, B: *c.B}, nil
}

func (p pixelRequest) parse() (x, y int, c domain.RGB, err error) {
	if p.X == nil {
		return 0, 0, c, missing("x")
	}
	if p.Y == nil {
		return 0, 0, c, missing("y")
	}
	c, err = p.color()
	return *p.X, *p.Y, c, err
}

type pixelsRequest struct {
	Pixels []pixelRequest `json:"pixels"`
}

func (p pixelsRequest) parse() ([]domain.Pixel, error) {
	if p.Pixels == nil {
		return nil, missing("pixels")
	}
	out := make([]domain.Pixel, 0, len(p.Pixels))
	for i, req := range p.Pixels {
		x, y, c, err := req.parse()
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, "decode request", fmt.Errorf("pixels[%d]: %w", i, err))
		}
		out = append(out, domain.Pixel{X: x, Y: y, Color: c})
	}
	return out, nil
}

type positionRequest struct {
	GridPosition *int `json:"grid_position"`
}

type powerRequest struct {
	On *bool `json:"on"`
}

type imageRequest struct {
	Pixels      [][]int `json:"pixels"`
	URL         string  `json:"url"`
	ImageBase64 string  `json:"image_base64"`
}

// sources counts how many image sources the request names
func (r imageRequest) sources() int {
	n := 0
	for _, set := range []bool{r.Pixels != nil, r.URL != "", r.ImageBase64 != ""} {
		if set {
			n++
		}
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	panels := s.controller.ListPanels()
	connected := 0
	for _, p := range panels {
		if p.Connected() {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"panels":    len(panels),
		"connected": connected,
	})
}

func (s *Server) handleListPanels(w http.ResponseWriter, _ *http.Request) {
	panels := s.controller.ListPanels()
	out := make([]panelView, 0, len(panels))
	for _, p := range panels {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"displays": out})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, domain.Errorf(domain.KindValidation, "scan", "invalid timeout %q", v))
			return
		}
		timeout = d
	}

	found, err := s.controller.Scan(r.Context(), timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found == nil {
		found = []domain.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"displays": found})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}

	panel, err := s.controller.ConnectPanel(r.Context(), r.PathValue("address"), req.GridPosition)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(panel))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DisconnectPanel(r.PathValue("address")); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Unregister(r.PathValue("address")); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	panel, err := s.controller.Status(r.PathValue("address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(panel))
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.GridPosition == nil {
		s.writeError(w, missing("grid_position"))
		return
	}
	if err := s.controller.AssignPosition(r.PathValue("address"), *req.GridPosition); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ReleasePosition(r.PathValue("address")); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request) {
	var req pixelRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	x, y, c, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetPixel(r.Context(), r.PathValue("address"), x, y, c); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePixels(w http.ResponseWriter, r *http.Request) {
	var req pixelsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	pixels, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetPixels(r.Context(), r.PathValue("address"), pixels); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pixels_set": len(pixels)})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	fb, err := s.readImage(r, s.controller.PanelFrame)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetImage(r.Context(), r.PathValue("address"), fb); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleFill(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := req.color()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.Fill(r.Context(), r.PathValue("address"), c); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Clear(r.Context(), r.PathValue("address")); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.On == nil {
		s.writeError(w, missing("on"))
		return
	}
	if err := s.controller.Power(r.Context(), r.PathValue("address"), *req.On); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleLayout(w http.ResponseWriter, _ *http.Request) {
	layout := s.controller.Layout()

	rows := make([][]*panelView, domain.GridRows)
	for row := range layout {
		rows[row] = make([]*panelView, domain.GridCols)
		for col, p := range layout[row] {
			if p != nil {
				v := viewOf(*p)
				rows[row][col] = &v
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"width":  domain.CanvasWidth,
		"height": domain.CanvasHeight,
		"layout": rows,
	})
}

func (s *Server) handleGridPixel(w http.ResponseWriter, r *http.Request) {
	var req pixelRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	x, y, c, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetGridPixel(r.Context(), x, y, c); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleGridFill(w http.ResponseWriter, r *http.Request) {
	var req colorRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	c, err := req.color()
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.controller.FillGrid(r.Context(), c)
	s.writeGrid(w, result, err)
}

func (s *Server) handleGridClear(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.ClearGrid(r.Context())
	s.writeGrid(w, result, err)
}

func (s *Server) handleGridImage(w http.ResponseWriter, r *http.Request) {
	canvas, err := s.readImage(r, s.controller.CanvasFrame)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.controller.SetGridImage(r.Context(), canvas)
	s.writeGrid(w, result, err)
}

func (s *Server) handlePositionPixel(w http.ResponseWriter, r *http.Request) {
	position, err := intPathValue(r, "position")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req pixelRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	x, y, c, err := req.parse()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetPixelAt(r.Context(), position, x, y, c); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handlePositionImage(w http.ResponseWriter, r *http.Request) {
	position, err := intPathValue(r, "position")
	if err != nil {
		s.writeError(w, err)
		return
	}
	fb, err := s.readImage(r, s.controller.PanelFrame)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.controller.SetImageAt(r.Context(), position, fb); err != nil {
		s.writeError(w, err)
		return
	}
	writeOK(w)
}

// readImage accepts a JSON body with raw pixels, an image URL or a base64
// encoded image, or an encoded image as the raw body. Encoded images go
// through decode.
func (s *Server) readImage(
	r *http.Request,
	decode func(context.Context, engine.ImageSource) (domain.FrameBuffer, error),
) (domain.FrameBuffer, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "" || mediaType == "application/json" {
		var req imageRequest
		if err := decodeJSONWithin(r, &req, false, maxImageJSON); err != nil {
			return nil, err
		}
		switch {
		case req.sources() > 1:
			return nil, domain.Errorf(domain.KindValidation, "decode request",
				"give exactly one of pixels, url or image_base64")
		case req.Pixels != nil:
			return pixelsToFrame(req.Pixels)
		case req.URL != "":
			return decode(r.Context(), engine.ImageSource{URL: req.URL})
		case req.ImageBase64 != "":
			data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
			if err != nil {
				return nil, domain.Errorf(domain.KindValidation, "decode request", "invalid image_base64: %v", err)
			}
			return decode(r.Context(), engine.ImageSource{Data: data})
		}
		return nil, missing("pixels")
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxImageBody+1))
	if err != nil {
		return nil, domain.Errorf(domain.KindValidation, "decode request", "failed to read image: %v", err)
	}
	if len(data) > maxImageBody {
		return nil, domain.Errorf(domain.KindValidation, "decode request", "image exceeds %d bytes", maxImageBody)
	}
	return decode(r.Context(), engine.ImageSource{Data: data})
}
