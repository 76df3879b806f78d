package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

const maxJSONBody = 1 << 20

// statusClientClosedRequest answers requests whose caller went away first
const statusClientClosedRequest = 499

type errorResponse struct {
	Error  string      `json:"error"`
	Kind   domain.Kind `json:"kind"`
	Report *gridReport `json:"report,omitempty"`
}

type outcomeView struct {
	Position int    `json:"position"`
	Address  string `json:"address,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
}

type gridReport struct {
	Applied  []outcomeView `json:"applied"`
	Failed   []outcomeView `json:"failed"`
	Skipped  []outcomeView `json:"skipped"`
	Complete bool          `json:"complete"`
}

func newGridReport(result *domain.GridResult) *gridReport {
	report := &gridReport{
		Applied:  []outcomeView{},
		Failed:   []outcomeView{},
		Skipped:  []outcomeView{},
		Complete: result.Complete(),
	}
	for _, o := range result.Outcomes {
		v := outcomeView{Position: o.Position, Address: o.Address, Reason: o.Reason, Kind: string(o.Kind)}
		if o.Err != nil {
			v.Error = o.Err.Error()
		}
		switch o.Status {
		case domain.OutcomeApplied:
			report.Applied = append(report.Applied, v)
		case domain.OutcomeFailed:
			report.Failed = append(report.Failed, v)
		case domain.OutcomeSkipped:
			report.Skipped = append(report.Skipped, v)
		}
	}
	return report
}

// panelView adds derived fields to a panel snapshot
type panelView struct {
	domain.Panel
	Connected bool `json:"connected"`
}

func viewOf(p domain.Panel) panelView {
	return panelView{Panel: p, Connected: p.Connected()}
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyConnected, domain.KindPositionOccupied:
		return http.StatusConflict
	case domain.KindConnection, domain.KindNotConnected:
		return http.StatusBadGateway
	case domain.KindWriteTimeout:
		return http.StatusGatewayTimeout
	case domain.KindPartialFailure:
		return http.StatusMultiStatus
	case domain.KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorReport(w, err, nil)
}

func (s *Server) writeErrorReport(w http.ResponseWriter, err error, result *domain.GridResult) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", zap.String("kind", string(kind)), zap.Error(err))
	}

	resp := errorResponse{Error: err.Error(), Kind: kind}
	if result != nil {
		resp.Report = newGridReport(result)
	}
	writeJSON(w, status, resp)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeGrid reports a grid-wide operation: 200 when every cell applied,
// 207 when only some did
func (s *Server) writeGrid(w http.ResponseWriter, result *domain.GridResult, err error) {
	if err != nil {
		s.writeErrorReport(w, err, result)
		return
	}
	status := http.StatusOK
	if !result.Complete() {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, newGridReport(result))
}

// decodeJSON reads a JSON body into dst. An empty body is allowed when
// optional is set.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	return decodeJSONWithin(r, dst, optional, maxJSONBody)
}

func decodeJSONWithin(r *http.Request, dst any, optional bool, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.Errorf(domain.KindValidation, "decode request", "invalid JSON body: %v", err)
	}
	return nil
}

func missing(field string) error {
	return domain.Errorf(domain.KindValidation, "decode request", "missing field %q", field)
}

func pixelsToFrame(pixels [][]int) (domain.FrameBuffer, error) {
	fb := make(domain.FrameBuffer, len(pixels))
	for i, p := range pixels {
		if len(p) != 3 {
			return nil, domain.Errorf(domain.KindValidation, "decode request",
				"pixel %d must be [r,g,b], got %d values", i, len(p))
		}
		fb[i] = domain.RGB{R: p[0], G: p[1], B: p[2]}
	}
	return fb, nil
}

func intPathValue(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(r.PathValue(name))
	if err != nil {
		return 0, domain.Errorf(domain.KindValidation, "decode request", "%s must be an integer", name)
	}
	return v, nil
}
