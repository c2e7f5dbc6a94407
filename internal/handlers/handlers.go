package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/Brownie44l1/deepfake-api/internal/failure"
	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/Brownie44l1/deepfake-api/internal/pipeline"
	"github.com/Brownie44l1/deepfake-api/internal/storage"
	"github.com/Brownie44l1/deepfake-api/internal/system"
	"golang.org/x/sync/semaphore"
)

// Analyzer is the part of *pipeline.Pipeline the handlers need.
type Analyzer interface {
	Variant() pipeline.Variant
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

type Options struct {
	MaxUploadBytes int64
	// MaxInflight bounds concurrent model requests; extra requests get 503.
	MaxInflight    int64
	UploadResize   int
}

type Handler struct {
	analyzers map[pipeline.Variant]Analyzer
	media     *storage.Media
	sem       *semaphore.Weighted
	opts      Options
	log       logger.Logger
	stats     func(context.Context) (system.Stats, error)
}

func NewHandler(analyzers []Analyzer, media *storage.Media, opts Options, log logger.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 1
	}
	byVariant := make(map[pipeline.Variant]Analyzer, len(analyzers))
	for _, a := range analyzers {
		byVariant[a.Variant()] = a
	}
	return &Handler{
		analyzers: byVariant,
		media:     media,
		sem:       semaphore.NewWeighted(opts.MaxInflight),
		opts:      opts,
		log:       log,
		stats:     system.Collect,
	}
}

// Routes registers every endpoint on mux behind CORS. mediaPrefix is the URL
// prefix overlays are served under.
func (h *Handler) Routes(mux *http.ServeMux, mediaPrefix string) {
	mux.Handle("/health", CORS(http.HandlerFunc(h.Health)))
	mux.Handle("/api/process-image/", CORS(http.HandlerFunc(h.ProcessImage)))
	mux.Handle("/predict/image", CORS(http.HandlerFunc(h.PredictImage)))
	mux.Handle(mediaPrefix, CORS(http.StripPrefix(mediaPrefix, noListing(http.FileServer(http.Dir(h.media.Dir()))))))
}

type healthResponse struct {
	Status   string   `json:"status"`
	Variants []string `json:"variants"`
	system.Stats
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Variants: []string{}}
	for _, v := range pipeline.Variants() {
		if _, ok := h.analyzers[v]; ok {
			resp.Variants = append(resp.Variants, string(v))
		}
	}

	stats, err := h.stats(r.Context())
	if err != nil {
		h.log.Warning("handlers", "resource stats incomplete", map[string]interface{}{"error": err.Error()})
	}
	resp.Stats = stats

	writeJSON(w, http.StatusOK, resp)
}

type predictResponse struct {
	Message    string  `json:"message"`
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// PredictImage runs the binary variant. Confidence is a percentage.
func (h *Handler) PredictImage(w http.ResponseWriter, r *http.Request) {
	res, _, ok := h.analyze(w, r, pipeline.VariantBinary)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Message:    "Image processed successfully",
		Prediction: res.Label,
		Confidence: res.Confidence,
	})
}

type processResponse struct {
	Message                  string  `json:"message"`
	Prediction               string  `json:"prediction"`
	Confidence               float64 `json:"confidence"`
	SuspiciousAreaPercentage float64 `json:"suspicious_area_percentage"`
	OverlayWritten           bool    `json:"overlay_written"`
	HeuristicLabel           string  `json:"heuristic_label"`
	FilePath                 string  `json:"file_path,omitempty"`
}

// ProcessImage runs the saliency variant and stores the overlay under the
// media dir. The pipeline reports confidence in [0,1]; it is sent as a
// percentage like the binary endpoint.
func (h *Handler) ProcessImage(w http.ResponseWriter, r *http.Request) {
	res, name, ok := h.analyze(w, r, pipeline.VariantSaliency)
	if !ok {
		return
	}
	resp := processResponse{
		Message:                  "Image processed successfully",
		Prediction:               res.Label,
		Confidence:               res.Confidence * 100,
		SuspiciousAreaPercentage: res.SuspiciousAreaPercentage,
		OverlayWritten:           res.OverlayWritten,
		HeuristicLabel:           res.HeuristicLabel,
	}
	if res.OverlayWritten {
		resp.FilePath = h.media.URL(name)
	}
	writeJSON(w, http.StatusOK, resp)
}

// analyze does the shared request work and writes the error response itself
// when it returns false.
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request, v pipeline.Variant) (*pipeline.Result, string, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return nil, "", false
	}
	a, ok := h.analyzers[v]
	if !ok {
		writeError(w, http.StatusServiceUnavailable, string(v)+" variant is not enabled")
		return nil, "", false
	}
	if !h.sem.TryAcquire(1) {
		writeError(w, http.StatusServiceUnavailable, "server busy, retry later")
		return nil, "", false
	}
	defer h.sem.Release(1)

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	up, err := readUpload(r, h.opts.MaxUploadBytes)
	if err == nil {
		err = checkMIME(up.mimeType)
	}
	var raw []byte
	if err == nil {
		raw, err = preResize(up.data, h.opts.UploadResize)
	}
	if err != nil {
		h.fail(w, v, err)
		return nil, "", false
	}

	in := pipeline.Input{Bytes: raw}
	var name string
	if v == pipeline.VariantSaliency && h.media != nil {
		name, in.OverlayPath = h.media.Reserve(".png")
	}

	res, err := a.Run(r.Context(), in)
	if err != nil {
		if name != "" {
			if rmErr := h.media.Remove(name); rmErr != nil {
				h.log.Warning("handlers", "overlay cleanup failed", map[string]interface{}{"file": name, "error": rmErr.Error()})
			}
		}
		h.fail(w, v, err)
		return nil, "", false
	}

	h.log.Info("handlers", "request served", map[string]interface{}{
		"variant":    v,
		"filename":   up.filename,
		"mime_type":  up.mimeType,
		"bytes":      len(up.data),
		"prediction": res.Label,
	})
	return res, name, true
}

func (h *Handler) fail(w http.ResponseWriter, v pipeline.Variant, err error) {
	status, msg := statusFor(err)
	fields := map[string]interface{}{"variant": v, "status": status, "kind": failure.KindOf(err).String()}
	if status >= http.StatusInternalServerError {
		h.log.Error("handlers", err, fields)
	} else {
		fields["error"] = err.Error()
		h.log.Warning("handlers", "request rejected", fields)
	}
	writeError(w, status, msg)
}

func statusFor(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	}

	switch failure.KindOf(err) {
	case failure.KindDecode:
		return http.StatusBadRequest, "invalid image, supported formats are JPEG and PNG"
	case failure.KindNotFound:
		return http.StatusNotFound, err.Error()
	default:
		return http.StatusInternalServerError, "prediction failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func noListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
