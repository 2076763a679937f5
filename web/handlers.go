package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"scan-station/activity"
	"scan-station/analysis"
	"scan-station/binder"
	"scan-station/camera"
	"scan-station/capture"
	"scan-station/config"
	"scan-station/device"

	"go.uber.org/zap"
)

// CameraInfo enumerates the station's video inputs
type CameraInfo interface {
	SourceName() string
	VideoInputs(ctx context.Context) (int, error)
	Devices(ctx context.Context) ([]camera.DeviceInfo, error)
}

// PreviewSurface serves preview signaling and reports its state
type PreviewSurface interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
	Stats() map[string]interface{}
}

// BarcodeLookup resolves barcodes to products
type BarcodeLookup interface {
	Lookup(ctx context.Context, code string) (analysis.Food, error)
}

// MealLog records confirmed meals
type MealLog interface {
	Confirm(ctx context.Context, sessionID, source string, outcome analysis.Outcome, food analysis.Food) (activity.Meal, error)
	History(ctx context.Context, limit int) (*activity.History, error)
}

// ActivityFeed lists recent activity
type ActivityFeed interface {
	RecentActivity(ctx context.Context, limit int) ([]activity.Entry, error)
}

// Deps are the components behind the HTTP surface. Nil components disable
// their endpoints.
type Deps struct {
	Sessions *capture.Manager
	Cameras  CameraInfo
	Preview  PreviewSurface
	Barcodes BarcodeLookup
	Meals    MealLog
	Feed     ActivityFeed
	Activity capture.ActivityLogger
}

// Handlers manages HTTP request handlers
type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	startedAt time.Time

	sessions *capture.Manager
	cameras  CameraInfo
	preview  PreviewSurface
	barcodes BarcodeLookup
	meals    MealLog
	feed     ActivityFeed
	activity capture.ActivityLogger
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, deps Deps, logger *zap.Logger) *Handlers {
	return &Handlers{
		config:    cfg,
		logger:    logger,
		startedAt: time.Now(),
		sessions:  deps.Sessions,
		cameras:   deps.Cameras,
		preview:   deps.Preview,
		barcodes:  deps.Barcodes,
		meals:     deps.Meals,
		feed:      deps.Feed,
		activity:  deps.Activity,
	}
}

// HandleHome describes the station
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, map[string]interface{}{
		"name":    "scan-station",
		"preview": "/ws/preview",
		"api":     "/api",
	})
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]interface{}{
		"web_server": "running",
	}
	if h.sessions != nil {
		services["sessions"] = fmt.Sprintf("running (%d sessions)", h.sessions.Count())
	}
	if h.cameras != nil {
		services["camera_source"] = h.cameras.SourceName()
	}
	if h.preview != nil {
		services["preview"] = fmt.Sprintf("running (%v peers)", h.preview.Stats()["peer_count"])
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"services":  services,
	})
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"server": map[string]interface{}{
			"bind_ip":  h.config.Server.BindIP,
			"web_port": h.config.Server.WebPort,
			"running":  true,
		},
		"analysis": map[string]interface{}{
			"backend":     h.config.Analysis.Backend,
			"max_retries": h.config.Analysis.MaxRetries,
			"levels":      len(h.config.Compression.Levels),
		},
	}

	if h.sessions != nil {
		status["sessions"] = h.sessions.Status()
	}
	if h.cameras != nil {
		cam := map[string]interface{}{"source": h.cameras.SourceName()}
		if devices, err := h.cameras.Devices(r.Context()); err != nil {
			cam["error"] = err.Error()
		} else {
			cam["devices"] = devices
		}
		status["camera"] = cam
	}
	if h.preview != nil {
		status["preview"] = h.preview.Stats()
	}

	h.writeJSONResponse(w, status)
}

// HandleCapabilities reports what the requesting UI's device supports
func (h *Handlers) HandleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := h.detect(r)
	resp := map[string]interface{}{"capabilities": caps}

	if h.cameras != nil {
		if devices, err := h.cameras.Devices(r.Context()); err == nil {
			resp["devices"] = devices
		}
	}
	h.writeJSONResponse(w, resp)
}

func (h *Handlers) detect(r *http.Request) device.Capabilities {
	var videoInputs func() (int, error)
	if h.cameras != nil {
		videoInputs = func() (int, error) { return h.cameras.VideoInputs(r.Context()) }
	}
	return device.Detect(device.RequestEnvironment(r, videoInputs))
}

// HandleCreateSession starts a capture session for the requesting UI
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.writeErrorResponse(w, "Sessions not available", http.StatusServiceUnavailable)
		return
	}

	caps := h.detect(r)
	switch f := device.Facing(r.URL.Query().Get("facing")); f {
	case "":
	case device.FacingUser, device.FacingEnvironment:
		caps.PreferredFacing = f
	default:
		h.writeErrorResponse(w, fmt.Sprintf("unknown facing %q", f), http.StatusBadRequest)
		return
	}

	s, err := h.sessions.Create(caps)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	h.writeJSONStatus(w, http.StatusCreated, s.Snapshot())
}

// HandleGetSession returns the session snapshot
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	h.writeJSONResponse(w, s.Snapshot())
}

// HandleCloseSession closes the session and releases its camera
func (h *Handlers) HandleCloseSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.writeErrorResponse(w, "Sessions not available", http.StatusServiceUnavailable)
		return
	}
	if err := h.sessions.Close(r.PathValue("id")); err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSessionImage returns the captured or uploaded image
func (h *Handlers) HandleSessionImage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	data, _, ok := s.Image()
	if !ok {
		h.writeErrorResponse(w, capture.ErrNoImage.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// sessionAction adapts a session operation to a handler
func (h *Handlers) sessionAction(fn func(*capture.Session, context.Context) (capture.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := h.session(w, r)
		if !ok {
			return
		}
		snap, err := fn(s, r.Context())
		h.writeSnapshot(w, snap, err)
	}
}

func stopCamera(s *capture.Session, _ context.Context) (capture.Snapshot, error) {
	return s.StopCamera()
}

func reset(s *capture.Session, _ context.Context) (capture.Snapshot, error) {
	return s.Reset()
}

// HandleUpload sets the session image from a multipart "file" field
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := int64(h.config.Limits.MaxUploadSizeMB) << 20
	if r.ContentLength > limit+1<<20 {
		h.writeErrorResponse(w, capture.ErrImageTooLarge.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)

	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(w, capture.ErrImageTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		h.writeErrorResponse(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeErrorResponse(w, fmt.Sprintf("failed to read upload: %v", err), http.StatusBadRequest)
		return
	}

	snap, err := s.UploadFile(r.Context(), data)
	h.writeSnapshot(w, snap, err)
}

// SubmitResponse is returned by the submit endpoint
type SubmitResponse struct {
	Result  *analysis.Result `json:"result,omitempty"`
	Session capture.Snapshot `json:"session"`
	Error   string           `json:"error,omitempty"`
}

// HandleSubmit analyses the session image
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	result, err := s.Submit(r.Context())
	resp := SubmitResponse{Result: result, Session: s.Snapshot()}
	if err != nil {
		resp.Error = err.Error()
		h.writeJSONStatus(w, statusFor(err), resp)
		return
	}
	h.writeJSONResponse(w, resp)
}

// ConfirmRequest optionally carries user-corrected food values. Fields left
// out keep the analysed values.
type ConfirmRequest struct {
	Food *analysis.ProductInfo `json:"food,omitempty"`
}

// HandleConfirm logs the session's food as a meal
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if h.meals == nil {
		h.writeErrorResponse(w, "Meal log not available", http.StatusServiceUnavailable)
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var (
		food    analysis.Food
		outcome analysis.Outcome
		source  string
	)
	result, src, analysed := s.Result()
	if analysed {
		food, outcome, source = result.Food, result.Outcome, src
	} else if _, src, ok := s.Image(); ok {
		source = src
	}
	if req.Food != nil {
		base := food
		if !analysed {
			// Without an analysis the correction has to name the food
			base = analysis.Template()
			base.Name = ""
		}
		food = analysis.Overlay(base, req.Food)
	}

	meal, err := h.meals.Confirm(r.Context(), s.ID(), source, outcome, food)
	if err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	h.writeJSONStatus(w, http.StatusCreated, meal)
}

// BarcodeRequest is the body of a barcode lookup
type BarcodeRequest struct {
	Barcode string `json:"barcode"`
}

// HandleBarcode looks up a scanned barcode
func (h *Handlers) HandleBarcode(w http.ResponseWriter, r *http.Request) {
	if h.barcodes == nil {
		h.writeErrorResponse(w, "Barcode lookup not available", http.StatusServiceUnavailable)
		return
	}

	var req BarcodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	food, err := h.barcodes.Lookup(r.Context(), req.Barcode)

	if h.activity != nil && !errors.Is(err, analysis.ErrInvalidBarcode) {
		description := fmt.Sprintf("Scanned barcode %s", req.Barcode)
		if err == nil {
			description = fmt.Sprintf("Scanned %s", food.Name)
		}
		h.activity.LogActivity(activity.TypeBarcodeScan, description, map[string]any{
			"barcode": req.Barcode,
			"found":   err == nil,
		})
	}

	if err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	h.writeJSONResponse(w, map[string]interface{}{
		"barcode":     req.Barcode,
		"productInfo": food,
	})
}

// HandleActivity lists recent activity
func (h *Handlers) HandleActivity(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		h.writeErrorResponse(w, "Activity log not available", http.StatusServiceUnavailable)
		return
	}

	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	entries, err := h.feed.RecentActivity(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list activity", zap.Error(err))
		h.writeErrorResponse(w, "failed to list activity", http.StatusInternalServerError)
		return
	}
	h.writeJSONResponse(w, map[string]interface{}{"activities": entries})
}

// HandleMealHistory lists recent meals with day and week totals
func (h *Handlers) HandleMealHistory(w http.ResponseWriter, r *http.Request) {
	if h.meals == nil {
		h.writeErrorResponse(w, "Meal log not available", http.StatusServiceUnavailable)
		return
	}

	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	history, err := h.meals.History(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to load meal history", zap.Error(err))
		h.writeErrorResponse(w, "failed to load meal history", http.StatusInternalServerError)
		return
	}
	h.writeJSONResponse(w, history)
}

func (h *Handlers) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := h.config.Limits.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeErrorResponse(w, fmt.Sprintf("invalid limit %q", v), http.StatusBadRequest)
			return 0, false
		}
		limit = min(n, 500)
	}
	return limit, true
}

// session resolves the {id} path value, writing the error response itself
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*capture.Session, bool) {
	if h.sessions == nil {
		h.writeErrorResponse(w, "Sessions not available", http.StatusServiceUnavailable)
		return nil, false
	}
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		h.writeErrorResponse(w, err.Error(), statusFor(err))
		return nil, false
	}
	return s, true
}

// writeSnapshot writes the session state, with the user-facing error when
// the operation failed
func (h *Handlers) writeSnapshot(w http.ResponseWriter, snap capture.Snapshot, err error) {
	if err == nil {
		h.writeJSONResponse(w, snap)
		return
	}

	message := snap.Error
	if message == "" {
		message = err.Error()
	}
	h.writeJSONStatus(w, statusFor(err), map[string]interface{}{
		"error":   message,
		"status":  statusFor(err),
		"session": snap,
	})
}

// statusFor maps pipeline errors onto HTTP status codes
func statusFor(err error) int {
	var (
		acqErr     *camera.AcquisitionError
		bindErr    *binder.StreamBindError
		captureErr *capture.CaptureError
		remoteErr  *analysis.RemoteError
	)

	switch {
	case errors.Is(err, capture.ErrSessionNotFound),
		errors.Is(err, analysis.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, capture.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, capture.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, analysis.ErrInvalidBarcode):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrInvalidTransition),
		errors.Is(err, capture.ErrSessionClosed),
		errors.Is(err, capture.ErrAnalysisInFlight),
		errors.Is(err, capture.ErrNoImage),
		errors.Is(err, capture.ErrSuperseded),
		errors.Is(err, activity.ErrNothingToConfirm):
		return http.StatusConflict
	case errors.As(err, &acqErr), errors.As(err, &bindErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &captureErr):
		return http.StatusInternalServerError
	case errors.As(err, &remoteErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	h.writeJSONStatus(w, http.StatusOK, data)
}

func (h *Handlers) writeJSONStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	h.writeJSONStatus(w, statusCode, map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
