// JSON REST surface for pairing, device management, and metrics queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"windash/internal/core/device"
	"windash/internal/core/metrics"
	"windash/internal/core/pairing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

// TODO: replace with the session's user id once auth lands.
const placeholderUserID = "temp-user-1"

type Handler struct {
	pairing *pairing.Service
	reg     *device.Registry
	pipe    *metrics.Pipeline
	lg      zerolog.Logger
}

// approveRequest is the body for approving a pairing code from the
// dashboard. The hostId is optional; the approval form cannot know the
// agent's machine id, so a placeholder is minted when it is absent.
type approveRequest struct {
	DeviceName string `json:"deviceName" example:"My PC"`
	HostID     string `json:"hostId,omitempty" example:"h-4f2a9c"`
}

// New builds the router. The agent WebSocket handler is mounted outside
// the request-timeout group; its connections are long-lived by design.
func New(ps *pairing.Service, reg *device.Registry, pipe *metrics.Pipeline, agent http.Handler, reqTimeout time.Duration, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{pairing: ps, reg: reg, pipe: pipe, lg: lg}

	// --- API Routes ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(reqTimeout))

		r.Post("/device-codes", h.handleCreateCode)
		r.Post("/device-codes/{code}/approve", h.handleApprove)
		r.Get("/device-token", h.handleDeviceToken)
		r.Get("/devices", h.handleListDevices)
		r.Delete("/devices/{deviceID}", h.handleDeleteDevice)
		r.Get("/metrics", h.handleMetrics)
	})

	r.Get("/health", h.handleHealth)
	r.Get("/agent", agent.ServeHTTP)

	// --- Swagger Docs Route ---
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs/index.html", http.StatusMovedPermanently)
	})
	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}

// handleCreateCode starts a pairing flow.
// @Summary      Create a pairing code
// @Description  Mints a short-lived device code for an agent to display.
// @Tags         pairing
// @Produce      json
// @Success      201  {object}  pairing.Code
// @Failure      500  {object}  map[string]string
// @Router       /api/device-codes [post]
func (h *Handler) handleCreateCode(w http.ResponseWriter, r *http.Request) {
	c, err := h.pairing.CreateCode(r.Context())
	if err != nil {
		h.serverError(w, r, err, "create device code")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":      c.Code,
		"expiresAt": c.ExpiresAt,
	})
}

// handleApprove approves a pending code and pairs the device.
// @Summary      Approve a pairing code
// @Description  Binds the code to the current user and creates the device.
// @Tags         pairing
// @Accept       json
// @Produce      json
// @Param        code     path  string          true  "Device code"
// @Param        request  body  approveRequest  true  "Device name"
// @Success      200  {object}  map[string]any
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Failure      410  {object}  map[string]string
// @Router       /api/device-codes/{code}/approve [post]
func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceName == "" {
		writeError(w, http.StatusBadRequest, "body must include deviceName")
		return
	}
	hostID := req.HostID
	if hostID == "" {
		hostID = fmt.Sprintf("host-%d", time.Now().UnixMilli())
	}

	dev, err := h.pairing.Approve(r.Context(), code, placeholderUserID, hostID, req.DeviceName)
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		writeError(w, http.StatusNotFound, "Invalid code")
	case errors.Is(err, pairing.ErrExpired):
		writeError(w, http.StatusGone, "Code expired")
	case errors.Is(err, pairing.ErrConflict):
		writeError(w, http.StatusConflict, "Code already used")
	case err != nil:
		h.serverError(w, r, err, "approve device code")
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"deviceId": dev.ID,
		})
	}
}

// handleDeviceToken is the agent polling endpoint. Pending deliberately
// shares 404 with unknown codes; agents treat 404 as "keep polling".
// @Summary      Poll a pairing code
// @Description  Returns the bearer token once the code has been approved.
// @Tags         pairing
// @Produce      json
// @Param        code  query  string  true  "Device code"
// @Success      200  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      410  {object}  map[string]string
// @Router       /api/device-token [get]
func (h *Handler) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "Code parameter required")
		return
	}

	res, err := h.pairing.CheckCode(r.Context(), code)
	if err != nil {
		h.serverError(w, r, err, "check device code")
		return
	}

	switch res.Status {
	case pairing.StatusNotFound:
		writeError(w, http.StatusNotFound, "Invalid code")
	case pairing.StatusExpired:
		writeError(w, http.StatusGone, "Code expired")
	case pairing.StatusPending:
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "pending"})
	case pairing.StatusApproved:
		writeJSON(w, http.StatusOK, map[string]string{
			"token":    res.Token,
			"hostId":   res.HostID,
			"deviceId": res.DeviceID,
		})
	default:
		writeError(w, http.StatusInternalServerError, "Unknown status")
	}
}

// handleListDevices lists the current user's paired devices.
// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string][]device.Device
// @Failure      500  {object}  map[string]string
// @Router       /api/devices [get]
func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.EnsureOwner(r.Context(), placeholderUserID); err != nil {
		h.serverError(w, r, err, "ensure owner")
		return
	}
	list, err := h.reg.List(r.Context(), placeholderUserID)
	if err != nil {
		h.serverError(w, r, err, "list devices")
		return
	}
	if list == nil {
		list = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": list})
}

// handleDeleteDevice unpairs a device and drops its metrics.
// @Summary      Unpair a device
// @Tags         devices
// @Produce      json
// @Param        deviceID  path  string  true  "Device ID"
// @Success      200  {object}  map[string]any
// @Failure      404  {object}  map[string]string
// @Router       /api/devices/{deviceID} [delete]
func (h *Handler) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := h.reg.Delete(r.Context(), deviceID)
	if errors.Is(err, device.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err != nil {
		h.serverError(w, r, err, "unpair device")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Device %s unpaired successfully", dev.Name),
	})
}

// handleMetrics serves recent samples for one device, newest first.
// @Summary      Query metrics
// @Tags         metrics
// @Produce      json
// @Param        deviceId  query  string  true   "Device ID"
// @Param        limit     query  int     false  "Max samples (default 1)"
// @Success      200  {object}  map[string]any
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]any
// @Router       /api/metrics [get]
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId parameter required")
		return
	}

	limit := 1
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	rows, err := h.pipe.Latest(r.Context(), deviceID, limit)
	if err != nil {
		h.serverError(w, r, err, "fetch metrics")
		return
	}
	if len(rows) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "No metrics found for this device",
			"metrics": []metrics.APISample{},
		})
		return
	}

	out := make([]metrics.APISample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.API())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": out,
		"count":   len(out),
	})
}

// handleHealth is the ingestion host's liveness probe.
// @Summary      Health check
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "websocket",
	})
}

// serverError distinguishes store timeouts from everything else so callers
// can tell a slow store apart from a missing record.
func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	h.lg.Error().Err(err).Msg(msg)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "Store timeout")
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to "+msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
