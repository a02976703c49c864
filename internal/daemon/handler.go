// Package daemon exposes the playback engine over an HTTP control
// surface, for driving a headless engine instance or testing a viewer
// integration.
package daemon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/violetmx/cineloop"
	"github.com/violetmx/cineloop/internal/domain"
	"github.com/violetmx/cineloop/internal/store"
)

// Handler serves the engine's control API.
type Handler struct {
	ctrl    *cineloop.Controller
	archive *store.Archive
	log     *slog.Logger
}

func NewHandler(ctrl *cineloop.Controller, archive *store.Archive, log *slog.Logger) *Handler {
	return &Handler{ctrl: ctrl, archive: archive, log: log}
}

// Routes mounts the control API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/clips", func(r chi.Router) {
		r.Get("/", h.listClips)
		r.Post("/", h.putClip)
	})
	r.Route("/slots", func(r chi.Router) {
		r.Get("/", h.listSlots)
		r.Route("/{slot}", func(r chi.Router) {
			r.Get("/", h.slotState)
			r.Put("/clip", h.assignClip)
			r.Delete("/", h.clearSlot)
			r.Post("/preload", h.preload)
			r.Post("/play", h.play)
			r.Post("/pause", h.pause)
			r.Post("/stop", h.stop)
			r.Post("/frame/{index}", h.showFrame)
		})
	})
	r.Route("/playback", func(r chi.Router) {
		r.Post("/play-all", h.playAll)
		r.Post("/pause-all", h.pauseAll)
		r.Post("/stop-all", h.stopAll)
		r.Put("/fps", h.setFPS)
	})
	r.Route("/config", func(r chi.Router) {
		r.Put("/resolution", h.setResolution)
		r.Put("/layout", h.setLayout)
		r.Put("/data-source", h.setDataSource)
	})
	r.Get("/stats", h.stats)
}

type clipRequest struct {
	ID          string `json:"id"`
	TotalFrames int    `json:"totalFrames"`
}

type slotResponse struct {
	Slot         int    `json:"slot"`
	ClipID       string `json:"clipId,omitempty"`
	TotalFrames  int    `json:"totalFrames,omitempty"`
	LoadedFrames int    `json:"loadedFrames"`
	Progress     int    `json:"progress"`
	IsPreloading bool   `json:"isPreloading"`
	IsPreloaded  bool   `json:"isPreloaded"`
	IsPlaying    bool   `json:"isPlaying"`
	IsBuffering  bool   `json:"isBuffering"`
	CurrentIndex int    `json:"currentIndex"`
	Error        string `json:"error,omitempty"`
}

func toSlotResponse(s cineloop.SlotSnapshot) slotResponse {
	out := slotResponse{
		Slot:         int(s.Slot),
		LoadedFrames: s.LoadedFrames,
		Progress:     s.Progress,
		IsPreloading: s.IsPreloading,
		IsPreloaded:  s.IsPreloaded,
		IsPlaying:    s.IsPlaying,
		IsBuffering:  s.IsBuffering,
		CurrentIndex: s.CurrentIndex,
	}
	if s.Clip != nil {
		out.ClipID = string(s.Clip.ID)
		out.TotalFrames = s.Clip.TotalFrames
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

func (h *Handler) putClip(w http.ResponseWriter, r *http.Request) {
	var req clipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.TotalFrames < 1 {
		http.Error(w, "invalid clip", http.StatusBadRequest)
		return
	}
	clip := cineloop.Clip{ID: cineloop.ClipID(req.ID), TotalFrames: req.TotalFrames}
	if err := h.archive.PutClip(clip); err != nil {
		h.log.Error("put clip failed", "clip", req.ID, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) listClips(w http.ResponseWriter, r *http.Request) {
	clips, err := h.archive.Clips()
	if err != nil {
		h.log.Error("list clips failed", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	out := make([]clipRequest, 0, len(clips))
	for _, c := range clips {
		out = append(out, clipRequest{ID: string(c.ID), TotalFrames: c.TotalFrames})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) assignClip(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	var req struct {
		ClipID string `json:"clipId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClipID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	clip, err := h.archive.Clip(cineloop.ClipID(req.ClipID))
	if err != nil {
		if errors.Is(err, domain.ErrClipNotFound) {
			http.Error(w, "clip not found", http.StatusNotFound)
			return
		}
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if err := h.ctrl.AssignClip(slot, clip); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearSlot(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.ClearSlot(slot); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) preload(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Preload(slot); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) play(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	started, err := h.ctrl.Play(r.Context(), slot)
	if err != nil {
		writeSlotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Pause(slot); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	if err := h.ctrl.Stop(slot); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) showFrame(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid frame index", http.StatusBadRequest)
		return
	}
	if err := h.ctrl.ShowFrame(r.Context(), slot, index); err != nil {
		writeSlotError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) slotState(w http.ResponseWriter, r *http.Request) {
	slot, ok := slotParam(w, r)
	if !ok {
		return
	}
	snap, err := h.ctrl.SlotState(slot)
	if err != nil {
		writeSlotError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(snap))
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	snaps := h.ctrl.Snapshots()
	out := make([]slotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) playAll(w http.ResponseWriter, r *http.Request) {
	var started int
	if r.URL.Query().Get("sync") == "true" {
		started = h.ctrl.PlayAllSync(r.Context())
	} else {
		started = h.ctrl.PlayAll(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]int{"started": started})
}

func (h *Handler) pauseAll(w http.ResponseWriter, r *http.Request) {
	h.ctrl.PauseAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stopAll(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setFPS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FPS int `json:"fps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FPS < 1 {
		http.Error(w, "invalid fps", http.StatusBadRequest)
		return
	}
	h.ctrl.SetFPS(req.FPS)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setResolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch cineloop.Resolution(req.Resolution) {
	case cineloop.ResolutionThumbnail, cineloop.ResolutionStandard, cineloop.ResolutionFull:
	default:
		http.Error(w, "unknown resolution tier", http.StatusBadRequest)
		return
	}
	h.ctrl.SetResolution(cineloop.Resolution(req.Resolution))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setLayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Rows < 1 || req.Cols < 1 {
		http.Error(w, "invalid layout", http.StatusBadRequest)
		return
	}
	h.ctrl.SetLayout(req.Rows, req.Cols)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setDataSource(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "invalid data source", http.StatusBadRequest)
		return
	}
	h.ctrl.SetDataSource(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	entries, bytes := h.ctrl.CacheStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"cacheEntries": entries,
		"cacheBytes":   bytes,
		"viewports":    h.ctrl.ViewportStats(),
	})
}

func slotParam(w http.ResponseWriter, r *http.Request) (cineloop.SlotID, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "slot"))
	if err != nil || id < 0 {
		http.Error(w, "invalid slot id", http.StatusBadRequest)
		return 0, false
	}
	return cineloop.SlotID(id), true
}

func writeSlotError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSlotEmpty):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotPlayable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
