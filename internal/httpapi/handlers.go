package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"offlinewatch/internal/device"
	"offlinewatch/internal/notifier"
	"offlinewatch/internal/offline"
	logx "offlinewatch/pkg/logx"
)

const maxBodyBytes = 64 << 10

type handler struct {
	job     Job
	store   StateStore
	history History
	sched   Schedules
	log     logx.Logger
	now     func() time.Time
	started time.Time
}

func newHandler(d Deps) *handler {
	h := &handler{job: d.Job, store: d.Store, history: d.History, sched: d.Sched, log: d.Log, now: d.Now}
	if h.log.IsZero() {
		h.log = logx.Nop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.started = h.now()
	return h
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"offline_devices": h.job.Registry().Len(),
		"uptime":          notifier.HumanDuration(h.now().Sub(h.started)),
	})
}

type offlineDevice struct {
	Device       device.ID `json:"device"`
	OfflineSince time.Time `json:"offline_since"`
	OfflineSecs  int64     `json:"offline_for_seconds"`
	OfflineFor   string    `json:"offline_for"`
}

func (h *handler) offlineDevices(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	entries := h.job.Registry().SortedSnapshot()
	out := make([]offlineDevice, 0, len(entries))
	for _, e := range entries {
		d := now.Sub(e.OfflineSince)
		if d < 0 {
			d = 0
		}
		out = append(out, offlineDevice{
			Device:       e.Device,
			OfflineSince: e.OfflineSince,
			OfflineSecs:  int64(d / time.Second),
			OfflineFor:   notifier.HumanDuration(d),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "devices": out})
}

func (h *handler) deviceID(w http.ResponseWriter, r *http.Request) (device.ID, bool) {
	id, err := device.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return device.ID{}, false
	}
	return id, true
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	h.job.OnDeviceConnect(id)
	if h.store != nil {
		if err := h.store.MarkOnline(r.Context(), id); err != nil {
			h.log.Warn("persist online failed", logx.Stringer("device", id), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "device marked online but not persisted: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": id, "online": true})
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deviceID(w, r)
	if !ok {
		return
	}
	since := h.job.OnDeviceDisconnect(id)
	if h.store != nil {
		if err := h.store.MarkOffline(r.Context(), id, since); err != nil {
			h.log.Warn("persist offline failed", logx.Stringer("device", id), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "device marked offline but not persisted: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": id, "offline_since": since})
}

type reportView struct {
	JobStart   time.Time `json:"job_start"`
	Thresholds []string  `json:"thresholds"`
	Evaluated  int       `json:"evaluated"`
	Notified   int       `json:"notified"`
	NotDue     int       `json:"not_due"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Took       string    `json:"took"`
	Error      string    `json:"error,omitempty"`
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	rep, err := h.job.Run(r.Context())
	if errors.Is(err, offline.ErrMissingConfiguration) || errors.Is(err, offline.ErrInvalidConfiguration) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	v := reportView{
		JobStart:   rep.JobStart,
		Thresholds: durationStrings(rep.Thresholds),
		Evaluated:  rep.Evaluated,
		Notified:   rep.Notified,
		NotDue:     rep.NotDue,
		Skipped:    rep.Skipped,
		Failed:     rep.Failed,
		Took:       rep.Took.String(),
	}
	if err != nil {
		v.Error = err.Error()
	}
	h.log.Info("manual tick", logx.String("subject", Subject(r.Context())), logx.Int("notified", rep.Notified), logx.Int("failed", rep.Failed))
	writeJSON(w, http.StatusOK, v)
}

type thresholdsBody struct {
	Thresholds []string `json:"thresholds"`
}

func (h *handler) getThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, thresholdsBody{Thresholds: durationStrings(h.job.Thresholds())})
}

// putThresholds replaces the live list. A later config reload that changes
// job.thresholds overrides it again.
func (h *handler) putThresholds(w http.ResponseWriter, r *http.Request) {
	var body thresholdsBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	t, err := offline.ParseThresholds(body.Thresholds)
	if err == nil {
		err = h.job.OnConfigurationUpdate(t)
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.log.Info("thresholds updated via api",
		logx.String("subject", Subject(r.Context())),
		logx.Stringer("thresholds", t),
	)
	writeJSON(w, http.StatusOK, thresholdsBody{Thresholds: durationStrings(t)})
}

func (h *handler) listHistory(w http.ResponseWriter, r *http.Request) {
	items := []notifier.HistoryItem{}
	pending := 0
	if h.history != nil {
		items = h.history.Snapshot()
		pending = h.history.Pending()
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "pending": pending, "items": items})
}

func (h *handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeError(w, http.StatusNotFound, "scheduler not available")
		return
	}
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

func durationStrings(t offline.Thresholds) []string {
	out := make([]string, len(t))
	for i, d := range t {
		out[i] = d.String()
	}
	return out
}
