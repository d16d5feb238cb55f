package workers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gopegbridge/config"
	"gopegbridge/queue"
	"gopegbridge/types"
)

const statusListLimit = 100

// Enqueuer is the queue surface the API needs. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(job *queue.Job) error
}

// API is the operational HTTP surface: liveness, intake of new transfers
// and read-only access to transfer records for support tooling.
type API struct {
	store Store
	q     Enqueuer
	log   *zap.Logger
}

func NewAPI(store Store, q Enqueuer, log *zap.Logger) *API {
	return &API{store: store, q: q, log: log.Named("api")}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", a.health)
	r.Post("/transfers", a.createTransfer)
	r.Get("/transfers/{jobID}", a.getTransfer)
	r.Get("/transfers/status/{status}", a.listByStatus)
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	a.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTransferRequest struct {
	Direction       string `json:"direction"` // "forward" or "reverse"
	DerivedWalletID int64  `json:"derivedWalletId"`
}

// createTransfer registers a pending transfer record and schedules the
// matching flow job. The minted job id is the caller's handle for
// polling progress.
func (a *API) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DerivedWalletID == 0 {
		a.respondError(w, http.StatusBadRequest, "derivedWalletId is required")
		return
	}

	rec := &types.TransferRecord{
		JobID:         uuid.NewString(),
		Status:        types.StatusPending,
		DerivedWallet: &types.DerivedWallet{ID: req.DerivedWalletID},
	}
	var jobName string
	switch req.Direction {
	case "forward":
		jobName = queue.JobTransferForward
		rec.TickerFrom, rec.TickerTo = config.TickerUSDT, config.TickerPeggedUSDT
	case "reverse":
		jobName = queue.JobTransferReverse
		rec.TickerFrom, rec.TickerTo = config.TickerPeggedUSDT, config.TickerUSDT
	default:
		a.respondError(w, http.StatusBadRequest, "direction must be forward or reverse")
		return
	}

	if err := a.store.Create(r.Context(), rec); err != nil {
		a.log.Error("create transfer failed", zap.Error(err))
		a.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.q.Enqueue(&queue.Job{ID: rec.JobID, Name: jobName}); err != nil {
		a.log.Error("enqueue transfer job failed", zap.String("jobID", rec.JobID), zap.Error(err))
		a.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.log.Info("transfer registered",
		zap.String("jobID", rec.JobID),
		zap.String("direction", req.Direction))
	a.respond(w, http.StatusCreated, rec)
}

func (a *API) getTransfer(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rec, err := a.store.LoadByJobID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, types.ErrRecordNotFound) {
			a.respondError(w, http.StatusNotFound, "transfer not found")
			return
		}
		a.log.Error("load transfer failed", zap.String("jobID", jobID), zap.Error(err))
		a.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.respond(w, http.StatusOK, rec)
}

func (a *API) listByStatus(w http.ResponseWriter, r *http.Request) {
	status := types.Status(chi.URLParam(r, "status"))
	if !types.KnownStatus(status) {
		a.respondError(w, http.StatusBadRequest, "unknown status")
		return
	}
	recs, err := a.store.ListByStatus(r.Context(), status, statusListLimit)
	if err != nil {
		a.log.Error("list transfers failed", zap.String("status", string(status)), zap.Error(err))
		a.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.respond(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"count":     len(recs),
		"transfers": recs,
	})
}

func (a *API) respond(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error("write response failed", zap.Error(err))
	}
}

func (a *API) respondError(w http.ResponseWriter, code int, msg string) {
	a.respond(w, code, map[string]string{"error": msg})
}
