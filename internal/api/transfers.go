package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tesshucom/jpsonic-sub005/internal/control/problem"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

type transferList struct {
	Transfers []transfer.Snapshot `json:"transfers"`
}

func snapshots(statuses []*transfer.Status) transferList {
	out := make([]transfer.Snapshot, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, st.Snapshot())
	}
	slices.SortFunc(out, func(a, b transfer.Snapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return transferList{Transfers: out}
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, snapshots(s.deps.Tracker.All()))
}

func (s *Server) handlePlayerTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, snapshots(s.deps.Tracker.ActiveFor(chi.URLParam(r, "player"))))
}

// handleTerminateTransfer flags a transfer; its copy loop stops at the next chunk.
func (s *Server) handleTerminateTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Tracker.TerminateByID(id) {
		problem.Write(w, r, http.StatusNotFound, "transfer/not_found", "NOT_FOUND", "unknown transfer")
		return
	}
	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str(log.FieldEvent, "transfer.terminate_requested").
		Str(log.FieldTransferID, id).
		Msg("transfer terminated by administrator")
	w.WriteHeader(http.StatusNoContent)
}
