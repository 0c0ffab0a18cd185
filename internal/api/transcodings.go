package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tesshucom/jpsonic-sub005/internal/control/problem"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

type transcodingList struct {
	Transcodings       []transcoding.Definition `json:"transcodings"`
	PlayerTranscodings map[string][]int         `json:"playerTranscodings"`
}

type playerTranscodings struct {
	// RuleIDs nil restores the default-active rules for the player.
	RuleIDs []int `json:"ruleIds"`
}

func (s *Server) handleListTranscodings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, transcodingList{
		Transcodings:       s.deps.Registry.List(),
		PlayerTranscodings: s.deps.Registry.PlayerRules(),
	})
}

func (s *Server) handleGetTranscoding(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, found := s.deps.Registry.Get(id)
	if !found {
		problem.Write(w, r, http.StatusNotFound, "transcoding/not_found", "NOT_FOUND", "unknown transcoding")
		return
	}
	writeJSON(w, r, http.StatusOK, rule.Definition())
}

func (s *Server) handlePutTranscoding(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var def transcoding.Definition
	if !decodeJSON(w, r, &def) {
		return
	}
	def.ID = id

	_, existed := s.deps.Registry.Get(id)
	if !s.mutate(w, r, func(reg *transcoding.Registry) error {
		_, err := reg.Upsert(def)
		return err
	}) {
		return
	}
	rule, _ := s.deps.Registry.Get(id)
	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, rule.Definition())
}

func (s *Server) handleDeleteTranscoding(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if !s.mutate(w, r, func(reg *transcoding.Registry) error {
		_, err := reg.Delete(id)
		return err
	}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPlayerTranscodings(w http.ResponseWriter, r *http.Request) {
	player := chi.URLParam(r, "player")
	var body playerTranscodings
	if !decodeJSON(w, r, &body) {
		return
	}
	if !s.mutate(w, r, func(reg *transcoding.Registry) error {
		return reg.SetPlayerRules(player, body.RuleIDs)
	}) {
		return
	}
	writeJSON(w, r, http.StatusOK, transcodingList{
		Transcodings:       s.deps.Registry.List(),
		PlayerTranscodings: s.deps.Registry.PlayerRules(),
	})
}

// mutate applies fn to the registry and persists the result. A failed persist
// rolls the registry back so memory never diverges from the file.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, fn func(*transcoding.Registry) error) bool {
	s.crudMu.Lock()
	defer s.crudMu.Unlock()

	reg := s.deps.Registry
	prevDefs, prevPlayers := reg.List(), reg.PlayerRules()

	if err := fn(reg); err != nil {
		switch {
		case errors.Is(err, transcoding.ErrRuleNotFound):
			problem.Write(w, r, http.StatusNotFound, "transcoding/not_found", "NOT_FOUND", err.Error())
		default:
			problem.Write(w, r, http.StatusBadRequest, "transcoding/invalid", "INVALID_TRANSCODING", err.Error())
		}
		return false
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	if s.deps.Transcodings != nil {
		if err := s.deps.Transcodings.UpdateTranscodings(r.Context(), reg.List(), reg.PlayerRules()); err != nil {
			if rbErr := reg.Replace(prevDefs, prevPlayers); rbErr != nil {
				logger.Error().Err(rbErr).Str(log.FieldEvent, "transcoding.rollback_failed").Msg("registry rollback failed")
			}
			logger.Error().Err(err).Str(log.FieldEvent, "transcoding.persist_failed").Msg("failed to persist transcodings")
			problem.Write(w, r, http.StatusInternalServerError, "transcoding/persist_failed", "PERSIST_FAILED", "")
			return false
		}
	}
	logger.Info().
		Str(log.FieldEvent, "transcoding.updated").
		Int("rules", len(reg.List())).
		Msg("transcoding rules changed")
	return true
}

func ruleID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		problem.Write(w, r, http.StatusBadRequest, "transcoding/invalid_id", "INVALID_ID", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
