package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/media/store"
)

const maxPipelineForm = 64 << 10

type statusResponse struct {
	Status      string                     `json:"status"`
	Version     string                     `json:"version,omitempty"`
	Uptime      string                     `json:"uptime"`
	ActiveCalls int                        `json:"active_calls"`
	Providers   map[string]map[string]bool `json:"providers"`
}

type pipelineResponse struct {
	Success     bool   `json:"success"`
	AudioBase64 string `json:"audio_base64"`
	Text        string `json:"text"`
	Reply       string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// stageMessages are the only failure texts returned to API callers;
// provider error bodies stay in the logs.
var stageMessages = map[string]string{
	call.StageFetchUnavailable:    "Erreur de téléchargement de l'audio",
	call.StageTranscriptionFailed: "Erreur transcription",
	call.StageNoCallerInput:       "Erreur transcription",
	call.StageGenerationFailed:    "Erreur IA",
	call.StageSynthesisFailed:     "Erreur synthèse vocale",
	call.StageTranscodeFailed:     "Erreur synthèse vocale",
}

func failureMessage(stage string) string {
	if msg, ok := stageMessages[stage]; ok {
		return msg
	}
	return "Erreur serveur interne"
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Providers: s.cfg.Providers,
	}
	if resp.Providers == nil {
		resp.Providers = map[string]map[string]bool{}
	}
	if s.cfg.Calls != nil {
		resp.ActiveCalls = s.cfg.Calls.ActiveCalls()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPipelineForm)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "formulaire invalide"})
		return
	}
	ref := r.PostForm.Get("RecordingUrl")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "RecordingUrl manquant"})
		return
	}

	res, err := s.cfg.Pipeline.RunPipeline(r.Context(), ref, r.PostForm.Get("To"))
	if err != nil {
		switch {
		case errors.Is(err, call.ErrMissingRecording):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "RecordingUrl manquant"})
			return
		case errors.Is(err, audio.ErrHostNotAllowed):
			s.logger.WarnContext(r.Context(), "pipeline recording host rejected", "error", err)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "RecordingUrl non autorisé"})
			return
		}
		stage := call.StageOf(err)
		s.logger.ErrorContext(r.Context(), "pipeline failed", "stage", stage, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: failureMessage(stage), Stage: stage})
		return
	}
	writeJSON(w, http.StatusOK, pipelineResponse{
		Success:     true,
		AudioBase64: res.AudioBase64,
		Text:        res.Text,
		Reply:       res.Reply,
	})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	f, err := s.cfg.Media.Open(key)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "media open failed", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, key, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
