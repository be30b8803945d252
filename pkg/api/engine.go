package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/devosoft/avida-bridge/pkg/engine"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// WarningHeader carries non-fatal protocol warnings on engine dispatch.
const WarningHeader = "X-Bridge-Warning"

// handleEngineDispatch accepts one message emitted by an out-of-process
// engine.
//
//	202  accepted (also for an unknown status, with WarningHeader set)
//	400  malformed payload, dropped
func (s *Server) handleEngineDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Gateway.MaxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	err = s.bridge.Dispatch(r.Context(), body)
	switch {
	case err == nil:
	case errors.Is(err, message.ErrMalformedPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrUnknownEngineState):
		w.Header().Set(WarningHeader, err.Error())
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"state":  s.bridge.State(),
	})
}

// handleEngineDrain is the engine's pull. By default it returns every
// queued message as a JSON array (possibly empty). With ?one=1 it pops a
// single message, answering 204 when nothing is queued.
func (s *Server) handleEngineDrain(w http.ResponseWriter, r *http.Request) {
	if one := r.URL.Query().Get("one"); one == "1" || one == "true" {
		data, ok := s.bridge.Next()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	drained := s.bridge.DrainAll()
	out := make([]json.RawMessage, len(drained))
	for i, d := range drained {
		out[i] = d
	}
	writeJSON(w, http.StatusOK, out)
}
