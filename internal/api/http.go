package signflowapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aegis-sign/signflow/pkg/apierrors"
)

// HTTPHandler 实现 /sessions HTTP/JSON 接口。
type HTTPHandler struct {
	sessions Sessions
	logger   *slog.Logger
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(sessions Sessions, logger *slog.Logger) *HTTPHandler {
	if sessions == nil {
		panic("signing sessions are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{sessions: sessions, logger: logger}
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.handleStart)
	mux.HandleFunc("GET /sessions/{id}", h.handleGet)
	mux.HandleFunc("POST /sessions/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /sessions/{id}/events", h.handleEvents)
}

type errorResponse struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type cancelResponseBody struct {
	Accepted bool        `json:"accepted"`
	Session  sessionView `json:"session"`
}

func (h *HTTPHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeAPIError(w, apierrors.InvalidCredentials("invalid JSON body"))
		return
	}
	if body.ContainerID == "" {
		h.writeAPIError(w, apierrors.InvalidCredentials("containerId is required"))
		return
	}
	sess, err := h.sessions.Start(r.Context(), body.toStartRequest())
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, viewOf(sess.Snapshot()))
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Lookup(r.PathValue("id"))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, viewOf(sess.Snapshot()))
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	accepted, err := h.sessions.Cancel(id)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	sess, err := h.sessions.Lookup(id)
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cancelResponseBody{Accepted: accepted, Session: viewOf(sess.Snapshot())})
}

// handleEvents 以换行分隔的 JSON 推送当前状态及之后每次变化，终止状态后结束。
func (h *HTTPHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Lookup(r.PathValue("id"))
	if err != nil {
		h.writeUnknownError(w, err)
		return
	}
	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := enc.Encode(viewOf(snap)); err != nil {
				h.logger.Debug("session event stream closed", slog.String("session", snap.SessionID), slog.Any("err", err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Code: codeSessionNotFound, Message: err.Error()})
		return
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		h.writeAPIError(w, apiErr)
		return
	}
	h.logger.Error("unclassified api error", slog.Any("err", err))
	h.writeAPIError(w, internalError())
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = internalError()
	}
	h.writeJSON(w, apierrors.HTTPStatusFor(apiErr), errorResponse{
		Code:    string(apiErr.Code),
		Kind:    string(apiErr.Kind),
		Message: apiErr.Message,
		Detail:  apiErr.Detail,
	})
}
