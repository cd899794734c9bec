package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/policy"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// CreateRequest creates an instance and optionally submits its first operation.
type CreateRequest struct {
	ID          string            `json:"id,omitempty"`
	Type        string            `json:"type"`
	Labels      map[string]string `json:"labels,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
}

// OperationRequest submits an operation to an existing instance.
type OperationRequest struct {
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// CallbackRequest carries an external executor's answer.
type CallbackRequest struct {
	Callback string          `json:"callback,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ReservationRequest reserves addresses for an owner outside any blueprint.
type ReservationRequest struct {
	Owner string `json:"owner"`
	Count int    `json:"count"`
}

// Accepted is returned for queued work.
type Accepted struct {
	InstanceID string `json:"instance_id"`
	SessionID  string `json:"session_id,omitempty"`
	Status     string `json:"status"`
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"workers": s.opts.Instances.Workers(),
	}
	if s.opts.Health != nil {
		if err := s.opts.Health.HealthCheck(r.Context()); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) listBlueprints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.Filter{
		Type:   q.Get("type"),
		Status: engine.InstanceStatus(q.Get("status")),
	}
	if filter.Status != "" {
		if err := filter.Status.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, err.Error())
			return
		}
	}
	for _, sel := range q["label"] {
		k, v, ok := strings.Cut(sel, "=")
		if !ok || k == "" {
			writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, fmt.Sprintf("label selector %q must be key=value", sel))
			return
		}
		if filter.Labels == nil {
			filter.Labels = make(map[string]string)
		}
		filter.Labels[k] = v
	}

	items, err := s.opts.Instances.ListSummaries(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) createBlueprint(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "type is required")
		return
	}

	if req.Operation == "" {
		doc, err := s.opts.Instances.CreateInstance(r.Context(), req.Type, req.ID, req.Labels)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, engine.Summarize(doc))
		return
	}

	doc, sid, err := s.opts.Instances.Launch(r.Context(), req.Type, req.ID, req.Labels, engine.SubmitRequest{
		Operation:   req.Operation,
		Payload:     req.Payload,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{InstanceID: doc.ID, SessionID: sid, Status: "queued"})
}

func (s *Server) getBlueprint(w http.ResponseWriter, r *http.Request) {
	detail, err := s.opts.Instances.GetDetail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) submitOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req OperationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sid, err := s.opts.Instances.Submit(r.Context(), engine.SubmitRequest{
		InstanceID:  id,
		Operation:   req.Operation,
		Payload:     req.Payload,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{InstanceID: id, SessionID: sid, Status: "queued"})
}

func (s *Server) deliverCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req CallbackRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.opts.Instances.Resume(r.Context(), vars["id"], engine.CallbackEvent{
		SessionID: vars["session"],
		Callback:  req.Callback,
		Payload:   req.Payload,
		Err:       req.Error,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{InstanceID: vars["id"], SessionID: vars["session"], Status: "delivered"})
}

// destroyBlueprint queues the destroy procedure. With ?wait=true the response
// is held until the worker has removed the instance.
func (s *Server) destroyBlueprint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	done, err := s.opts.Instances.Destroy(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		select {
		case <-done:
			w.WriteHeader(http.StatusNoContent)
		case <-r.Context().Done():
			writeError(w, http.StatusGatewayTimeout, engine.ErrCodeInternal, "destroy still in progress")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{InstanceID: id, Status: "destroying"})
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Networks.Networks(r.Context()))
}

func (s *Server) getNetwork(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Networks.Network(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) reserve(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req ReservationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Owner == "" || req.Count <= 0 {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "owner and a positive count are required")
		return
	}

	if s.opts.Admission != nil {
		err := s.opts.Admission.AdmitReservation(r.Context(), policy.ReservationRequest{
			Network: name,
			Owner:   req.Owner,
			Count:   req.Count,
		})
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
	}

	ranges, err := s.opts.Networks.Reserve(r.Context(), name, req.Owner, req.Count)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ranges)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.opts.Networks.Release(r.Context(), vars["name"], vars["id"]); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps engine error codes to HTTP statuses.
func statusFor(err error) int {
	switch {
	case engine.HasCode(err, engine.ErrCodeNotFound):
		return http.StatusNotFound
	case engine.HasCode(err, engine.ErrCodeValidation):
		return http.StatusBadRequest
	case engine.HasCode(err, engine.ErrCodeShutdown):
		return http.StatusServiceUnavailable
	case engine.IsRejection(err), engine.IsConflict(err), engine.IsResourceExhaustion(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := engine.CodeOf(err)
	if code == "" {
		code = engine.ErrCodeInternal
	}
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, engine.ErrCodeValidation, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: APIError{Code: code, Message: message}})
}
