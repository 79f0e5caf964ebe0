package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/dukerupert/housework/internal/model"
	"github.com/dukerupert/housework/internal/store"
	"github.com/dukerupert/housework/internal/websocket"
)

const (
	maxBodyBytes  = 1 << 20
	maxFormMemory = 1 << 20
)

type HouseworkHandler struct {
	repo   store.HouseworkRepository
	hub    *websocket.Hub
	logger *slog.Logger
}

func NewHouseworkHandler(repo store.HouseworkRepository, hub *websocket.Hub, logger *slog.Logger) *HouseworkHandler {
	return &HouseworkHandler{repo: repo, hub: hub, logger: logger}
}

func (h *HouseworkHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

// fieldValue accepts a JSON string, number or boolean and keeps its text.
// Clients commonly send point as a number.
type fieldValue string

func (v *fieldValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return errors.New("empty value")
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = fieldValue(s)
	case '{', '[':
		return errors.New("value must be a string")
	default:
		*v = fieldValue(b)
	}
	return nil
}

// houseworkRequest holds the fillable keys of a request body. A nil field was
// not supplied. Keys are matched exactly against model.FillableFields.
type houseworkRequest struct {
	TaskName *fieldValue `json:"task_name"`
	Term     *fieldValue `json:"term"`
	Point    *fieldValue `json:"point"`
}

func (req *houseworkRequest) slots() []**fieldValue {
	return []**fieldValue{&req.TaskName, &req.Term, &req.Point}
}

// applyTo overwrites only the supplied fields of f.
func (req houseworkRequest) applyTo(f model.HouseworkFields) model.HouseworkFields {
	if req.TaskName != nil {
		f.TaskName = string(*req.TaskName)
	}
	if req.Term != nil {
		f.Term = string(*req.Term)
	}
	if req.Point != nil {
		f.Point = string(*req.Point)
	}
	return f
}

// fields returns the supplied values with omitted fields left empty.
func (req houseworkRequest) fields() model.HouseworkFields {
	return req.applyTo(model.HouseworkFields{})
}

// decodeHouseworkRequest reads a JSON, urlencoded or multipart body. Only
// model.FillableFields are read; an empty body supplies no fields.
func decodeHouseworkRequest(w http.ResponseWriter, r *http.Request) (houseworkRequest, error) {
	var req houseworkRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(maxFormMemory)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return req, fmt.Errorf("parse form: %w", err)
		}
		slots := req.slots()
		for i, key := range model.FillableFields {
			if vals, ok := r.PostForm[key]; ok && len(vals) > 0 {
				v := fieldValue(vals[0])
				*slots[i] = &v
			}
		}
		return req, nil
	default:
		// encoding/json matches struct tags case-insensitively, so decode into
		// a map and look keys up exactly.
		var raw map[string]json.RawMessage
		err := json.NewDecoder(r.Body).Decode(&raw)
		if errors.Is(err, io.EOF) {
			return houseworkRequest{}, nil
		}
		if err != nil {
			return req, err
		}
		slots := req.slots()
		for i, key := range model.FillableFields {
			b, ok := raw[key]
			if !ok || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
				continue
			}
			var v fieldValue
			if err := v.UnmarshalJSON(b); err != nil {
				return req, fmt.Errorf("decode %s: %w", key, err)
			}
			*slots[i] = &v
		}
		return req, nil
	}
}

func (h *HouseworkHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, err := decodeHouseworkRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hw, err := h.repo.Create(req.fields())
	if err != nil {
		h.logger.Error("failed to create housework", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create housework")
		return
	}

	h.broadcast(websocket.NewMessage("housework", "created", hw.ID, hw))

	w.Header().Set("Location", fmt.Sprintf("/api/houseworks/%d", hw.ID))
	writeJSON(w, http.StatusCreated, hw)
}

func parseNonNegative(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func (h *HouseworkHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.HouseworkFilter{
		Term:     q.Get("term"),
		TaskName: q.Get("q"),
	}

	var err error
	if filter.Limit, err = parseNonNegative(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = parseNonNegative(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	houseworks, err := h.repo.List(filter)
	if err != nil {
		h.logger.Error("failed to list houseworks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list houseworks")
		return
	}
	total, err := h.repo.Count(filter)
	if err != nil {
		h.logger.Error("failed to count houseworks", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list houseworks")
		return
	}

	if houseworks == nil {
		houseworks = []model.Housework{}
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, houseworks)
}

func (h *HouseworkHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	hw, err := h.repo.GetByID(id)
	if err != nil {
		h.logger.Error("failed to get housework", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get housework")
		return
	}
	if hw == nil {
		writeError(w, http.StatusNotFound, "housework not found")
		return
	}

	writeJSON(w, http.StatusOK, hw)
}

// Replace sets all three fields; omitted fields become empty.
func (h *HouseworkHandler) Replace(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	req, err := decodeHouseworkRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.save(w, id, req.fields())
}

// Patch assigns only the supplied fields.
func (h *HouseworkHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	existing, err := h.repo.GetByID(id)
	if err != nil {
		h.logger.Error("failed to get housework", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get housework")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "housework not found")
		return
	}

	req, err := decodeHouseworkRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.save(w, id, req.applyTo(existing.Fields()))
}

func (h *HouseworkHandler) save(w http.ResponseWriter, id int64, f model.HouseworkFields) {
	hw, err := h.repo.Update(id, f)
	if err != nil {
		h.logger.Error("failed to update housework", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update housework")
		return
	}
	if hw == nil {
		writeError(w, http.StatusNotFound, "housework not found")
		return
	}

	h.broadcast(websocket.NewMessage("housework", "updated", id, hw))

	writeJSON(w, http.StatusOK, hw)
}

func (h *HouseworkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	deleted, err := h.repo.Delete(id)
	if err != nil {
		h.logger.Error("failed to delete housework", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete housework")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "housework not found")
		return
	}

	h.broadcast(websocket.NewMessage("housework", "deleted", id, nil))

	w.WriteHeader(http.StatusNoContent)
}
