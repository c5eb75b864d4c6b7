package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"docsync/internal/session"
	"docsync/internal/store"
)

// DocsAPI serves read-only views of live sessions and saved documents.
type DocsAPI struct {
	Registry *session.Registry
	Store    store.Store
	Log      *slog.Logger
}

type sessionResponse struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Participants int        `json:"participants"`
	LastSaved    *time.Time `json:"lastSaved,omitempty"`
}

type docResponse struct {
	ID        string     `json:"documentId"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	LastSaved *time.Time `json:"lastSaved,omitempty"`
	Live      bool       `json:"live"`
	Dirty     bool       `json:"dirty"`
}

// List returns the live sessions of this instance.
func (a *DocsAPI) List(w http.ResponseWriter, _ *http.Request) {
	sessions := a.Registry.Sessions()
	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse{
			ID: s.ID, Title: s.Title, State: s.State.String(),
			Participants: s.Participants, LastSaved: s.LastSaved,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get returns the authoritative document: the live session when there is
// one, otherwise the last saved snapshot.
func (a *DocsAPI) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	if doc, err := a.Registry.Snapshot(id); err == nil {
		writeJSON(w, http.StatusOK, docResponse{
			ID: doc.ID, Title: doc.Title, Content: doc.Content,
			LastSaved: doc.LastSaved, Live: true, Dirty: doc.Dirty(),
		})
		return
	}

	snap, err := a.Store.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.Log.Error("docs.get", "doc", id, "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	saved := snap.SavedAt
	writeJSON(w, http.StatusOK, docResponse{ID: snap.ID, Title: snap.Title, Content: snap.Content, LastSaved: &saved})
}

// Ready reports whether the durable store answers.
func (a *DocsAPI) Ready(w http.ResponseWriter, r *http.Request) {
	_, err := a.Store.Get(r.Context(), "__readyz__")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.Log.Warn("readyz", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
