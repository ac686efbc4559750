package tasks

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/huddle/internal/storage/dirstore"
)

// Handler serves a Store over HTTP:
//
//	POST /tasks        create (Idempotency-Key header honoured)
//	GET  /tasks        list, filtered by status, assignee, document, tag
//	GET  /tasks/{id}   get
//
// When token is set, requests must carry "Authorization: Bearer <token>".
func Handler(store Store, token string) http.Handler {
	r := chi.NewRouter()
	if token != "" {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if req.Header.Get("Authorization") != "Bearer "+token {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, req)
			})
		})
	}

	r.Post("/tasks", func(w http.ResponseWriter, req *http.Request) {
		var cr CreateRequest
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&cr); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if key := req.Header.Get("Idempotency-Key"); key != "" {
			cr.IdempotencyKey = key
		}

		t, err := store.CreateTask(req.Context(), cr)
		if errors.Is(err, ErrInvalidTask) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			slog.Error("create task", "error", err)
			http.Error(w, "create failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	})

	r.Get("/tasks", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		list, err := store.List(ListFilter{
			Status:     TaskStatus(q.Get("status")),
			AssigneeID: q.Get("assignee"),
			DocumentID: q.Get("document"),
			Tag:        q.Get("tag"),
		})
		if err != nil {
			http.Error(w, "list failed", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []*Task{}
		}
		writeJSON(w, http.StatusOK, list)
	})

	r.Get("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
		t, err := store.Get(chi.URLParam(req, "id"))
		if errors.Is(err, dirstore.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "get failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
