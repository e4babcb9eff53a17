// Package controlapi exposes the HTTP deploy/start/stop/list/delete
// surface over the module registry. It is a boundary component: nothing
// in the scheduler or sandbox depends on it existing.
package controlapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
	"github.com/xxfunc/xxfunc/pkg/registry"
)

// API wraps a registry with an HTTP router.
type API struct {
	registry *registry.Store
	logger   *hostlog.Logger
	router   chi.Router
}

// New builds an API with all routes registered.
func New(reg *registry.Store, logger *hostlog.Logger) *API {
	a := &API{registry: reg, logger: logger, router: chi.NewRouter()}

	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.Recoverer)

	a.router.Get("/health", a.handleHealth)
	// No body-size-limiting middleware is applied to /deploy: module
	// bytecode can legitimately be large and the control API does not
	// second-guess that.
	a.router.Post("/deploy", a.handleDeploy)
	a.router.Post("/start", a.handleStart)
	a.router.Post("/stop", a.handleStop)
	a.router.Get("/modules", a.handleList)
	a.router.Get("/modules/{name}", a.handleGet)
	a.router.Delete("/modules/{name}", a.handleDelete)

	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(0); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("module")
	if err != nil {
		writeError(w, http.StatusBadRequest, "module file field is required")
		return
	}
	defer file.Close()

	binary, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read module: "+err.Error())
		return
	}
	if len(binary) == 0 {
		writeError(w, http.StatusBadRequest, "module bytecode is empty")
		return
	}

	name := header.Filename
	if name == "" {
		writeError(w, http.StatusBadRequest, "module filename is required")
		return
	}

	id, err := a.registry.Insert(r.Context(), name, binary)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, "a module named '"+name+"' already exists")
			return
		}
		a.logger.Error(hostlog.ComponentControlAPI, "deploy failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to deploy module")
		return
	}

	a.logger.Info(hostlog.ComponentControlAPI, "module deployed", zap.String("name", name), zap.Int64("id", id))
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": name})
}

type moduleRequest struct {
	Module string `json:"module"`
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	a.setState(w, r, registry.StateStarted)
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	a.setState(w, r, registry.StateStopped)
}

func (a *API) setState(w http.ResponseWriter, r *http.Request, state registry.State) {
	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Module == "" {
		writeError(w, http.StatusBadRequest, "module is required")
		return
	}

	if err := a.registry.SetState(r.Context(), req.Module, state); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "module not found: "+req.Module)
			return
		}
		a.logger.Error(hostlog.ComponentControlAPI, "set state failed", zap.String("module", req.Module), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update module state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"module": req.Module, "state": state})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	mods, err := a.registry.List(r.Context())
	if err != nil {
		a.logger.Error(hostlog.ComponentControlAPI, "list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list modules")
		return
	}
	writeJSON(w, http.StatusOK, mods)
}

// moduleDetail is handleGet's response shape: registry.Module's bytecode is
// omitted since it can be arbitrarily large and the caller asked for the
// module's status, not its contents.
type moduleDetail struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	State      registry.State `json:"state"`
	BinarySize int            `json:"binary_size"`
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mod, err := a.registry.GetByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "module not found: "+name)
			return
		}
		a.logger.Error(hostlog.ComponentControlAPI, "get failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get module")
		return
	}
	writeJSON(w, http.StatusOK, moduleDetail{ID: mod.ID, Name: mod.Name, State: mod.State, BinarySize: len(mod.Binary)})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.registry.Delete(r.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "module not found: "+name)
			return
		}
		a.logger.Error(hostlog.ComponentControlAPI, "delete failed", zap.String("name", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete module")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
