package api

import (
	"encoding/json"
	"net/http"

	"proximity/internal/auth"
	"proximity/internal/coreerr"
	"proximity/internal/jobqueue"
	"proximity/internal/lifecycle"
	"proximity/internal/orchestrator"
)

type handlers struct {
	deps Deps
}

// deploy handles POST /apps/deploy (spec §6 "enqueue deployment; returns
// application id and 202"). D1 validation runs synchronously so obviously
// bad requests fail fast with 4xx instead of silently queuing; everything
// from D2 onward runs in the background worker pool.
func (h *handlers) deploy(w http.ResponseWriter, r *http.Request) {
	var body deployRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed JSON body"))
		return
	}

	user, _ := auth.GetUserContext(r.Context())
	owner := "anonymous"
	if user != nil {
		owner = user.UserID
	}

	req := orchestrator.DeployRequest{
		CatalogID: body.CatalogID,
		Hostname:  body.Hostname,
		Owner:     owner,
		Overrides: orchestrator.ResourceOverrides{
			CPUCores: body.CPUCores,
			MemoryMB: body.MemoryMB,
			DiskGB:   body.DiskGB,
		},
		EnvOverrides:    body.Environment,
		DeleteOnFailure: body.DeleteOnFailure,
	}

	if h.deps.Queue == nil {
		// No job queue configured (e.g. local/dev run): execute inline.
		app, err := h.deps.Orchestrator.Deploy(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeAudit(r.Context(), h.deps.Client, r, "deploy", &app.ID, map[string]any{"catalog_id": body.CatalogID, "hostname": body.Hostname})
		writeJSON(w, http.StatusAccepted, toApplicationResponse(app))
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: encoding deploy job payload"))
		return
	}
	job, err := h.deps.Queue.Enqueue(r.Context(), jobqueue.Job{Kind: jobqueue.KindDeploy, Payload: payload})
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: enqueueing deploy job"))
		return
	}

	writeAudit(r.Context(), h.deps.Client, r, "deploy", nil, map[string]any{"catalog_id": body.CatalogID, "hostname": body.Hostname, "job_id": job.ID})
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "hostname": body.Hostname})
}

// listApps handles GET /apps.
func (h *handlers) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.deps.Client.Application.Query().All(r.Context())
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: listing applications"))
		return
	}
	out := make([]applicationResponse, len(apps))
	for i, a := range apps {
		out[i] = toApplicationResponse(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// getApp handles GET /apps/{id}.
func (h *handlers) getApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}
	app, err := h.deps.Client.Application.Get(r.Context(), id)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindNotFound, err, "api: loading application"))
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

// operation returns a handler for the three parameterless lifecycle
// operations (spec §6 "POST /apps/{id}/{start|stop|restart}").
func (h *handlers) operation(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseAppID(r)
		if err != nil {
			writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
			return
		}

		if h.deps.Queue != nil {
			job, err := h.deps.Queue.Enqueue(r.Context(), jobqueue.Job{
				Kind: jobqueue.KindLifecycle, ApplicationID: id.String(), Operation: name,
			})
			if err != nil {
				writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: enqueueing lifecycle job"))
				return
			}
			writeAudit(r.Context(), h.deps.Client, r, name, &id, nil)
			writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
			return
		}

		var opErr error
		switch name {
		case "start":
			opErr = h.deps.Lifecycle.Start(r.Context(), id)
		case "stop":
			opErr = h.deps.Lifecycle.Stop(r.Context(), id)
		case "restart":
			opErr = h.deps.Lifecycle.Restart(r.Context(), id)
		}
		if opErr != nil {
			writeError(w, opErr)
			return
		}
		writeAudit(r.Context(), h.deps.Client, r, name, &id, nil)
		app, err := h.deps.Client.Application.Get(r.Context(), id)
		if err != nil {
			writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: reloading application after "+name))
			return
		}
		writeJSON(w, http.StatusOK, toApplicationResponse(app))
	}
}

// clone handles POST /apps/{id}/clone.
func (h *handlers) clone(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}
	var body cloneRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Hostname == "" {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: missing hostname in clone request"))
		return
	}

	clone, err := h.deps.Lifecycle.Clone(r.Context(), id, body.Hostname)
	if err != nil {
		writeError(w, err)
		return
	}
	writeAudit(r.Context(), h.deps.Client, r, "clone", &id, map[string]any{"new_hostname": body.Hostname, "clone_id": clone.ID.String()})
	writeJSON(w, http.StatusAccepted, toApplicationResponse(clone))
}

// updateConfig handles PATCH /apps/{id}/config.
func (h *handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}
	var body updateConfigRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed JSON body"))
		return
	}

	req := lifecycle.UpdateConfigRequest{CPUCores: body.CPUCores, MemoryMB: body.MemoryMB, DiskGB: body.DiskGB}
	if err := h.deps.Lifecycle.UpdateConfig(r.Context(), id, req); err != nil {
		writeError(w, err)
		return
	}

	writeAudit(r.Context(), h.deps.Client, r, "update_config", &id, map[string]any{
		"cpu_cores": body.CPUCores, "memory_mb": body.MemoryMB, "disk_gb": body.DiskGB,
	})
	app, err := h.deps.Client.Application.Get(r.Context(), id)
	if err != nil {
		writeError(w, coreerr.Wrap(coreerr.KindInternal, err, "api: reloading application after update_config"))
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}

// deleteApp handles DELETE /apps/{id}.
func (h *handlers) deleteApp(w http.ResponseWriter, r *http.Request) {
	id, err := parseAppID(r)
	if err != nil {
		writeError(w, coreerr.New(coreerr.KindInvalidRequest, "api: malformed application id"))
		return
	}
	if err := h.deps.Lifecycle.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeAudit(r.Context(), h.deps.Client, r, "delete", &id, nil)
	w.WriteHeader(http.StatusNoContent)
}
