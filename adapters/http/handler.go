package http

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/runtime"
	"github.com/artpar/modhost/core/syncx"
	"github.com/artpar/modhost/pkg/jsonapi"
	"github.com/artpar/modhost/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const defaultPageSize = 50

// Handler implements the admin endpoints.
type Handler struct {
	rt      *runtime.Runtime
	journal ports.Journal
	logger  zerolog.Logger
	version string
}

// Health reports ok together with a count of modules per state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	mods, err := h.rt.Modules().List()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	states := map[string]int{}
	for _, m := range mods {
		states[string(m.State())]++
	}
	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{"status": "ok", "modules": states})
}

// Version reports the build version.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{"version": h.version, "service": "modhost"})
}

// -----------------------------------------------------------------------------
// Modules
// -----------------------------------------------------------------------------

// ListModules lists installed modules, optionally narrowed with ?state=ACTIVE.
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := h.rt.Modules().List()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		kept := mods[:0]
		for _, m := range mods {
			if string(m.State()) == state {
				kept = append(kept, m)
			}
		}
		mods = kept
	}

	page, perPage := jsonapi.ParsePaginationParams(r.URL.Query(), defaultPageSize)
	p := jsonapi.NewPagination(len(mods), page, perPage, r.URL.Path)
	var out []jsonapi.Resource
	for _, m := range jsonapi.Page(mods, p) {
		out = append(out, moduleResource(m))
	}
	jsonapi.WriteCollection(w, out, p)
}

// GetModule returns one module.
func (h *Handler) GetModule(w http.ResponseWriter, r *http.Request) {
	m, ok := h.module(w, r)
	if !ok {
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, moduleResource(m))
}

// StartModule starts a module.
func (h *Handler) StartModule(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "start", h.rt.Modules().Start)
}

// StopModule stops a module.
func (h *Handler) StopModule(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "stop", h.rt.Modules().Stop)
}

// RefreshModule reloads a module's artifact.
func (h *Handler) RefreshModule(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "refresh", h.rt.Modules().Refresh)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, *module.Module) error) {
	m, ok := h.module(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), m); err != nil {
		h.logger.Warn().Err(err).Str("module", m.String()).Str("op", op).Msg("admin lifecycle request failed")
		h.writeErr(w, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, moduleResource(m))
}

func (h *Handler) module(w http.ResponseWriter, r *http.Request) (*module.Module, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("id", "module id must be an integer"))
		return nil, false
	}
	m, err := h.rt.Modules().Get(id)
	if err != nil {
		h.writeErr(w, err)
		return nil, false
	}
	return m, true
}

func moduleResource(m *module.Module) jsonapi.Resource {
	b := jsonapi.NewResource("modules", strconv.FormatInt(m.ID(), 10)).
		Attr("name", m.Name()).
		Attr("location", m.Location()).
		Attr("state", string(m.State())).
		Attr("installed_at", m.InstalledAt().Format(time.RFC3339)).
		Attr("wants_active", m.WantsActive()).
		Link("/modules/" + strconv.FormatInt(m.ID(), 10))

	if rev := m.Revision(); rev != nil {
		provides := make([]string, 0, len(rev.Provides()))
		for _, t := range rev.Provides() {
			provides = append(provides, string(t))
		}
		b.Attr("version", rev.Version()).
			Attr("revision", rev.ID()).
			Attr("digest", rev.Digest()).
			Attr("provides", provides)
	}
	if unsat := m.Unsatisfied(); len(unsat) > 0 {
		reqs := make([]string, len(unsat))
		for i, req := range unsat {
			reqs[i] = req.String()
		}
		b.Attr("unsatisfied", reqs)
	}
	err := m.LastError()
	b.AttrIf(err != nil, "last_error", errString(err))
	return b.Build()
}

// -----------------------------------------------------------------------------
// Capabilities & endpoints
// -----------------------------------------------------------------------------

// ListCapabilities lists registrations in rank order. ?type= narrows to one type and
// ?filter= applies a property filter expression.
func (h *Handler) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := capability.Wildcard
	if t := q.Get("type"); t != "" {
		typ = capability.Type(t)
	}
	f, err := h.rt.Filters().Compile(q.Get("filter"))
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("filter", err.Error()))
		return
	}
	regs, err := h.rt.Capabilities().FindAll(typ, f)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	page, perPage := jsonapi.ParsePaginationParams(q, defaultPageSize)
	p := jsonapi.NewPagination(len(regs), page, perPage, r.URL.Path)
	var out []jsonapi.Resource
	for _, reg := range jsonapi.Page(regs, p) {
		out = append(out, jsonapi.NewResource("capabilities", strconv.FormatUint(reg.ID(), 10)).
			Attr("type", string(reg.Type())).
			Attr("rank", reg.Rank()).
			Attr("owner", ownerName(reg.Owner())).
			Attr("properties", reg.Properties()).
			BelongsTo("module", "modules", ownerModuleID(reg.Owner())).
			Build())
	}
	jsonapi.WriteCollection(w, out, p)
}

// ListEndpoints lists registered endpoints.
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	regs, err := h.rt.Endpoints().All()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	out := make([]jsonapi.Resource, 0, len(regs))
	for _, reg := range regs {
		out = append(out, endpointResource(reg))
	}
	jsonapi.WriteCollection(w, out, nil)
}

func endpointResource(reg *endpoint.Registration) jsonapi.Resource {
	ep := reg.Endpoint()
	params := make([]map[string]string, 0, len(ep.Parameters()))
	for _, p := range ep.Parameters() {
		params = append(params, map[string]string{"name": p.Name, "type": p.Type.String()})
	}
	return jsonapi.NewResource("endpoints", strconv.FormatUint(reg.ID(), 10)).
		Attr("marker", typeName(reg.MarkerType())).
		Attr("declaring_type", ep.DeclaringType()).
		Attr("name", ep.Name()).
		Attr("method", ep.IsMethod()).
		Attr("parameters", params).
		Attr("rank", reg.Rank()).
		Attr("owner", ownerName(reg.Owner())).
		BelongsTo("module", "modules", ownerModuleID(reg.Owner())).
		Build()
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// ListJournal returns recent lifecycle entries, or one module's history with ?module=.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("journal_disabled", "The lifecycle journal is not enabled"))
		return
	}
	q := r.URL.Query()

	var (
		entries []ports.JournalEntry
		err     error
	)
	if raw := q.Get("module"); raw != "" {
		id, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			jsonapi.WriteError(w, jsonapi.ErrBadRequest("module", "module must be an integer"))
			return
		}
		entries, err = h.journal.ForModule(r.Context(), id)
	} else {
		limit := 100
		if n, perr := strconv.Atoi(q.Get("limit")); perr == nil && n > 0 {
			limit = min(n, 1000)
		}
		entries, err = h.journal.Recent(r.Context(), limit)
	}
	if err != nil {
		h.writeErr(w, err)
		return
	}

	out := make([]jsonapi.Resource, 0, len(entries))
	for _, e := range entries {
		out = append(out, jsonapi.NewResource("journal", e.ID).
			Attr("event", e.Event).
			Attr("module", e.Module).
			Attr("revision", e.Revision).
			Attr("from_state", e.FromState).
			Attr("to_state", e.ToState).
			AttrIf(e.Error != "", "error", e.Error).
			AttrIf(e.Detail != "", "detail", e.Detail).
			Attr("created_at", e.CreatedAt.Format(time.RFC3339Nano)).
			BelongsTo("module", "modules", strconv.FormatInt(e.ModuleID, 10)).
			Build())
	}
	jsonapi.WriteCollection(w, out, nil)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	var dep *module.DependencyError
	switch {
	case errors.As(err, &dep):
		reqs := make([]string, len(dep.Unsatisfied))
		for i, req := range dep.Unsatisfied {
			reqs[i] = req.String()
		}
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusConflict, "dependency_unsatisfied", "Conflict").
			Detail(err.Error()).Meta("unsatisfied", reqs).Build())
	case errors.Is(err, module.ErrModuleNotFound):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "not_found", "Not Found").Detail(err.Error()).Build())
	case errors.Is(err, module.ErrIllegalState):
		jsonapi.WriteError(w, jsonapi.ErrConflict("illegal_state", err.Error()))
	case errors.Is(err, module.ErrArtifactInvalid):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusUnprocessableEntity, "artifact_invalid", "Unprocessable Entity").Detail(err.Error()).Build())
	case errors.Is(err, syncx.ErrLockTimeout):
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("lock_timeout", err.Error()))
	default:
		h.logger.Error().Err(err).Msg("admin request failed")
		jsonapi.WriteError(w, jsonapi.ErrInternal(err.Error()))
	}
}

func ownerName(o capability.Owner) string {
	if o == nil {
		return "process"
	}
	return o.OwnerName()
}

func ownerModuleID(o capability.Owner) string {
	if rev, ok := o.(*module.Revision); ok {
		return strconv.FormatInt(rev.Module().ID(), 10)
	}
	return ""
}

func typeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
