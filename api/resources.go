package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"intelvault/core"

	"github.com/gorilla/mux"
)

// resource binds one entity kind's service operations to REST routes.
type resource[T any, P any] struct {
	kind     core.Kind
	newValue func() T
	create   func(ctx context.Context, tenantID string, v T) (T, error)
	get      func(ctx context.Context, tenantID, id string) (T, error)
	update   func(ctx context.Context, tenantID, id string, patch P) (T, error)
	remove   func(ctx context.Context, tenantID, id string) (bool, error)
	list     func(ctx context.Context, tenantID string, filter *core.Filter, page core.Pagination) (core.Page[T], error)
	search   func(ctx context.Context, tenantID, text string, filter *core.Filter, page core.Pagination) (core.Page[T], error)

	afterWrite  func(v T)
	afterDelete func(tenantID, id string)
}

func mountResource[T any, P any](router *mux.Router, a *API, path string, res resource[T, P]) {
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		v := res.newValue()
		if err := decodeJSONBody(w, r, v, maxBodyBytes); err != nil {
			writeError(w, err, a.logger)
			return
		}
		created, err := res.create(r.Context(), tenantOf(r), v)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		if res.afterWrite != nil {
			res.afterWrite(created)
		}
		respondJSON(w, core.OK(created), http.StatusCreated)
	}).Methods("POST")

	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		filter, page, err := parseListQuery(r)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		result, err := res.list(r.Context(), tenantOf(r), filter, page)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		respondJSON(w, core.OK(result), http.StatusOK)
	}).Methods("GET")

	router.HandleFunc(path+"/search", func(w http.ResponseWriter, r *http.Request) {
		filter, page, err := parseListQuery(r)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		result, err := res.search(r.Context(), tenantOf(r), r.URL.Query().Get("q"), filter, page)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		respondJSON(w, core.OK(result), http.StatusOK)
	}).Methods("GET")

	router.HandleFunc(path+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		v, err := res.get(r.Context(), tenantOf(r), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		respondJSON(w, core.OK(v), http.StatusOK)
	}).Methods("GET")

	router.HandleFunc(path+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		var patch P
		if err := decodeJSONBody(w, r, &patch, maxBodyBytes); err != nil {
			writeError(w, err, a.logger)
			return
		}
		updated, err := res.update(r.Context(), tenantOf(r), mux.Vars(r)["id"], patch)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		if res.afterWrite != nil {
			res.afterWrite(updated)
		}
		respondJSON(w, core.OK(updated), http.StatusOK)
	}).Methods("PATCH")

	router.HandleFunc(path+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		tenant, id := tenantOf(r), mux.Vars(r)["id"]
		deleted, err := res.remove(r.Context(), tenant, id)
		if err != nil {
			writeError(w, err, a.logger)
			return
		}
		if !deleted {
			writeError(w, &core.NotFoundError{Kind: res.kind, ID: id}, a.logger)
			return
		}
		if res.afterDelete != nil {
			res.afterDelete(tenant, id)
		}
		respondJSON(w, core.OK(map[string]bool{"deleted": true}), http.StatusOK)
	}).Methods("DELETE")
}

// parseListQuery reads pagination and filter parameters. The filter is nil
// when no filter parameter is present.
func parseListQuery(r *http.Request) (*core.Filter, core.Pagination, error) {
	q := r.URL.Query()
	var page core.Pagination
	var err error
	if page.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return nil, page, err
	}
	if page.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return nil, page, err
	}

	f := &core.Filter{
		Sources:         listParam(q["source"]),
		Tags:            listParam(q["tag"]),
		MalwareFamilies: listParam(q["malware_family"]),
	}
	for _, t := range listParam(q["type"]) {
		f.Types = append(f.Types, core.IndicatorType(t))
	}
	for _, s := range listParam(q["severity"]) {
		f.Severities = append(f.Severities, core.Severity(strings.ToLower(s)))
	}
	if raw := q.Get("min_confidence"); raw != "" {
		f.MinConfidence, err = strconv.ParseFloat(raw, 64)
		if err != nil || f.MinConfidence < 0 || f.MinConfidence > 1 {
			return nil, page, core.NewValidationError("min_confidence", "must be a number between 0 and 1")
		}
	}
	if len(f.Types) == 0 && len(f.Severities) == 0 && f.MinConfidence == 0 &&
		len(f.Sources) == 0 && len(f.Tags) == 0 && len(f.MalwareFamilies) == 0 {
		return nil, page, nil
	}
	return f, page, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

// listParam accepts both repeated parameters and comma separated values.
func listParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
