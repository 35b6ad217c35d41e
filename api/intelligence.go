package api

import (
	"errors"
	"net/http"
	"time"

	"intelvault/core"
	"intelvault/jobs"
	"intelvault/service"

	"github.com/gorilla/mux"
)

var errNoScheduler = errors.New("feed scheduler is not running")

type analyticsRequest struct {
	From  time.Time `json:"from" validate:"required"`
	To    time.Time `json:"to" validate:"required,gtfield=From"`
	Types []string  `json:"types" validate:"required,min=1,dive,required"`
}

type exportRequest struct {
	Kinds  []string     `json:"kinds" validate:"required,min=1,dive,oneof=indicator threat_actor campaign feed report"`
	Format string       `json:"format" validate:"required,oneof=json yaml csv"`
	Filter *core.Filter `json:"filter,omitempty"`
}

type ingestRequest struct {
	Indicators []*core.Indicator `json:"indicators" validate:"required,min=1,max=10000,dive,required"`
}

func (a *API) correlate(w http.ResponseWriter, r *http.Request) {
	hits, err := a.svc.Correlate(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(hits), http.StatusOK)
}

func (a *API) summary(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.GenerateIntelligenceSummary(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(s), http.StatusOK)
}

func (a *API) landscape(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.GenerateThreatLandscape(r.Context(), tenantOf(r))
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(l), http.StatusOK)
}

func (a *API) runAnalytics(w http.ResponseWriter, r *http.Request) {
	var req analyticsRequest
	if err := decodeJSONBody(w, r, &req, maxBodyBytes); err != nil {
		writeError(w, err, a.logger)
		return
	}
	if err := a.validateStruct(req); err != nil {
		writeError(w, err, a.logger)
		return
	}
	report, err := a.svc.RunAnalytics(r.Context(), service.AnalyticsRequest{
		TenantID: tenantOf(r),
		From:     req.From,
		To:       req.To,
		Types:    req.Types,
	})
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(report), http.StatusOK)
}

func (a *API) usage(w http.ResponseWriter, r *http.Request) {
	u, err := a.svc.GetUsage(tenantOf(r))
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(u), http.StatusOK)
}

func (a *API) features(w http.ResponseWriter, r *http.Request) {
	f, err := a.svc.TenantFeatures(tenantOf(r))
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(f), http.StatusOK)
}

func (a *API) requestExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSONBody(w, r, &req, maxBodyBytes); err != nil {
		writeError(w, err, a.logger)
		return
	}
	if err := a.validateStruct(req); err != nil {
		writeError(w, err, a.logger)
		return
	}
	kinds := make([]core.Kind, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = core.Kind(k)
	}
	job, err := a.svc.RequestExport(r.Context(), tenantOf(r), service.ExportRequest{
		Kinds:  kinds,
		Format: req.Format,
		Filter: req.Filter,
	})
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(job), http.StatusAccepted)
}

func (a *API) requestEnrichment(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.RequestEnrichment(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(job), http.StatusAccepted)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	list := a.svc.ListJobs(tenantOf(r))
	if list == nil {
		list = []*jobs.Job{}
	}
	respondJSON(w, core.OK(list), http.StatusOK)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.svc.GetJob(tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(job), http.StatusOK)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	tenant, id := tenantOf(r), mux.Vars(r)["id"]
	if err := a.svc.CancelJob(tenant, id); err != nil {
		writeError(w, err, a.logger)
		return
	}
	job, err := a.svc.GetJob(tenant, id)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(job), http.StatusOK)
}

func (a *API) ingestFeed(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSONBody(w, r, &req, maxIngestBodyBytes); err != nil {
		writeError(w, err, a.logger)
		return
	}
	if err := a.validateStruct(req); err != nil {
		writeError(w, err, a.logger)
		return
	}
	res, err := a.svc.IngestFeedIndicators(r.Context(), tenantOf(r), mux.Vars(r)["id"], req.Indicators)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(res), http.StatusOK)
}

func (a *API) syncFeed(w http.ResponseWriter, r *http.Request) {
	if a.scheduler == nil {
		writeError(w, errNoScheduler, a.logger)
		return
	}
	res, err := a.scheduler.SyncNow(r.Context(), tenantOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	respondJSON(w, core.OK(res), http.StatusOK)
}

func (a *API) feedSchedule(w http.ResponseWriter, r *http.Request) {
	tenant, id := tenantOf(r), mux.Vars(r)["id"]
	feed, err := a.svc.GetFeed(r.Context(), tenant, id)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	schedule := map[string]any{
		"feed_id":      feed.ID,
		"enabled":      feed.Enabled,
		"interval":     feed.PollingInterval.String(),
		"last_updated": feed.LastUpdated,
	}
	if a.scheduler != nil {
		if next, ok := a.scheduler.NextSyncTime(tenant, id); ok {
			schedule["next_sync"] = next
		}
	}
	respondJSON(w, core.OK(schedule), http.StatusOK)
}

func (a *API) rescheduleFeed(feed *core.IntelligenceFeed) {
	if a.scheduler == nil {
		return
	}
	if err := a.scheduler.RefreshFeed(feed); err != nil {
		a.logger.Warnw("Failed to reschedule feed", "tenant", feed.TenantID, "feed", feed.ID, "error", err)
	}
}

func (a *API) unscheduleFeed(tenantID, feedID string) {
	if a.scheduler != nil {
		a.scheduler.RemoveFeed(tenantID, feedID)
	}
}
