package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/jobs"
	"intelvault/store"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ExportResult describes a finished export.
type ExportResult struct {
	JobID  string            `json:"job_id"`
	Format string            `json:"format"`
	Counts map[core.Kind]int `json:"counts"`
	Bytes  int               `json:"bytes"`
	Path   string            `json:"path,omitempty"`
	Data   []byte            `json:"-"`
}

// SnapshotExporter serializes a tenant's current records. With a directory
// configured the output is written to <dir>/<job id>.<format>; otherwise it is
// kept in the result.
type SnapshotExporter struct {
	stores *store.Stores
	dir    string
	logger *zap.SugaredLogger
}

// NewSnapshotExporter creates an exporter over stores.
func NewSnapshotExporter(stores *store.Stores, dir string, logger *zap.SugaredLogger) *SnapshotExporter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SnapshotExporter{stores: stores, dir: dir, logger: logger}
}

type exportRow struct {
	Kind    core.Kind
	ID      string
	Name    string
	Created time.Time
	Updated time.Time
	Tags    []string
	Record  any
}

// Export implements Exporter.
func (e *SnapshotExporter) Export(ctx context.Context, scope ExportScope, progress jobs.ProgressFunc) (any, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	var rows []exportRow
	counts := make(map[core.Kind]int, len(scope.Kinds))
	for i, kind := range scope.Kinds {
		kindRows, err := e.collect(ctx, scope.TenantID, kind, scope.Filter)
		if err != nil {
			return nil, err
		}
		counts[kind] = len(kindRows)
		rows = append(rows, kindRows...)
		progress(float64(i+1) / float64(len(scope.Kinds)) * 80)
	}

	data, err := encodeRows(scope.Format, rows)
	if err != nil {
		return nil, err
	}
	result := &ExportResult{JobID: scope.JobID, Format: scope.Format, Counts: counts, Bytes: len(data)}

	if e.dir == "" {
		result.Data = data
		return result, nil
	}
	if err := os.MkdirAll(e.dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	result.Path = filepath.Join(e.dir, scope.JobID+"."+scope.Format)
	if err := os.WriteFile(result.Path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	e.logger.Infow("Export written", "job", scope.JobID, "tenant", scope.TenantID, "path", result.Path, "bytes", len(data))
	return result, nil
}

func (e *SnapshotExporter) collect(ctx context.Context, tenantID string, kind core.Kind, filter *core.Filter) ([]exportRow, error) {
	switch kind {
	case core.KindIndicator:
		return collectPages(ctx, e.stores.Indicators, tenantID, filter, func(i *core.Indicator) exportRow {
			return exportRow{Name: i.Value, Tags: i.Tags, Record: i}
		})
	case core.KindThreatActor:
		return collectPages(ctx, e.stores.Actors, tenantID, filter, func(a *core.ThreatActor) exportRow {
			return exportRow{Name: a.Name, Tags: a.Tags, Record: a}
		})
	case core.KindCampaign:
		return collectPages(ctx, e.stores.Campaigns, tenantID, filter, func(c *core.ThreatCampaign) exportRow {
			return exportRow{Name: c.Name, Tags: c.Tags, Record: c}
		})
	case core.KindFeed:
		return collectPages(ctx, e.stores.Feeds, tenantID, filter, func(f *core.IntelligenceFeed) exportRow {
			return exportRow{Name: f.Name, Tags: f.Tags, Record: f}
		})
	case core.KindReport:
		return collectPages(ctx, e.stores.Reports, tenantID, filter, func(r *core.Report) exportRow {
			return exportRow{Name: r.Title, Tags: r.Tags, Record: r}
		})
	default:
		return nil, core.NewValidationError("kinds", fmt.Sprintf("unknown kind %q", kind))
	}
}

func collectPages[T core.Record[T]](ctx context.Context, st *store.EntityStore[T], tenantID string, filter *core.Filter, row func(T) exportRow) ([]exportRow, error) {
	var out []exportRow
	page := core.Pagination{Limit: core.MaxPageSize}
	for {
		res, err := st.List(ctx, tenantID, filter, page)
		if err != nil {
			return nil, err
		}
		for _, rec := range res.Items {
			r := row(rec)
			meta := rec.Meta()
			r.Kind, r.ID, r.Created, r.Updated = rec.Kind(), meta.ID, meta.CreatedAt, meta.UpdatedAt
			out = append(out, r)
		}
		page.Offset += len(res.Items)
		if len(res.Items) == 0 || page.Offset >= res.Total {
			return out, nil
		}
	}
}

func encodeRows(format string, rows []exportRow) ([]byte, error) {
	records := make([]any, len(rows))
	for i, r := range rows {
		records[i] = r.Record
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(records, "", "  ")
	case FormatYAML:
		// go through JSON so YAML keys match the API field names
		raw, err := json.Marshal(records)
		if err != nil {
			return nil, err
		}
		var generic []any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return yaml.Marshal(generic)
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"kind", "id", "name", "created_at", "updated_at", "tags"})
		for _, r := range rows {
			_ = w.Write([]string{
				string(r.Kind), r.ID, r.Name,
				r.Created.Format(time.RFC3339), r.Updated.Format(time.RFC3339),
				strings.Join(r.Tags, ";"),
			})
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, core.NewValidationError("format", fmt.Sprintf("unsupported format %q", format))
	}
}
