package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"intelvault/core"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile lists entities to create per tenant. Entries use the same field
// names as the REST API.
type seedFile struct {
	Tenants []tenantSeed `yaml:"tenants"`
}

type tenantSeed struct {
	Tenant       string           `yaml:"tenant"`
	ThreatActors []map[string]any `yaml:"threat_actors"`
	Campaigns    []map[string]any `yaml:"campaigns"`
	Indicators   []map[string]any `yaml:"indicators"`
	Reports      []map[string]any `yaml:"reports"`
}

type seedCounts struct {
	Created int `json:"created"`
	Failed  int `json:"failed"`
}

func newTenantsSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Create entities for configured tenants from a YAML file",
		Long: `Create threat actors, campaigns, indicators and reports listed per tenant
in a YAML file. Creation goes through the same validation and quota checks
as the API, so a seed never exceeds a tenant's quota.

Example:

  tenants:
    - tenant: acme
      indicators:
        - type: domain
          value: evil.example.com
          severity: high
          tags: [phishing]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readImportFile(args[0])
			if err != nil {
				return err
			}
			var file seedFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("failed to parse YAML: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			if outputJSON {
				out = io.Discard
			}
			svc := app.Service
			totals := make(map[core.Kind]*seedCounts)
			add := func(kind core.Kind, c seedCounts) {
				if totals[kind] == nil {
					totals[kind] = &seedCounts{}
				}
				totals[kind].Created += c.Created
				totals[kind].Failed += c.Failed
			}

			for _, ts := range file.Tenants {
				if !quiet {
					headerColor.Fprintf(out, "Seeding tenant %s\n", ts.Tenant)
				}
				add(core.KindThreatActor, seedKind(ctx, out, ts.Tenant, core.KindThreatActor, ts.ThreatActors, svc.CreateThreatActor))
				add(core.KindCampaign, seedKind(ctx, out, ts.Tenant, core.KindCampaign, ts.Campaigns, svc.CreateCampaign))
				add(core.KindIndicator, seedKind(ctx, out, ts.Tenant, core.KindIndicator, ts.Indicators, svc.CreateIndicator))
				add(core.KindReport, seedKind(ctx, out, ts.Tenant, core.KindReport, ts.Reports, svc.CreateReport))
			}

			failed := 0
			for _, c := range totals {
				failed += c.Failed
			}
			if outputJSON {
				if err := outputAsJSON(cmd.OutOrStdout(), totals); err != nil {
					return err
				}
			} else if !quiet {
				fmt.Fprintln(out)
				for _, kind := range []core.Kind{core.KindThreatActor, core.KindCampaign, core.KindIndicator, core.KindReport} {
					if c := totals[kind]; c != nil {
						fmt.Fprintf(out, "%-14s %d created, %d failed\n", kind, c.Created, c.Failed)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d entities failed to seed", failed)
			}
			return nil
		},
	}
}

// seedKind decodes each entry into T through its JSON form and creates it.
func seedKind[T any](ctx context.Context, out io.Writer, tenantID string, kind core.Kind, entries []map[string]any,
	create func(context.Context, string, *T) (*T, error)) seedCounts {
	var counts seedCounts
	for i, raw := range entries {
		entity, err := decodeSeedEntry[T](raw)
		if err == nil {
			_, err = create(ctx, tenantID, entity)
		}
		if err != nil {
			errorColor.Fprintf(out, "  ✗ %s #%d: %v\n", kind, i+1, err)
			counts.Failed++
			continue
		}
		counts.Created++
	}
	return counts
}

func decodeSeedEntry[T any](raw map[string]any) (*T, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, core.NewValidationError("entry", err.Error())
	}
	return &v, nil
}
