package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"intelvault/core"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// feedSpec is the YAML form of a feed used by import and export.
type feedSpec struct {
	Tenant          string           `yaml:"tenant"`
	Name            string           `yaml:"name"`
	Description     string           `yaml:"description,omitempty"`
	Type            core.FeedType    `yaml:"type,omitempty"`
	Format          core.FeedFormat  `yaml:"format,omitempty"`
	SourceURL       string           `yaml:"source_url"`
	Enabled         *bool            `yaml:"enabled,omitempty"`
	PollingInterval time.Duration    `yaml:"polling_interval,omitempty"`
	AuthType        core.AuthType    `yaml:"auth_type,omitempty"`
	CredentialRef   string           `yaml:"credential_ref,omitempty"`
	ProcessingRules []processingRule `yaml:"processing_rules,omitempty"`
	Quality         float64          `yaml:"quality,omitempty"`
	Reliability     float64          `yaml:"reliability,omitempty"`
	Tags            []string         `yaml:"tags,omitempty"`
}

type processingRule struct {
	Field   string          `yaml:"field"`
	Pattern string          `yaml:"pattern"`
	Action  core.RuleAction `yaml:"action"`
	Value   string          `yaml:"value,omitempty"`
}

type feedsFile struct {
	Feeds []feedSpec `yaml:"feeds"`
}

func (s feedSpec) toFeed() *core.IntelligenceFeed {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	feed := &core.IntelligenceFeed{
		Name:            s.Name,
		Description:     s.Description,
		Type:            s.Type,
		Format:          s.Format,
		SourceURL:       s.SourceURL,
		Enabled:         enabled,
		PollingInterval: s.PollingInterval,
		Authentication:  core.Authentication{Type: s.AuthType, CredentialRef: s.CredentialRef},
		Quality:         s.Quality,
		Reliability:     s.Reliability,
		Tags:            s.Tags,
	}
	for _, r := range s.ProcessingRules {
		feed.ProcessingRules = append(feed.ProcessingRules, core.ProcessingRule{
			Field: r.Field, Pattern: r.Pattern, Action: r.Action, Value: r.Value,
		})
	}
	return feed
}

func specFromFeed(f *core.IntelligenceFeed) feedSpec {
	enabled := f.Enabled
	s := feedSpec{
		Tenant:          f.TenantID,
		Name:            f.Name,
		Description:     f.Description,
		Type:            f.Type,
		Format:          f.Format,
		SourceURL:       f.SourceURL,
		Enabled:         &enabled,
		PollingInterval: f.PollingInterval,
		AuthType:        f.Authentication.Type,
		CredentialRef:   f.Authentication.CredentialRef,
		Quality:         f.Quality,
		Reliability:     f.Reliability,
		Tags:            f.Tags,
	}
	for _, r := range f.ProcessingRules {
		s.ProcessingRules = append(s.ProcessingRules, processingRule{
			Field: r.Field, Pattern: r.Pattern, Action: r.Action, Value: r.Value,
		})
	}
	return s
}

func newFeedsCmd() *cobra.Command {
	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage intelligence feeds",
		Long: `Manage intelligence feeds including creation, synchronization, and import/export.

Feeds are polled on their interval by the server's scheduler. "feeds sync"
polls a feed once from the command line.`,
	}

	feedsCmd.AddCommand(newFeedsListCmd())
	feedsCmd.AddCommand(newFeedsShowCmd())
	feedsCmd.AddCommand(newFeedsAddCmd())
	feedsCmd.AddCommand(newFeedsToggleCmd("enable", "Enable a feed", true))
	feedsCmd.AddCommand(newFeedsToggleCmd("disable", "Disable a feed", false))
	feedsCmd.AddCommand(newFeedsDeleteCmd())
	feedsCmd.AddCommand(newFeedsSyncCmd())
	feedsCmd.AddCommand(newFeedsImportCmd())
	feedsCmd.AddCommand(newFeedsExportCmd())
	return feedsCmd
}

// listFeeds returns every feed, or one tenant's feeds, sorted by tenant and name.
func listFeeds(ctx context.Context, all func(context.Context) ([]*core.IntelligenceFeed, error), tenant string) ([]*core.IntelligenceFeed, error) {
	feedsList, err := all(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	var out []*core.IntelligenceFeed
	for _, f := range feedsList {
		if tenant == "" || f.TenantID == tenant {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func newFeedsListCmd() *cobra.Command {
	var (
		tenant       string
		showDisabled bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			feedsList, err := listFeeds(ctx, app.Service.AllFeeds, tenant)
			if err != nil {
				return err
			}
			if !showDisabled {
				filtered := feedsList[:0]
				for _, f := range feedsList {
					if f.Enabled {
						filtered = append(filtered, f)
					}
				}
				feedsList = filtered
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), feedsList)
			}
			renderFeedsTable(cmd.OutOrStdout(), feedsList)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Only list this tenant's feeds")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "Show disabled feeds")
	return cmd
}

func newFeedsShowCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "show <feed-id>",
		Short: "Show detailed feed information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			feed, err := app.Service.GetFeed(ctx, tenant, args[0])
			if err != nil {
				return fmt.Errorf("failed to get feed: %w", err)
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), feed)
			}
			renderFeedDetails(cmd.OutOrStdout(), feed)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the feed")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newFeedsAddCmd() *cobra.Command {
	var (
		spec     feedSpec
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a new feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			enabled := !disabled
			spec.Enabled = &enabled
			feed, err := app.Service.CreateFeed(ctx, spec.Tenant, spec.toFeed())
			if err != nil {
				return fmt.Errorf("failed to create feed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), feed)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Feed created successfully: %s (ID: %s)\n", feed.Name, feed.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&spec.Tenant, "tenant", "", "Tenant that owns the feed")
	cmd.Flags().StringVar(&spec.Name, "name", "", "Feed name")
	cmd.Flags().StringVar(&spec.Description, "description", "", "Feed description")
	cmd.Flags().StringVar((*string)(&spec.Type), "type", string(core.FeedCommunity), "Feed type (commercial, open_source, government, community, internal)")
	cmd.Flags().StringVar((*string)(&spec.Format), "format", string(core.FormatJSON), "Feed format (json, csv, txt)")
	cmd.Flags().StringVar(&spec.SourceURL, "url", "", "Feed source URL")
	cmd.Flags().DurationVar(&spec.PollingInterval, "interval", core.DefaultPollingInterval, "Polling interval")
	cmd.Flags().StringVar((*string)(&spec.AuthType), "auth", string(core.AuthNone), "Authentication type (none, api_key, basic, oauth2)")
	cmd.Flags().StringVar(&spec.CredentialRef, "credential-ref", "", "Credential reference resolved from the environment")
	cmd.Flags().Float64Var(&spec.Quality, "quality", 0.5, "Feed quality score (0-1)")
	cmd.Flags().Float64Var(&spec.Reliability, "reliability", 0.5, "Feed reliability score (0-1)")
	cmd.Flags().StringSliceVar(&spec.Tags, "tag", nil, "Tag to attach (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the feed disabled")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func newFeedsToggleCmd(verb, short string, enabled bool) *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   verb + " <feed-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			feed, err := app.Service.UpdateFeed(ctx, tenant, args[0], core.IntelligenceFeedPatch{Enabled: &enabled})
			if err != nil {
				return fmt.Errorf("failed to %s feed: %w", verb, err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Feed %sd: %s\n", verb, feed.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the feed")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newFeedsDeleteCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:     "delete <feed-id>",
		Aliases: []string{"rm", "remove"},
		Short:   "Delete a feed",
		Long:    "Delete a feed. Indicators already ingested from it are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := app.Service.DeleteFeed(ctx, tenant, args[0])
			if err != nil {
				return fmt.Errorf("failed to delete feed: %w", err)
			}
			if !deleted {
				return &core.NotFoundError{Kind: core.KindFeed, ID: args[0]}
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Feed deleted: %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the feed")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newFeedsSyncCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "sync <feed-id>",
		Short: "Poll a feed once and ingest its indicators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			feed, err := app.Service.GetFeed(ctx, tenant, args[0])
			if err != nil {
				return fmt.Errorf("failed to get feed: %w", err)
			}
			syncer, err := syncerFor(app)
			if err != nil {
				return err
			}

			if !quiet && !outputJSON {
				infoColor.Fprintf(cmd.OutOrStdout(), "Syncing feed: %s\n", feed.Name)
			}
			res, err := syncer.SyncNow(ctx, tenant, feed.ID)
			if err != nil {
				return fmt.Errorf("failed to sync feed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), res)
			}
			renderIngestResult(cmd.OutOrStdout(), feed.Name, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant that owns the feed")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newFeedsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import feeds from a YAML file",
		Long:  "Create every feed listed under 'feeds:' in a YAML file. Each entry names its tenant.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readImportFile(args[0])
			if err != nil {
				return err
			}
			var file feedsFile
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
			imported, failed := 0, 0
			for _, spec := range file.Feeds {
				if _, err := app.Service.CreateFeed(ctx, spec.Tenant, spec.toFeed()); err != nil {
					errorColor.Fprintf(out, "✗ Failed to import feed %s: %v\n", spec.Name, err)
					failed++
					continue
				}
				if !quiet {
					successColor.Fprintf(out, "✓ Imported feed: %s\n", spec.Name)
				}
				imported++
			}

			if !quiet {
				fmt.Fprintf(out, "\nImported %d feeds, %d failed\n", imported, failed)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d feeds failed to import", failed, len(file.Feeds))
			}
			return nil
		},
	}
}

func newFeedsExportCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Export feeds to a YAML file",
		Long:  "Export feeds in the import format. If no file is specified, output to stdout.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, cleanup, err := initApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			feedsList, err := listFeeds(ctx, app.Service.AllFeeds, tenant)
			if err != nil {
				return err
			}
			file := feedsFile{Feeds: make([]feedSpec, 0, len(feedsList))}
			for _, f := range feedsList {
				file.Feeds = append(file.Feeds, specFromFeed(f))
			}
			data, err := yaml.Marshal(file)
			if err != nil {
				return fmt.Errorf("failed to marshal YAML: %w", err)
			}

			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := validateFilePath(args[0]); err != nil {
				return fmt.Errorf("invalid file path: %w", err)
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Exported %d feeds to %s\n", len(feedsList), args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Only export this tenant's feeds")
	return cmd
}
