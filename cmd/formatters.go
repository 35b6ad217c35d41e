package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"intelvault/core"
	"intelvault/service"

	"github.com/fatih/color"
)

// renderFeedsTable displays feeds in a formatted table
func renderFeedsTable(w io.Writer, feedsList []*core.IntelligenceFeed) {
	if len(feedsList) == 0 {
		warningColor.Fprintln(w, "No feeds configured")
		return
	}

	headerColor.Fprintln(w, "FEEDS")
	headerColor.Fprintln(w, strings.Repeat("=", 120))
	fmt.Fprintf(w, "%-36s %-12s %-25s %-12s %-6s %-8s %-8s %-15s\n",
		"ID", "Tenant", "Name", "Type", "Format", "Enabled", "Interval", "Last Updated")
	fmt.Fprintln(w, strings.Repeat("-", 120))

	for _, feed := range feedsList {
		lastUpdated := "Never"
		if feed.LastUpdated != nil {
			lastUpdated = formatTimeSince(*feed.LastUpdated)
		}
		// pad before coloring so escape codes don't break alignment
		fmt.Fprintf(w, "%-36s %-12s %-25s %-12s %-6s %s %-8s %-15s\n",
			feed.ID,
			truncate(feed.TenantID, 12),
			truncate(feed.Name, 25),
			feed.Type,
			feed.Format,
			formatBool(feed.Enabled)+strings.Repeat(" ", 8-len(plainBool(feed.Enabled))),
			feed.PollingInterval,
			lastUpdated,
		)
	}

	fmt.Fprintln(w, strings.Repeat("-", 120))
	fmt.Fprintf(w, "Total: %d feeds\n", len(feedsList))
}

// renderFeedDetails displays detailed information about a feed
func renderFeedDetails(w io.Writer, feed *core.IntelligenceFeed) {
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	headerColor.Fprintf(w, "  Feed Details: %s\n", feed.Name)
	headerColor.Fprintln(w, strings.Repeat("═", 63))
	fmt.Fprintln(w)

	printSection(w, "Basic Information")
	printField(w, "ID", feed.ID)
	printField(w, "Tenant", feed.TenantID)
	printField(w, "Name", feed.Name)
	printField(w, "Description", feed.Description)
	printField(w, "Type", string(feed.Type))
	printField(w, "Enabled", formatBool(feed.Enabled))
	printField(w, "Quality", fmt.Sprintf("%.2f", feed.Quality))
	printField(w, "Reliability", fmt.Sprintf("%.2f", feed.Reliability))
	if len(feed.Tags) > 0 {
		printField(w, "Tags", strings.Join(feed.Tags, ", "))
	}
	fmt.Fprintln(w)

	printSection(w, "Source")
	printField(w, "URL", feed.SourceURL)
	printField(w, "Format", string(feed.Format))
	printField(w, "Authentication", string(feed.Authentication.Type))
	if feed.Authentication.CredentialRef != "" {
		printField(w, "Credential Ref", feed.Authentication.CredentialRef)
	}
	printField(w, "Polling Interval", feed.PollingInterval.String())
	fmt.Fprintln(w)

	if len(feed.ProcessingRules) > 0 {
		printSection(w, "Processing Rules")
		for i, rule := range feed.ProcessingRules {
			desc := fmt.Sprintf("%s %s =~ %s", rule.Action, rule.Field, rule.Pattern)
			if rule.Value != "" {
				desc += " -> " + rule.Value
			}
			printField(w, fmt.Sprintf("#%d", i+1), desc)
		}
		fmt.Fprintln(w)
	}

	printSection(w, "Timestamps")
	if feed.LastUpdated != nil {
		printField(w, "Last Updated", formatTime(*feed.LastUpdated))
	} else {
		printField(w, "Last Updated", "Never")
	}
	printField(w, "Created At", formatTime(feed.CreatedAt))
	printField(w, "Updated At", formatTime(feed.UpdatedAt))
	fmt.Fprintln(w)
}

// renderIngestResult displays the outcome of a feed sync
func renderIngestResult(w io.Writer, feedName string, res *service.IngestResult) {
	successColor.Fprintf(w, "✓ Sync completed: %s\n", feedName)
	printField(w, "Received", fmt.Sprintf("%d", res.Received))
	printField(w, "Created", fmt.Sprintf("%d", res.Created))
	printField(w, "Updated", fmt.Sprintf("%d", res.Updated))
	printField(w, "Filtered", fmt.Sprintf("%d", res.Filtered))
	printField(w, "Rejected", fmt.Sprintf("%d", res.Rejected))
	if res.QuotaExceeded {
		warningColor.Fprintln(w, "  Quota reached; remaining indicators were not ingested")
	}
	if len(res.Errors) > 0 {
		printSection(w, "Errors")
		for _, e := range res.Errors {
			errorColor.Fprintf(w, "  ✗ %s\n", e)
		}
	}
}

// renderUsageTable displays usage against quota for each tenant
func renderUsageTable(w io.Writer, rows []tenantUsageRow) {
	if len(rows) == 0 {
		warningColor.Fprintln(w, "No tenants configured")
		return
	}

	for _, row := range rows {
		headerColor.Fprintf(w, "TENANT %s", row.Tenant.ID)
		if row.Tenant.Name != "" {
			headerColor.Fprintf(w, " (%s)", row.Tenant.Name)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %-22s %12s %12s %6s\n", "Resource", "Used", "Limit", "")
		fmt.Fprintln(w, "  "+strings.Repeat("-", 56))
		for _, r := range core.AllResources {
			used := usageOf(row.Usage, r)
			limit := row.Tenant.Quota.Limit(r)
			fmt.Fprintf(w, "  %-22s %12d %12s %s\n", r, used, formatLimit(limit), formatHeadroom(used, limit))
		}
		features := row.Tenant.Features
		fmt.Fprintf(w, "  Features: realtime=%s analytics=%s export=%s\n",
			formatBool(features.RealTimeUpdates),
			formatBool(features.AdvancedAnalytics),
			formatBool(features.DataExport))
		fmt.Fprintln(w)
	}
}

func usageOf(u core.TenantUsage, r core.Resource) int64 {
	switch r {
	case core.ResourceIndicators:
		return u.Indicators
	case core.ResourceThreatActors:
		return u.ThreatActors
	case core.ResourceCampaigns:
		return u.Campaigns
	case core.ResourceReports:
		return u.Reports
	case core.ResourceAPIRequests:
		return u.APIRequests
	case core.ResourceActiveUsers:
		return u.ActiveUsers
	case core.ResourceDataSize:
		return u.DataSize
	default:
		return 0
	}
}

func formatLimit(limit int64) string {
	if limit < 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

// formatHeadroom colors how close a counter is to its ceiling
func formatHeadroom(used, limit int64) string {
	switch {
	case limit < 0:
		return ""
	case limit == 0 || used >= limit:
		return color.New(color.FgRed).Sprint("FULL")
	case used*100 >= limit*80:
		return color.New(color.FgYellow).Sprintf("%d%%", used*100/limit)
	default:
		return color.New(color.FgGreen).Sprintf("%d%%", used*100/limit)
	}
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

// formatBool returns a colored boolean string
func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint(plainBool(b))
	}
	return color.New(color.FgRed).Sprint(plainBool(b))
}

func plainBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
