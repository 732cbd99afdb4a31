package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"quorumchain/pkg/auth"
	"quorumchain/pkg/blockstore"
	"quorumchain/pkg/ledger"
	"quorumchain/pkg/metrics"
	"quorumchain/pkg/recovery"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// nodeStatus is everything the status command collects from a running
// node.
type nodeStatus struct {
	Address string
	Health  healthSummary
	Blocks  []blockstore.Status
	Ledger  ledgerSummary
	Backups recovery.Status
}

type healthSummary struct {
	Status      string                             `json:"status"`
	HealthScore float64                            `json:"health_score"`
	Components  map[string]metrics.ComponentHealth `json:"components"`
}

type ledgerSummary struct {
	ledger.Report
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

func statusCmd() *cobra.Command {
	var (
		address string
		timeout time.Duration
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address == "" {
				address = cfg.Server.HTTPAddress
			}

			client, scheme, err := apiClient(cfg.Server.TLS, timeout)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, err := fetchStatus(ctx, client, scheme+"://"+address)
			if err != nil {
				return err
			}
			st.Address = address

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "node API address (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw status as JSON")
	return cmd
}

func apiClient(cfg auth.Config, timeout time.Duration) (*http.Client, string, error) {
	builder, err := auth.NewTLSConfigBuilder(cfg)
	if err != nil {
		return nil, "", err
	}
	tlsConfig, err := builder.BuildClientConfig()
	if err != nil {
		return nil, "", err
	}
	if tlsConfig == nil {
		return &http.Client{Timeout: timeout}, "http", nil
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}, "https", nil
}

func fetchStatus(ctx context.Context, client *http.Client, base string) (*nodeStatus, error) {
	st := &nodeStatus{}
	requests := []struct {
		path      string
		into      any
		anyStatus bool
	}{
		// /health answers 503 with a body when unhealthy
		{"/health", &st.Health, true},
		{"/blocks", &st.Blocks, false},
		{"/ledger/verify", &st.Ledger, false},
		{"/backups/status", &st.Backups, false},
	}
	for _, r := range requests {
		if err := getJSON(ctx, client, base+r.path, r.into, r.anyStatus); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, into any, anyStatus bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && !anyStatus {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("GET %s: %s %s", url, resp.Status, body.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("GET %s: invalid response: %w", url, err)
	}
	return nil
}

func renderStatus(st *nodeStatus) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		renderOverview(st),
		renderBlocks(st.Blocks),
		renderComponents(st.Health.Components),
	)
}

func createPanel(title, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func renderOverview(st *nodeStatus) string {
	ledgerValue := fmt.Sprintf("valid, %d blocks", st.Ledger.Height)
	ledgerStyle := valueStyle.Foreground(accentColor)
	if st.Ledger.Halted || !st.Ledger.Valid {
		ledgerValue = "HALTED: " + firstNonEmpty(st.Ledger.HaltReason, st.Ledger.Reason)
		ledgerStyle = valueStyle.Foreground(dangerColor)
	}

	backupStyle := valueStyle
	if st.Backups.Failed > 0 {
		backupStyle = valueStyle.Foreground(dangerColor)
	}

	rows := []struct {
		label string
		value string
		style lipgloss.Style
	}{
		{"Node API", st.Address, valueStyle},
		{"Health", fmt.Sprintf("%s (%.0f)", st.Health.Status, st.Health.HealthScore), healthStyle(st.Health.HealthScore)},
		{"Ledger", ledgerValue, ledgerStyle},
		{"Backup entries", fmt.Sprintf("%d", st.Backups.TotalBackupEntries), valueStyle},
		{"Emergency backups", fmt.Sprintf("%d", st.Backups.EmergencyBackups), valueStyle},
		{"Pending / failed", fmt.Sprintf("%d / %d", st.Backups.Pending, st.Backups.Failed), backupStyle},
		{"Known nodes", fmt.Sprintf("%d", st.Backups.KnownNodes), valueStyle},
	}

	var content strings.Builder
	for _, r := range rows {
		content.WriteString(labelStyle.Render(r.label+":") + " " + r.style.Render(r.value) + "\n")
	}
	return createPanel("NODE OVERVIEW", strings.TrimSpace(content.String()), 64)
}

func renderBlocks(blocks []blockstore.Status) string {
	if len(blocks) == 0 {
		return createPanel("BLOCKS", mutedStyle.Render("No blocks initialized"), 0)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})
	t.Headers("BLOCK", "PURPOSE", "GEN", "ENTRIES", "FILL")

	for _, b := range blocks {
		fill := float64(b.Entries) * 100 / float64(max(b.MaxSize, 1))
		t.Row(
			b.Name,
			b.Purpose,
			fmt.Sprintf("%d", b.Generation),
			fmt.Sprintf("%d/%d", b.Entries, b.MaxSize),
			progressBar(fill, 15),
		)
	}
	return createPanel("BLOCKS", t.Render(), 0)
}

func renderComponents(components map[string]metrics.ComponentHealth) string {
	if len(components) == 0 {
		return ""
	}
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	var content strings.Builder
	for _, name := range names {
		c := components[name]
		state := lipgloss.NewStyle().Foreground(accentColor).Render("● ok")
		if !c.Healthy {
			state = lipgloss.NewStyle().Foreground(dangerColor).Render("● failing")
		}
		line := labelStyle.Render(name+":") + " " + state
		if c.Detail != "" {
			line += " " + mutedStyle.Render(c.Detail)
		}
		content.WriteString(line + "\n")
	}
	return createPanel("COMPONENTS", strings.TrimSpace(content.String()), 64)
}

func progressBar(percent float64, width int) string {
	percent = min(max(percent, 0), 100)
	filled := int(float64(width) * percent / 100)

	color := accentColor
	if percent >= 90 {
		color = dangerColor
	} else if percent >= 70 {
		color = warningColor
	}
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(bgLightColor).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, percent)
}

func healthStyle(score float64) lipgloss.Style {
	switch {
	case score >= 80:
		return valueStyle.Foreground(accentColor)
	case score >= 50:
		return valueStyle.Foreground(warningColor)
	default:
		return valueStyle.Foreground(dangerColor)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
