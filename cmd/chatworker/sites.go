package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/chatrelay/chatworker/internal/config"
	"github.com/chatrelay/chatworker/internal/site"
	"github.com/chatrelay/chatworker/internal/site/copilot"
	"github.com/chatrelay/chatworker/internal/site/perplexity"
	"github.com/chatrelay/chatworker/internal/site/qwen"
	"github.com/chatrelay/chatworker/internal/stabilize"
	"github.com/chatrelay/chatworker/internal/tui/theme"
)

var siteProfiles = map[string]func() site.Profile{
	qwen.Name:       qwen.Profile,
	copilot.Name:    copilot.Profile,
	perplexity.Name: perplexity.Profile,
}

func siteNames() []string {
	names := make([]string, 0, len(siteProfiles))
	for name := range siteProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookupProfile returns the validated profile registered under name.
func lookupProfile(name string) (site.Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	build, ok := siteProfiles[key]
	if !ok {
		return site.Profile{}, fmt.Errorf("unknown site %q (known: %s)", name, strings.Join(siteNames(), ", "))
	}
	profile := build()
	if err := profile.Validate(); err != nil {
		return site.Profile{}, err
	}
	return profile, nil
}

func newSitesCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List the supported chat sites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderSites(cfg.Site))
			return err
		},
	}
}

func renderSites(selected string) string {
	rows := make([][]string, 0, len(siteProfiles))
	selectedRow := -1
	for _, name := range siteNames() {
		profile := siteProfiles[name]()
		poll := profile.PollInterval
		if poll <= 0 {
			poll = stabilize.DefaultPollInterval
		}
		marker := ""
		if name == strings.ToLower(strings.TrimSpace(selected)) {
			marker = theme.IconDone
			selectedRow = len(rows)
		}
		rows = append(rows, []string{marker, name, profile.StartURL, poll.String()})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(theme.MutedStyle).
		Headers("", "SITE", "START URL", "POLL").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return theme.TitleStyle.Padding(0, 1)
			case row == selectedRow:
				return theme.SuccessStyle.Padding(0, 1)
			default:
				return lipgloss.NewStyle().Padding(0, 1)
			}
		}).
		String()
}
