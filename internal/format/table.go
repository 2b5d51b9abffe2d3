// Package format renders sandbox state as styled terminal tables.
package format

import (
	"fmt"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/daiku/internal/sandbox"
)

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) zebra() func(row, col int) lipgloss.Style {
	return func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return f.headerStyle
		case row%2 == 0:
			return f.evenRowStyle
		default:
			return f.oddRowStyle
		}
	}
}

// FormatSandboxes renders the sandbox list.
func (f *TableFormatter) FormatSandboxes(infos []sandbox.Info) string {
	if len(infos) == 0 {
		return "No sandboxes running"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(f.zebra()).
		Headers("ID", "Status", "Port", "Agent PID", "Created")

	for _, info := range infos {
		t.Row(
			info.ID,
			string(info.Status),
			fmt.Sprintf("%d", info.DevServerPort),
			fmt.Sprintf("%d", info.AgentPID),
			info.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return t.String()
}

// FormatSandbox renders one sandbox as a detail card.
func (f *TableFormatter) FormatSandbox(info sandbox.Info) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})

	t.Row("ID", info.ID)
	t.Row("Status", string(info.Status))
	t.Row("Directory", info.DirectoryPath)
	if info.EndpointURL != "" {
		t.Row("Endpoint", info.EndpointURL)
	}
	t.Row("Agent PID", fmt.Sprintf("%d", info.AgentPID))
	t.Row("Dev server", fmt.Sprintf("pid %d, port %d", info.DevServerPID, info.DevServerPort))
	t.Row("Created", info.CreatedAt.Local().Format(time.DateTime))
	if !info.LastHeartbeat.IsZero() {
		t.Row("Last activity", info.LastHeartbeat.Local().Format(time.DateTime))
	}
	return t.String()
}

// FormatEntries renders a directory listing.
func (f *TableFormatter) FormatEntries(entries []sandbox.FilesystemEntry) string {
	if len(entries) == 0 {
		return "Empty directory"
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(f.zebra()).
		Headers("Name", "Type", "Size", "Modified")

	for _, entry := range entries {
		kind := "file"
		size := fmt.Sprintf("%d", entry.SizeBytes)
		if entry.IsDirectory {
			kind = "dir"
			size = "-"
		}
		t.Row(truncateString(entry.Name, 40), kind, size, entry.ModifiedAt.Local().Format(time.DateTime))
	}
	return t.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// EventStyles colour the streamed turn output by event kind.
type EventStyles struct {
	Thought lipgloss.Style
	Message lipgloss.Style
	Tool    lipgloss.Style
	Plan    lipgloss.Style
	Err     lipgloss.Style
	Meta    lipgloss.Style
}

func NewEventStyles() EventStyles {
	return EventStyles{
		Thought: lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true),
		Message: lipgloss.NewStyle(),
		Tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		Plan:    lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
		Err:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		Meta:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}
