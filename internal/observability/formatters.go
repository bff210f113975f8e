// Package observability provides formatted output for the operator CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/vidscan/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 10
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintVideo outputs every field of one video record.
func (p *Printer) PrintVideo(v *types.Video) {
	if v == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:       %s\n", v.ID))
	sb.WriteString(fmt.Sprintf("Owner:    %s\n", v.OwnerID))
	sb.WriteString(fmt.Sprintf("Title:    %s\n", v.Title))
	sb.WriteString(fmt.Sprintf("Media:    %s, %s\n", v.MimeType, formatBytes(v.SizeBytes)))
	sb.WriteString(fmt.Sprintf("Blob:     %s\n", v.BlobRef))
	sb.WriteString(fmt.Sprintf("Status:   %s %s\n", v.Status, progressBar(v.Progress)))
	if v.FailureReason != "" {
		sb.WriteString(fmt.Sprintf("Reason:   %s\n", v.FailureReason))
	}
	sb.WriteString(fmt.Sprintf("Created:  %s\n", v.CreatedAt.UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("Updated:  %s", v.UpdatedAt.UTC().Format(time.RFC3339)))

	p.printBox("VIDEO", sb.String())
}

// PrintVideos outputs one line per video, newest first as given.
func (p *Printer) PrintVideos(videos []types.Video) {
	if len(videos) == 0 {
		p.printBox("VIDEOS", "No videos")
		return
	}

	var sb strings.Builder
	count := min(len(videos), maxItemsToShow)
	for i := 0; i < count; i++ {
		v := videos[i]
		sb.WriteString(fmt.Sprintf("%s  %-10s %3d%%\n", v.ID.String()[:8], v.Status, v.Progress))
		sb.WriteString(fmt.Sprintf("    %s\n", v.Title))
	}
	if len(videos) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more\n", len(videos)-maxItemsToShow))
	}

	p.printBox(fmt.Sprintf("VIDEOS (%d)", len(videos)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProgressEvent outputs a single progress line.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintProgressEvent(ev types.ProgressEvent) {
	line := fmt.Sprintf("%s %s %-10s %s", ev.Timestamp.UTC().Format(time.TimeOnly), ev.VideoID.String()[:8], ev.Status, progressBar(ev.Progress))
	if ev.Stage != "" {
		line += " " + ev.Stage
	}
	if ev.Error != "" {
		line += " (" + ev.Error + ")"
	}
	fmt.Fprintln(p.out, line)
}

func progressBar(progress int) string {
	const width = 20
	filled := max(0, min(progress, 100)) * width / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), progress)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
