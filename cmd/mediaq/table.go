package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"mediaq/internal/entity"
	"mediaq/pkg/maths"
)

const shortIDLen = 8

type column struct {
	header   string
	align    text.Align
	maxWidth int // 0 is unbounded
}

var (
	jobColumns = []column{
		{header: "ID"},
		{header: "Title", maxWidth: 48},
		{header: "Status"},
		{header: "Progress", align: text.AlignRight},
		{header: "Rate"},
		{header: "Detail", maxWidth: 60},
	}

	historyColumns = []column{
		{header: "Finished"},
		{header: "Status"},
		{header: "Title", maxWidth: 48},
		{header: "Took", align: text.AlignRight},
		{header: "Detail", maxWidth: 60},
	}

	toolColumns = []column{
		{header: "Tool"},
		{header: "Required"},
		{header: "Ready"},
		{header: "Path"},
	}
)

func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, 0, len(columns))

	for i, col := range columns {
		header[i] = col.header
		configs = append(configs, table.ColumnConfig{
			Number:           i + 1,
			Align:            col.align,
			AlignHeader:      text.AlignLeft,
			WidthMax:         col.maxWidth,
			WidthMaxEnforcer: text.Trim,
		})
	}

	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}

		tw.AppendRow(r)
	}

	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func jobRows(jobs []entity.Job, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))

	for _, job := range jobs {
		rows = append(rows, []string{
			shortID(job.ID),
			job.DisplayTitle(),
			statusLabel(job.Status, colorize),
			fmt.Sprintf("%d%%", maths.Percent(job.Progress)),
			job.Rate,
			jobDetail(job),
		})
	}

	return rows
}

func historyRows(jobs []entity.Job, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))

	for _, job := range jobs {
		finished := ""
		if !job.FinishedAt.IsZero() {
			finished = job.FinishedAt.Local().Format(time.DateTime)
		}

		rows = append(rows, []string{
			finished,
			statusLabel(job.Status, colorize),
			job.DisplayTitle(),
			jobElapsed(job),
			jobDetail(job),
		})
	}

	return rows
}

// jobDetail is the error of a failed job or the file of a completed one.
func jobDetail(job entity.Job) string {
	switch job.Status {
	case entity.JobStatusFailed:
		return job.Error
	case entity.JobStatusCompleted:
		return job.Destination
	default:
		return ""
	}
}

func jobElapsed(job entity.Job) string {
	if job.StartedAt.IsZero() || job.FinishedAt.IsZero() {
		return ""
	}

	return job.FinishedAt.Sub(job.StartedAt).Round(time.Second).String()
}

// shortID keeps the random tail of a job id; the head of a UUIDv7 is a timestamp
// shared by jobs submitted together.
func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}

	return id[len(id)-shortIDLen:]
}

func statusLabel(status entity.JobStatus, colorize bool) string {
	label := status.String()
	if !colorize {
		return label
	}

	switch status {
	case entity.JobStatusCompleted:
		return text.FgGreen.Sprint(label)
	case entity.JobStatusFailed:
		return text.FgRed.Sprint(label)
	case entity.JobStatusCanceled:
		return text.FgYellow.Sprint(label)
	case entity.JobStatusActive, entity.JobStatusStarting:
		return text.FgBlue.Sprint(label)
	default:
		return label
	}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}

	fd := file.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}

	return "no"
}
