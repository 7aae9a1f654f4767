package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"thirdcoast.systems/reel/internal/flow"
	"thirdcoast.systems/reel/internal/status"
)

func renderStatus(st *flow.RunStatus) string {
	var b strings.Builder
	run := st.Run
	fmt.Fprintf(&b, "Run %s (%s)\n", run.ID, run.Name)
	fmt.Fprintf(&b, "Status: %s (%d)  Stage: %d/%d  Created: %s\n\n",
		st.Status, status.ResponseCode(st.Status), run.CurrentStage, run.StageCount, ago(run.CreatedAt))

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Stage", "Step", "Kind", "Status", "Updated", "Message"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Message", WidthMax: 60},
	})
	for _, stage := range st.Stages {
		for _, rec := range stage.Steps {
			tw.AppendRow(table.Row{stage.Index, rec.ID, rec.Kind, rec.Status, ago(rec.UpdatedAt), rec.Message})
		}
		tw.AppendSeparator()
	}
	b.WriteString(tw.Render())
	b.WriteString("\n")
	return b.String()
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

type stepView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Stage   int    `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type runView struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Code         int        `json:"code"`
	CurrentStage int        `json:"current_stage"`
	StageCount   int        `json:"stage_count"`
	Steps        []stepView `json:"steps"`
}

func statusView(st *flow.RunStatus) runView {
	v := runView{
		ID:           st.Run.ID.String(),
		Name:         st.Run.Name,
		Status:       string(st.Status),
		Code:         status.ResponseCode(st.Status),
		CurrentStage: st.Run.CurrentStage,
		StageCount:   st.Run.StageCount,
		Steps:        []stepView{},
	}
	for _, stage := range st.Stages {
		for _, rec := range stage.Steps {
			v.Steps = append(v.Steps, stepView{
				ID:      rec.ID.String(),
				Kind:    rec.Kind,
				Stage:   rec.Stage,
				Status:  string(rec.Status),
				Message: rec.Message,
			})
		}
	}
	return v
}
