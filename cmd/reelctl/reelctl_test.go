package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/reel/internal/flow"
	"thirdcoast.systems/reel/internal/status"
	"thirdcoast.systems/reel/internal/taskstore"
)

func TestBuildPayload(t *testing.T) {
	p, err := buildPayload(`{"key":"master.mp4","width":640}`, []string{"width=1920", "title=hello world", "qualities=[\"240p\"]"})
	require.NoError(t, err)
	require.Equal(t, "master.mp4", p["key"])
	require.Equal(t, 1920.0, p["width"])
	require.Equal(t, "hello world", p["title"])
	require.Equal(t, []any{"240p"}, p["qualities"])

	_, err = buildPayload("", []string{"novalue"})
	require.Error(t, err)
	_, err = buildPayload("[1,2]", nil)
	require.Error(t, err)
}

func sampleStatus() *flow.RunStatus {
	now := time.Now()
	recs := []*taskstore.Record{
		{ID: uuid.New(), Kind: "download", Stage: 0, Status: status.Success, UpdatedAt: now},
		{ID: uuid.New(), Kind: "transcode", Stage: 1, Status: status.Canceled, Message: "source too small", UpdatedAt: now},
	}
	return &flow.RunStatus{
		Run:    &taskstore.Run{ID: uuid.New(), Name: "video", StageCount: 2, CurrentStage: 2, CreatedAt: now},
		Status: status.Canceled,
		Stages: []flow.StageStatus{
			{Index: 0, Status: status.Success, Steps: recs[:1]},
			{Index: 1, Status: status.Canceled, Steps: recs[1:]},
		},
	}
}

func TestRenderStatus(t *testing.T) {
	out := renderStatus(sampleStatus())
	require.Contains(t, out, "Status: CANCELED (409)")
	require.Contains(t, out, "download")
	require.Contains(t, out, "source too small")
	require.Contains(t, out, "Stage: 2/2")
}

func TestStatusView(t *testing.T) {
	v := statusView(sampleStatus())
	require.Equal(t, 409, v.Code)
	require.Len(t, v.Steps, 2)
	require.Equal(t, "transcode", v.Steps[1].Kind)
}

func TestRootCommand_Pipelines(t *testing.T) {
	cmd := newRootCommand(&commandContext{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"pipelines"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, "reprocess\nvideo\n", out.String())
}

func TestRootCommand_BadArgsSkipConnect(t *testing.T) {
	for _, args := range [][]string{
		{"start", "not-a-uuid"},
		{"set", uuid.NewString()},
		{"set", uuid.NewString(), "novalue"},
		{"delete", "not-a-uuid"},
	} {
		cc := &commandContext{}
		cmd := newRootCommand(cc)
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		require.Error(t, cmd.Execute(), args)
		require.Nil(t, cc.runtime, args)
		cc.close()
	}
}

func TestBuildPayload_NullRemoves(t *testing.T) {
	p, err := buildPayload("", []string{"gap=null", "note=edited"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"gap": nil, "note": "edited"}, map[string]any(p))
}
