package encoding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_Submit(t *testing.T) {
	var got SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/jobs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"handle":"job-42","state":"queued"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	handle, err := c.Submit(context.Background(), SubmitRequest{
		Bucket:     "media",
		Key:        "master.mp4",
		Renditions: []Rendition{{Name: "240p", Width: 426, Height: 240}},
	})
	require.NoError(t, err)
	require.Equal(t, "job-42", handle)
	require.Equal(t, "master.mp4", got.Key)
	require.Len(t, got.Renditions, 1)
}

func TestClient_SubmitRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Submit(context.Background(), SubmitRequest{
		Key:        "master.mp4",
		Renditions: []Rendition{{Name: "240p"}},
	})
	require.ErrorContains(t, err, "429")
	require.ErrorContains(t, err, "quota exceeded")
}

func TestClient_Poll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/job-42", r.URL.Path)
		_, _ = w.Write([]byte(`{"state":"succeeded","artifacts":[{"rendition":"240p","key":"derived/m/transcode/240p/index.m3u8"}]}`))
	}))
	defer srv.Close()

	job, err := NewClient(srv.URL, time.Second).Poll(context.Background(), "job-42")
	require.NoError(t, err)
	require.Equal(t, "job-42", job.Handle)
	require.True(t, job.Done())
	require.Len(t, job.Artifacts, 1)
}

func TestClient_Validation(t *testing.T) {
	c := NewClient("", time.Second)
	_, err := c.Submit(context.Background(), SubmitRequest{Key: "a"})
	require.Error(t, err)

	_, err = NewClient("http://x", time.Second).Poll(context.Background(), " ")
	require.Error(t, err)
}
