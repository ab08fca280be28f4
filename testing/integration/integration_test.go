//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/airenas/medscribe/internal/pkg/messages"
	"github.com/airenas/medscribe/internal/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type config struct {
	diarizerURL string
	audioPath   string
	httpclient  *http.Client
}

var cfg config

func TestMain(m *testing.M) {
	cfg.diarizerURL = GetEnvOrFail("DIARIZER_URL")
	cfg.audioPath = GetEnvOrFail("AUDIO_PATH")
	cfg.httpclient = &http.Client{Timeout: time.Second * 30}

	//start mock ASR and classifier services - diarizer is configured to call them
	l, ts := startMockService(9876)
	defer ts.Close()
	defer l.Close()

	tCtx, cf := context.WithTimeout(context.Background(), time.Second*20)
	defer cf()
	WaitForOpenOrFail(tCtx, cfg.diarizerURL)

	os.Exit(m.Run())
}

type createResponse struct {
	ID     string `json:"jobId"`
	Status string `json:"status"`
}

type listResponse struct {
	Jobs []persistence.JobSummary `json:"jobs"`
}

func TestLive(t *testing.T) {
	t.Parallel()
	CheckCode(t, Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/live", nil)), http.StatusOK)
}

func TestStatus_NotFound(t *testing.T) {
	t.Parallel()
	resp := Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/status/none-10", nil))
	CheckCode(t, resp, http.StatusNotFound)
	var st persistence.JobStatusView
	Decode(t, resp, &st)
	assert.Equal(t, "NOT_FOUND", st.Status)
	assert.Equal(t, "none-10", st.ID)
}

func TestCreate_Fail_NoSession(t *testing.T) {
	t.Parallel()
	resp := Invoke(t, cfg.httpclient, NewRequest(t, http.MethodPost, cfg.diarizerURL, "/jobs",
		map[string]string{"audioPath": cfg.audioPath}))
	CheckCode(t, resp, http.StatusBadRequest)
}

func TestJob_Completes(t *testing.T) {
	t.Parallel()
	session := "s-" + uuid.NewString()
	id := createJob(t, session, cfg.audioPath)

	st := waitFinished(t, id, time.Minute*2)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, 100, st.ProgressPercent)
	assert.Equal(t, st.TotalChunks, st.ProcessedChunks+st.SkippedChunks)
	require.NotEmpty(t, st.Chunks)
	assert.Equal(t, persistence.SpeakerPatient, st.Chunks[0].Speaker)

	resp := Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/result/"+id, nil))
	CheckCode(t, resp, http.StatusOK)
	var res persistence.Result
	Decode(t, resp, &res)
	require.Equal(t, 1, len(res.Segments))
	assert.Equal(t, persistence.SpeakerPatient, res.Segments[0].Speaker)

	resp = Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/jobs?sessionId="+session, nil))
	CheckCode(t, resp, http.StatusOK)
	var lr listResponse
	Decode(t, resp, &lr)
	require.Equal(t, 1, len(lr.Jobs))
	assert.Equal(t, id, lr.Jobs[0].ID)

	CheckCode(t, Invoke(t, cfg.httpclient, NewRequest(t, http.MethodPut, cfg.diarizerURL, "/downstream/"+id,
		map[string]string{"soapStatus": "failed", "soapError": "llm timeout"})), http.StatusOK)
	st = getStatus(t, id)
	assert.Equal(t, "completed_with_errors", st.ResolvedStatus)

	CheckCode(t, Invoke(t, cfg.httpclient, NewRequest(t, http.MethodDelete, cfg.diarizerURL, "/jobs/"+id, nil)),
		http.StatusOK)
	CheckCode(t, Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/status/"+id, nil)),
		http.StatusNotFound)
}

func TestJob_Fails_NoAudio(t *testing.T) {
	t.Parallel()
	id := createJob(t, "s-"+uuid.NewString(), "/none/"+uuid.NewString()+".wav")
	st := waitFinished(t, id, time.Minute)
	assert.Equal(t, "failed", st.Status)
	assert.NotEmpty(t, st.ErrorMessage)
}

func TestSubscribe_ReceivesFinalEvent(t *testing.T) {
	t.Parallel()
	id := createJob(t, "s-"+uuid.NewString(), cfg.audioPath)
	c := dialWS(t, cfg.diarizerURL)
	require.Nil(t, c.WriteMessage(1, []byte(id)))
	require.Nil(t, c.SetReadDeadline(time.Now().Add(2*time.Minute)))
	for {
		var ev messages.ProgressEvent
		if err := c.ReadJSON(&ev); err != nil {
			// job could finish before subscription
			st := getStatus(t, id)
			require.Equal(t, "completed", st.Status, "ws read: %v", err)
			return
		}
		assert.Equal(t, id, ev.ID)
		if ev.Status == "completed" {
			assert.Equal(t, 100, ev.ProgressPercent)
			return
		}
	}
}

func createJob(t *testing.T, session, audio string) string {
	t.Helper()
	resp := Invoke(t, cfg.httpclient, NewRequest(t, http.MethodPost, cfg.diarizerURL, "/jobs",
		map[string]string{"sessionId": session, "audioPath": audio}))
	CheckCode(t, resp, http.StatusOK)
	var cr createResponse
	Decode(t, resp, &cr)
	require.NotEmpty(t, cr.ID)
	assert.Equal(t, "pending", cr.Status)
	return cr.ID
}

func getStatus(t *testing.T, id string) persistence.JobStatusView {
	t.Helper()
	resp := Invoke(t, cfg.httpclient, NewRequest(t, http.MethodGet, cfg.diarizerURL, "/status/"+id, nil))
	CheckCode(t, resp, http.StatusOK)
	var st persistence.JobStatusView
	Decode(t, resp, &st)
	return st
}

func waitFinished(t *testing.T, id string, dur time.Duration) persistence.JobStatusView {
	t.Helper()
	tm := time.After(dur)
	for {
		st := getStatus(t, id)
		if st.Status == "completed" || st.Status == "failed" {
			return st
		}
		select {
		case <-tm:
			require.Failf(t, "Fail", "Not finished in %v, status %s", dur, st.Status)
		case <-time.After(time.Second):
		}
	}
}

func startMockService(port int) (net.Listener, *httptest.Server) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		log.Fatalf("can't start mock service: %v", err)
	}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/asr/live":
			_, _ = io.Copy(w, strings.NewReader(`{"status":"OK"}`))
		case "/asr/transcribe":
			_, _ = io.Copy(w, strings.NewReader(`{"text":"man skauda galvą","language":"lt","confidence":0.9}`))
		case "/classify":
			_, _ = io.Copy(w, strings.NewReader(`{"label":"PATIENT"}`))
		default:
			log.Printf("Unknown request to: %s", r.URL.String())
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	ts.Listener.Close()
	ts.Listener = l

	ts.Start()
	log.Printf("started mock srv on port: %d", port)
	return l, ts
}
