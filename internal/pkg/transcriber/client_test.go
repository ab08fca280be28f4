package transcriber

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airenas/medscribe/internal/pkg/test"
	"github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testResp struct {
	code  int
	resp  string
	delay time.Duration
}

type testReq struct {
	URL      string
	language string
	vad      string
	file     string
}

func newTestR(code int, resp string) testResp {
	return testResp{code: code, resp: resp}
}

func initTestServer(t *testing.T, rData map[string]testResp) (*Client, *[]testReq) {
	t.Helper()
	resRequest := make([]testReq, 0)
	rLock := &sync.Mutex{}
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		tr := testReq{URL: req.URL.String()}
		if req.Method == http.MethodPost {
			if err := req.ParseMultipartForm(1 << 20); err == nil {
				tr.language = req.FormValue(prmLanguage)
				tr.vad = req.FormValue(prmVAD)
				if f, _, err := req.FormFile(prmFile); err == nil {
					b, _ := io.ReadAll(f)
					tr.file = string(b)
				}
			}
		}
		rLock.Lock()
		resRequest = append(resRequest, tr)
		rLock.Unlock()
		resp, f := rData[req.URL.String()]
		if !f {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		time.Sleep(resp.delay)
		rw.WriteHeader(resp.code)
		_, _ = rw.Write([]byte(resp.resp))
	}))
	client, err := NewClient(server.URL, time.Second, 0)
	require.Nil(t, err)
	client.httpclient = server.Client()
	t.Cleanup(func() { server.Close() })
	return client, &resRequest
}

func testAudio(t *testing.T) string {
	t.Helper()
	f := filepath.Join(t.TempDir(), "chunk_00001.wav")
	require.Nil(t, os.WriteFile(f, []byte("wav"), 0o644))
	return f
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		timeout time.Duration
		retries int
		wantErr bool
	}{
		{name: "OK", url: "http://asr:8000/", timeout: time.Second, wantErr: false},
		{name: "no URL", url: "", timeout: time.Second, wantErr: true},
		{name: "no http", url: "asr:8000", timeout: time.Second, wantErr: true},
		{name: "no timeout", url: "http://asr", timeout: 0, wantErr: true},
		{name: "retries", url: "http://asr", timeout: time.Second, retries: -1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClient(tt.url, tt.timeout, tt.retries)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil {
				assert.Equal(t, "http://asr:8000/transcribe", got.transcribeURL)
				assert.Equal(t, "http://asr:8000/live", got.liveURL)
			}
		})
	}
}

func TestTranscribe(t *testing.T) {
	client, tReq := initTestServer(t, map[string]testResp{"/transcribe": newTestR(http.StatusOK,
		`{"text":" labas rytas ","segments":[{"start":0,"end":1.5,"text":"labas rytas"}],"language":"lt","duration":30,"confidence":0.9}`)})

	r := client.Transcribe(test.Ctx(t), testAudio(t), "lt", true)

	assert.Equal(t, api.OK, r.Kind)
	assert.Equal(t, "labas rytas", r.Text)
	assert.Equal(t, 1, len(r.Segments))
	assert.Equal(t, "lt", r.DetectedLanguage)
	assert.Equal(t, 30.0, r.Duration)
	require.NotNil(t, r.Confidence)
	assert.Equal(t, 0.9, *r.Confidence)
	require.Equal(t, 1, len(*tReq))
	assert.Equal(t, "lt", (*tReq)[0].language)
	assert.Equal(t, "true", (*tReq)[0].vad)
	assert.Equal(t, "wav", (*tReq)[0].file)
}

func TestTranscribe_NoSpeech(t *testing.T) {
	client, _ := initTestServer(t, map[string]testResp{"/transcribe": newTestR(http.StatusOK, `{"text":"  "}`)})
	r := client.Transcribe(test.Ctx(t), testAudio(t), "", false)
	assert.Equal(t, api.NoSpeech, r.Kind)
	assert.True(t, r.Usable())
}

func TestTranscribe_Fails(t *testing.T) {
	tests := []struct {
		name string
		resp testResp
		want api.Kind
	}{
		{name: "server", resp: newTestR(http.StatusInternalServerError, "err"), want: api.Unavailable},
		{name: "busy", resp: newTestR(http.StatusTooManyRequests, "err"), want: api.Unavailable},
		{name: "bad request", resp: newTestR(http.StatusBadRequest, "err"), want: api.Degraded},
		{name: "decode", resp: newTestR(http.StatusOK, "{olia"), want: api.Degraded},
		{name: "timeout", resp: testResp{code: http.StatusOK, resp: `{"text":"a"}`, delay: 1500 * time.Millisecond}, want: api.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := initTestServer(t, map[string]testResp{"/transcribe": tt.resp})
			r := client.Transcribe(test.Ctx(t), testAudio(t), "", false)
			assert.Equal(t, tt.want, r.Kind)
			assert.False(t, r.Usable())
			assert.NotEmpty(t, r.Reason)
		})
	}
}

func TestTranscribe_NoFile(t *testing.T) {
	client, tReq := initTestServer(t, map[string]testResp{})
	r := client.Transcribe(test.Ctx(t), "/none/a.wav", "", false)
	assert.Equal(t, api.Degraded, r.Kind)
	assert.Equal(t, 0, len(*tReq))
}

func TestTranscribe_Unreachable(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", time.Second, 0)
	require.Nil(t, err)
	r := client.Transcribe(test.Ctx(t), testAudio(t), "", false)
	assert.Equal(t, api.Unavailable, r.Kind)
}

func TestLive(t *testing.T) {
	client, tReq := initTestServer(t, map[string]testResp{"/live": newTestR(http.StatusOK, "")})
	assert.Nil(t, client.Live(test.Ctx(t)))
	assert.True(t, strings.HasSuffix((*tReq)[0].URL, "/live"))
}

func TestLive_Fail(t *testing.T) {
	client, tReq := initTestServer(t, map[string]testResp{"/live": newTestR(http.StatusServiceUnavailable, "")})
	assert.NotNil(t, client.Live(test.Ctx(t)))
	assert.Equal(t, 1, len(*tReq))
}

func TestTranscribe_Retries(t *testing.T) {
	tests := []struct {
		name      string
		retries   uint64
		code      int
		wantCalls int
	}{
		{name: "no retries", retries: 0, code: http.StatusServiceUnavailable, wantCalls: 1},
		{name: "transient", retries: 2, code: http.StatusServiceUnavailable, wantCalls: 3},
		{name: "not transient", retries: 2, code: http.StatusBadRequest, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, tReq := initTestServer(t, map[string]testResp{"/transcribe": newTestR(tt.code, "")})
			client.backoff = func() backoff.BackOff {
				return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), tt.retries)
			}
			r := client.Transcribe(test.Ctx(t), testAudio(t), "lt", false)
			assert.NotEqual(t, api.OK, r.Kind)
			assert.Equal(t, tt.wantCalls, len(*tReq))
		})
	}
}

func TestStaticProvider(t *testing.T) {
	_, err := NewStaticProvider(nil, "a")
	assert.NotNil(t, err)
	c, _ := NewClient("http://asr", time.Second, 0)
	p, err := NewStaticProvider(c, "static")
	require.Nil(t, err)
	tr, name, err := p.Pick()
	assert.Nil(t, err)
	assert.Equal(t, "static", name)
	assert.Equal(t, c, tr)
}
