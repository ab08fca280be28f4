package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/transcriber/api"
	"github.com/cenkalti/backoff/v4"
)

const (
	prmFile     = "file"
	prmLanguage = "language"
	prmVAD      = "vad"
)

// Client communicates with ASR service
type Client struct {
	httpclient    *http.Client
	transcribeURL string
	liveURL       string
	timeout       time.Duration
	liveTimeout   time.Duration
	backoff       func() backoff.BackOff
}

// NewClient creates ASR client for base URL, retries applies to transient call failures, 0 means a single attempt
func NewClient(baseURL string, timeout time.Duration, retries int) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("no transcriber URL")
	}
	if !strings.HasPrefix(baseURL, "http") {
		return nil, fmt.Errorf("no http in transcriber URL")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("no transcriber timeout")
	}
	if retries < 0 {
		return nil, fmt.Errorf("wrong retries %d", retries)
	}
	res := Client{}
	base := strings.TrimSuffix(baseURL, "/")
	res.transcribeURL = base + "/transcribe"
	res.liveURL = base + "/live"
	res.timeout = timeout
	res.liveTimeout = time.Second * 10
	res.httpclient = asrHTTPClient()
	res.backoff = func() backoff.BackOff { return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)) }
	return &res, nil
}

type transcribeResponse struct {
	Text       string        `json:"text"`
	Segments   []api.Segment `json:"segments"`
	Language   string        `json:"language"`
	Duration   float64       `json:"duration"`
	Confidence *float64      `json:"confidence"`
}

// Transcribe uploads audio file and returns tagged result, never fails
func (sp *Client) Transcribe(ctx context.Context, file, language string, vad bool) api.Result {
	body, contentType, err := prepareBody(file, language, vad)
	if err != nil {
		return api.Result{Kind: api.Degraded, Reason: err.Error()}
	}
	kind := api.Unavailable
	resp, err := goapp.InvokeWithBackoff(ctx, func() (*transcribeResponse, bool, error) {
		ctx, cancelF := context.WithTimeout(ctx, sp.timeout)
		defer cancelF()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sp.transcribeURL, bytes.NewReader(body))
		if err != nil {
			kind = api.Degraded
			return nil, false, err
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := sp.httpclient.Do(req)
		if err != nil {
			kind = api.Unavailable
			return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't call: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
			_ = resp.Body.Close()
		}()
		if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
			err = fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
			kind = kindFromCode(resp.StatusCode)
			return nil, goapp.IsRetryableCode(resp.StatusCode), err
		}
		res := &transcribeResponse{}
		if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
			kind = api.Degraded
			return nil, false, fmt.Errorf("can't decode response: %w", err)
		}
		return res, false, nil
	}, sp.backoff())
	if err != nil {
		return api.Result{Kind: kind, Reason: err.Error()}
	}
	return toResult(resp)
}

// Live checks ASR service is reachable
func (sp *Client) Live(ctx context.Context) error {
	_, err := goapp.InvokeWithBackoff(ctx, func() (interface{}, bool, error) {
		ctx, cancelF := context.WithTimeout(ctx, sp.liveTimeout)
		defer cancelF()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sp.liveURL, nil)
		if err != nil {
			return nil, false, err
		}
		resp, err := sp.httpclient.Do(req)
		if err != nil {
			return nil, goapp.IsRetryableErr(err), fmt.Errorf("can't call: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
			_ = resp.Body.Close()
		}()
		if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
			return nil, goapp.IsRetryableCode(resp.StatusCode), fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
		}
		return nil, false, nil
	}, sp.backoff())
	return err
}

func prepareBody(file, language string, vad bool) ([]byte, string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, "", fmt.Errorf("can't open audio: %w", err)
	}
	defer f.Close()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(prmFile, filepath.Base(file))
	if err != nil {
		return nil, "", fmt.Errorf("can't add file to request: %w", err)
	}
	if _, err = io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("can't add file content to request: %w", err)
	}
	if language != "" {
		if err := writer.WriteField(prmLanguage, language); err != nil {
			return nil, "", fmt.Errorf("can't add param: %w", err)
		}
	}
	if err := writer.WriteField(prmVAD, fmt.Sprintf("%t", vad)); err != nil {
		return nil, "", fmt.Errorf("can't add param: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("can't close multipart: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}

func toResult(resp *transcribeResponse) api.Result {
	res := api.Result{Kind: api.OK, Text: strings.TrimSpace(resp.Text), Segments: resp.Segments,
		Confidence: resp.Confidence, DetectedLanguage: resp.Language, Duration: resp.Duration}
	if res.Text == "" {
		res.Kind = api.NoSpeech
	}
	return res
}

func kindFromCode(code int) api.Kind {
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return api.Unavailable
	}
	return api.Degraded
}

func asrHTTPClient() *http.Client {
	return &http.Client{Transport: newTransport()}
}

func newTransport() http.RoundTripper {
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 10
	res.MaxIdleConns = 10
	res.MaxIdleConnsPerHost = 10
	res.IdleConnTimeout = 90 * time.Second
	return res
}
