package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/medscribe/internal/pkg/persistence"
)

// LLM calls remote speaker classification service
type LLM struct {
	httpclient *http.Client
	url        string
	timeout    time.Duration
	fallback   *Keywords
}

type llmRequest struct {
	Text          string `json:"text"`
	ContextBefore string `json:"contextBefore"`
	ContextAfter  string `json:"contextAfter"`
}

type llmResponse struct {
	Label string `json:"label"`
}

// NewLLM creates LLM client, fallback is used when service is unreachable and may be nil
func NewLLM(url string, timeout time.Duration, fallback *Keywords) (*LLM, error) {
	if url == "" {
		return nil, fmt.Errorf("no classifier URL")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("no classifier timeout")
	}
	goapp.Log.Info().Str("url", url).Dur("timeout", timeout).Bool("fallback", fallback != nil).Msg("llm classifier")
	return &LLM{httpclient: &http.Client{}, url: url, timeout: timeout, fallback: fallback}, nil
}

// Classify implements worker.Classifier, never fails
func (l *LLM) Classify(ctx context.Context, text, before, after string) Result {
	if strings.TrimSpace(text) == "" {
		return degraded("empty text")
	}
	res := l.call(ctx, text, before, after)
	if res.Kind == Unavailable && l.fallback != nil {
		fb := l.fallback.Classify(ctx, text, before, after)
		goapp.Log.Debug().Str("reason", res.Reason).Str("label", fb.Label).Msg("keyword fallback")
		return fb
	}
	return res
}

func (l *LLM) call(ctx context.Context, text, before, after string) Result {
	ctx, cancelF := context.WithTimeout(ctx, l.timeout)
	defer cancelF()
	b, err := json.Marshal(llmRequest{Text: text, ContextBefore: before, ContextAfter: after})
	if err != nil {
		return degraded(err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(b))
	if err != nil {
		return degraded(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.httpclient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return unavailable("timeout")
		}
		return unavailable(fmt.Sprintf("can't call: %v", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		if resp.StatusCode >= 500 {
			return unavailable(err.Error())
		}
		return degraded(err.Error())
	}
	var respData llmResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return degraded(fmt.Sprintf("can't decode: %v", err))
	}
	label := strings.ToUpper(strings.TrimSpace(respData.Label))
	if label == persistence.SpeakerPatient || label == persistence.SpeakerClinician {
		return ok(label)
	}
	return degraded(fmt.Sprintf("label '%s'", goapp.Sanitize(respData.Label)))
}
