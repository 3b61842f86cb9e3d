// Package kserve implements inference.Provider against a remote model server
// that speaks the KServe v2 / Open Inference Protocol over HTTP+JSON (KServe,
// Triton Inference Server, Seldon MLServer, ...).
//
// Each Infer call is one POST to {baseURL}/v2/models/{model}/infer carrying
// both input tensors as FP32 arrays. Readiness is probed with
// GET {baseURL}/v2/models/{model}/ready.
package kserve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/stems/pkg/provider/inference"
	"github.com/MrWong99/stems/pkg/tensor"
)

var (
	_ inference.Provider = (*Provider)(nil)
	_ inference.Checker  = (*Provider)(nil)
	_ inference.Session  = (*session)(nil)
)

const (
	defaultModelName = "htdemucs"

	// A full htdemucs chunk is ~2.75M floats in and out; JSON encoding makes
	// each request tens of megabytes, so the timeout is generous.
	defaultTimeout = 5 * time.Minute

	datatypeFP32 = "FP32"
)

// Provider is a remote inference backend.
type Provider struct {
	baseURL     string
	modelName   string
	outputNames []string
	httpClient  *http.Client
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModelName sets the model name used in request paths. Defaults to
// "htdemucs".
func WithModelName(name string) Option {
	return func(p *Provider) { p.modelName = name }
}

// WithOutputNames restricts the requested outputs. By default the server
// returns every output.
func WithOutputNames(names ...string) Option {
	return func(p *Provider) { p.outputNames = names }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("kserve: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("kserve: parse baseURL: %w", err)
	}
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		modelName:  defaultModelName,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if p.modelName == "" {
		return nil, errors.New("kserve: model name must not be empty")
	}
	return p, nil
}

func (p *Provider) modelURL(suffix string) string {
	return p.baseURL + "/v2/models/" + url.PathEscape(p.modelName) + suffix
}

// NewSession returns a session that issues requests with the provider's
// HTTP client.
func (p *Provider) NewSession(ctx context.Context) (inference.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kserve: context already cancelled: %w", err)
	}
	return &session{p: p}, nil
}

// Check probes the model readiness endpoint.
func (p *Provider) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelURL("/ready"), nil)
	if err != nil {
		return fmt.Errorf("kserve: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kserve: http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kserve: model %q not ready: HTTP %d", p.modelName, resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the remote server owns the model.
func (p *Provider) Close() error { return nil }

// ── Wire format ──────────────────────────────────────────────────────────────

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	ID      string            `json:"id,omitempty"`
	Inputs  []inferTensor     `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	ID        string        `json:"id,omitempty"`
	Outputs   []inferTensor `json:"outputs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── Session ──────────────────────────────────────────────────────────────────

type session struct {
	p      *Provider
	seq    int
	closed bool
}

// Infer posts one chunk to the server and decodes the returned tensors.
func (s *session) Infer(ctx context.Context, waveform, spectrogram *tensor.Tensor) ([]*tensor.Tensor, error) {
	if s.closed {
		return nil, inference.ErrClosed
	}
	if waveform == nil || spectrogram == nil {
		return nil, errors.New("kserve: both input tensors are required")
	}
	s.seq++

	body := inferRequest{
		ID: fmt.Sprintf("chunk-%d", s.seq),
		Inputs: []inferTensor{
			{Name: waveform.Name, Shape: waveform.Shape, Datatype: datatypeFP32, Data: waveform.Data},
			{Name: spectrogram.Name, Shape: spectrogram.Shape, Datatype: datatypeFP32, Data: spectrogram.Data},
		},
	}
	for _, name := range s.p.outputNames {
		body.Outputs = append(body.Outputs, requestedOutput{Name: name})
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("kserve: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.modelURL("/infer"), &buf)
	if err != nil {
		return nil, fmt.Errorf("kserve: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kserve: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kserve: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("kserve: server returned HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("kserve: server returned HTTP %d", resp.StatusCode)
	}

	var result inferResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("kserve: parse JSON response: %w", err)
	}

	outputs := make([]*tensor.Tensor, 0, len(result.Outputs))
	for _, o := range result.Outputs {
		if o.Datatype != datatypeFP32 {
			return nil, fmt.Errorf("kserve: output %q has datatype %s, want %s", o.Name, o.Datatype, datatypeFP32)
		}
		t, err := tensor.New(o.Name, o.Shape, o.Data)
		if err != nil {
			return nil, fmt.Errorf("kserve: output %q: %w", o.Name, err)
		}
		outputs = append(outputs, t)
	}
	return outputs, nil
}

// Close marks the session closed.
func (s *session) Close() error {
	s.closed = true
	return nil
}
