package provider

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
)

const (
	defaultHeyGenBaseURL = "https://api.heygen.com"
	heygenOKCode         = 100
	maxErrorBody         = 4 << 10
)

// HeyGenOptions configures the HeyGen adapter.
type HeyGenOptions struct {
	APIKey     string
	BaseURL    string
	Width      int
	Height     int
	TestMode   bool
	HTTPClient *http.Client
}

// HeyGen talks to the HeyGen v2 generate / v1 status endpoints.
type HeyGen struct {
	apiKey     string
	baseURL    string
	width      int
	height     int
	testMode   bool
	httpClient *http.Client
}

// NewHeyGen builds the adapter. The HTTP client timeout is a backstop; callers bound
// each call with their own context deadline.
func NewHeyGen(opts HeyGenOptions) (*HeyGen, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("heygen: api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultHeyGenBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	width, height := opts.Width, opts.Height
	if width == 0 || height == 0 {
		width, height = 1920, 1080
	}
	return &HeyGen{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		width:      width,
		height:     height,
		testMode:   opts.TestMode,
		httpClient: client,
	}, nil
}

type heygenCharacter struct {
	Type     string `json:"type"`
	AvatarID string `json:"avatar_id"`
}

type heygenVoice struct {
	Type      string `json:"type"`
	InputText string `json:"input_text"`
	VoiceID   string `json:"voice_id"`
}

type heygenVideoInput struct {
	Character heygenCharacter `json:"character"`
	Voice     heygenVoice     `json:"voice"`
}

type heygenDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type heygenGenerateRequest struct {
	VideoInputs []heygenVideoInput `json:"video_inputs"`
	Dimension   heygenDimension    `json:"dimension"`
	Test        bool               `json:"test"`
	Title       string             `json:"title,omitempty"`
}

type heygenGenerateResponse struct {
	Code int `json:"code"`
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type heygenStatusResponse struct {
	Code int `json:"code"`
	Data struct {
		VideoID      string   `json:"video_id"`
		Status       string   `json:"status"`
		VideoURL     string   `json:"video_url"`
		ThumbnailURL string   `json:"thumbnail_url"`
		Duration     *float64 `json:"duration"`
		Error        *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	} `json:"data"`
	Message string `json:"message"`
}

// Submit creates a render and returns HeyGen's video id.
func (h *HeyGen) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := heygenGenerateRequest{
		VideoInputs: []heygenVideoInput{{
			Character: heygenCharacter{Type: "avatar", AvatarID: req.AvatarID},
			Voice:     heygenVoice{Type: "text", InputText: req.Script, VoiceID: req.VoiceID},
		}},
		Dimension: heygenDimension{Width: h.width, Height: h.height},
		Test:      h.testMode,
		Title:     req.Title,
	}
	var resp heygenGenerateResponse
	if err := h.do(ctx, http.MethodPost, "/v2/video/generate", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil && resp.Error.Message != "" {
		return "", fmt.Errorf("%w: %s", ErrRejected, resp.Error.Message)
	}
	if resp.Data.VideoID == "" {
		msg := resp.Message
		if msg == "" {
			msg = "response carried no video id"
		}
		return "", fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return resp.Data.VideoID, nil
}

// Query fetches the current state of a render.
func (h *HeyGen) Query(ctx context.Context, providerJobID string) (Status, error) {
	path := "/v1/video_status.get?video_id=" + url.QueryEscape(providerJobID)
	var resp heygenStatusResponse
	if err := h.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Status{}, err
	}
	if resp.Code != 0 && resp.Code != heygenOKCode {
		return Status{}, fmt.Errorf("%w: status code %d: %s", ErrRejected, resp.Code, resp.Message)
	}

	st := Status{
		MediaURL:     resp.Data.VideoURL,
		ThumbnailURL: resp.Data.ThumbnailURL,
		Duration:     resp.Data.Duration,
	}
	switch strings.ToLower(resp.Data.Status) {
	case "completed":
		st.State = StateCompleted
	case "failed":
		st.State = StateFailed
		if e := resp.Data.Error; e != nil {
			st.ErrorMessage = e.Message
			if st.ErrorMessage == "" {
				st.ErrorMessage = e.Detail
			}
		}
	case "processing", "waiting":
		st.State = StateProcessing
	default:
		st.State = StatePending
	}
	return st, nil
}

func (h *HeyGen) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", h.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRejected, method, path, resp.StatusCode, extractMessage(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrUnavailable, path, err)
	}
	return nil
}

// extractMessage pulls a human readable message out of a HeyGen error body.
func extractMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return strings.TrimSpace(string(body))
}

var _ Client = (*HeyGen)(nil)
