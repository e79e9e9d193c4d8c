package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/livecapture/internal/sequencer"
)

// HTTPClient implements Client against the liveness decision API. The
// client identity and secret ride along as request headers on every call.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *zap.Logger
}

// NewHTTPClient builds a verifier client for the given base URL and
// credentials.
func NewHTTPClient(baseURL, clientID, clientSecret string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.Named("verifier"),
	}
}

type createSessionRequest struct {
	Identifier string `json:"identifier"`
	Method     string `json:"method"`
}

type createSessionResponse struct {
	SessionID  string   `json:"sessionId"`
	Identifier string   `json:"identifier"`
	Method     string   `json:"method"`
	Challenges []string `json:"challenges,omitempty"`
	ExpiresAt  string   `json:"expiresAt"`
}

// CreateSession opens a verification session for the identifier. For the
// active method the response carries the ordered challenge list.
func (c *HTTPClient) CreateSession(ctx context.Context, identifier string, method Method) (*Session, error) {
	url := fmt.Sprintf("%s/liveness/sessions", c.baseURL)
	body := createSessionRequest{Identifier: identifier, Method: string(method)}

	var decoded createSessionResponse
	if err := c.postJSON(ctx, url, body, &decoded); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	session := &Session{
		SessionID:  decoded.SessionID,
		Identifier: decoded.Identifier,
		Method:     Method(decoded.Method),
	}
	for _, name := range decoded.Challenges {
		challenge := Challenge(name)
		if !challenge.Known() {
			return nil, fmt.Errorf("create session: server issued unknown challenge %q", name)
		}
		session.Challenges = append(session.Challenges, challenge)
	}
	if decoded.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, decoded.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("create session: bad expiresAt %q: %w", decoded.ExpiresAt, err)
		}
		session.ExpiresAt = expires
	}

	c.logger.Info("verification session created",
		zap.String("session_id", session.SessionID),
		zap.String("method", string(session.Method)),
		zap.Int("challenges", len(session.Challenges)))
	return session, nil
}

type submitFrame struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action,omitempty"`
	Image     string `json:"image"`
}

type submitRequest struct {
	SessionID string        `json:"sessionId"`
	Frames    []submitFrame `json:"frames"`
}

type submitResponse struct {
	IsLive     bool    `json:"isLive"`
	Confidence float64 `json:"confidence"`
	File       *struct {
		Face string `json:"face"`
	} `json:"file,omitempty"`
}

// Submit sends the full ordered frame buffer for a verdict. Safe to retry
// from the caller's perspective; the server treats repeated submissions of
// the same session as one.
func (c *HTTPClient) Submit(ctx context.Context, sessionID string, frames []sequencer.Frame) (*Result, error) {
	url := fmt.Sprintf("%s/liveness/sessions/%s/verify", c.baseURL, sessionID)

	body := submitRequest{SessionID: sessionID, Frames: make([]submitFrame, 0, len(frames))}
	for _, frame := range frames {
		body.Frames = append(body.Frames, submitFrame{
			Timestamp: frame.Timestamp.UnixMilli(),
			Action:    frame.ChallengeTag,
			Image:     frame.ImageData,
		})
	}

	var decoded submitResponse
	if err := c.postJSON(ctx, url, body, &decoded); err != nil {
		return nil, fmt.Errorf("submit verification: %w", err)
	}

	result := &Result{
		SessionID:  sessionID,
		IsLive:     decoded.IsLive,
		Confidence: decoded.Confidence,
	}
	if decoded.File != nil {
		result.FaceImageRef = decoded.File.Face
	}

	c.logger.Info("verification verdict received",
		zap.String("session_id", sessionID),
		zap.Bool("is_live", result.IsLive),
		zap.Float64("confidence", result.Confidence))
	return result, nil
}

func (c *HTTPClient) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", c.clientID)
	req.Header.Set("X-Client-Secret", c.clientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return &apiErr
	}
	return &APIError{
		Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
		Message: fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, string(body)),
	}
}
