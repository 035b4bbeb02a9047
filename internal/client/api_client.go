package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sonicsplit/api/internal/feed"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// APIClient talks to the job API over HTTP and follows the job feed over a
// websocket. It holds one session at a time.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	token  string
	userID string
}

// NewAPIClient creates a client for the API at baseURL
func NewAPIClient(baseURL string, logger *slog.Logger) *APIClient {
	return &APIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With(slog.String("component", "api_client")),
	}
}

// SetToken reuses an existing session token on the next SignIn
func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.userID = ""
}

// Token returns the current session token
func (c *APIClient) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *APIClient) session() (token, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.userID
}

// SignIn verifies the stored token, or signs in anonymously when there is
// none, and returns the user id
func (c *APIClient) SignIn(ctx context.Context) (string, error) {
	token, _ := c.session()

	if token != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/verify", nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("verify session: %w", err)
		}
		resp.Body.Close()
		userID := resp.Header.Get("X-User-Id")
		if resp.StatusCode != http.StatusOK || userID == "" {
			return "", fmt.Errorf("verify session: status %d", resp.StatusCode)
		}
		c.mu.Lock()
		c.userID = userID
		c.mu.Unlock()
		return userID, nil
	}

	var out model.AnonymousSignInResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/anonymous", "", nil, "", &out); err != nil {
		return "", fmt.Errorf("anonymous sign in: %w", err)
	}
	c.mu.Lock()
	c.token, c.userID = out.Token, out.UserID
	c.mu.Unlock()
	return out.UserID, nil
}

// SignOut forgets the session
func (c *APIClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token, c.userID = "", ""
	return nil
}

func (c *APIClient) authorized(owner string) (string, error) {
	token, userID := c.session()
	if token == "" || userID == "" || (owner != "" && owner != userID) {
		return "", model.ErrSignedOut
	}
	return token, nil
}

// UploadAndCreateJob streams the file as multipart form data to POST /api/jobs
func (c *APIClient) UploadAndCreateJob(ctx context.Context, owner string, upload *model.Upload) (*model.Job, error) {
	token, err := c.authorized(owner)
	if err != nil {
		return nil, err
	}
	if upload == nil || upload.Body == nil {
		return nil, model.ErrInvalidUpload
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.FileName))
		contentType := upload.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		h.Set("Content-Type", contentType)

		part, err := mw.CreatePart(h)
		if err == nil {
			_, err = io.Copy(part, upload.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var job model.Job
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", token, pr, mw.FormDataContentType(), &job); err != nil {
		pr.Close()
		return nil, err
	}
	return &job, nil
}

// List returns the signed-in user's jobs
func (c *APIClient) List(ctx context.Context) ([]model.Job, error) {
	token, err := c.authorized("")
	if err != nil {
		return nil, err
	}
	var out model.JobListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs", token, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Get returns one job
func (c *APIClient) Get(ctx context.Context, jobID string) (*model.Job, error) {
	token, err := c.authorized("")
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), token, nil, "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel stops a processing job
func (c *APIClient) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	token, err := c.authorized("")
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", token, nil, "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// apiErrorBody mirrors the server's error envelope
type apiErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the job API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the status to the matching sentinel error
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return model.ErrInvalidUpload
	case http.StatusUnauthorized:
		return model.ErrSignedOut
	case http.StatusNotFound:
		return model.ErrJobNotFound
	case http.StatusConflict:
		return model.ErrAlreadyTerminal
	case http.StatusRequestEntityTooLarge:
		return model.ErrFileTooLarge
	case http.StatusUnsupportedMediaType:
		return model.ErrUnsupportedMediaType
	case http.StatusBadGateway:
		return model.ErrUploadFailed
	case http.StatusInternalServerError:
		if e.Code == "JOB_CREATE_FAILED" {
			return model.ErrJobCreateFailed
		}
	}
	return nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path, token string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var envelope apiErrorBody
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Subscribe opens the job feed websocket for owner
func (c *APIClient) Subscribe(ctx context.Context, owner string) (store.Subscription, error) {
	token, err := c.authorized(owner)
	if err != nil {
		return nil, err
	}

	wsURL, err := c.websocketURL(token)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", model.ErrSubscriptionLost, err)
	}
	conn.SetReadLimit(16 << 20)

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	snapshots := feed.New[model.Snapshot]()
	sub := &wsSubscription{
		conn:    conn,
		watcher: snapshots.Watch(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, sub.Close)
	go func() {
		defer stop()
		sub.read(subCtx, owner, snapshots, c.logger)
	}()
	return sub, nil
}

func (c *APIClient) websocketURL(token string) (string, error) {
	u, err := url.Parse(c.baseURL + "/ws/jobs")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsSubscription adapts the websocket feed to store.Subscription
type wsSubscription struct {
	conn    *websocket.Conn
	watcher *feed.Watcher[model.Snapshot]
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *wsSubscription) Snapshots() <-chan model.Snapshot {
	return s.watcher.C()
}

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tells the server the session ends and waits for the reader to stop
func (s *wsSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = wsjson.Write(ctx, s.conn, model.WSMessage{Type: model.WSMessageTypeSignOut})
	cancel()
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "signed out")
	<-s.done
}

func (s *wsSubscription) read(ctx context.Context, owner string, snapshots *feed.Feed[model.Snapshot], logger *slog.Logger) {
	defer close(s.done)
	defer snapshots.Close()

	fail := func(err error) {
		s.mu.Lock()
		if !s.closed && s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			fail(fmt.Errorf("%w: %v", model.ErrSubscriptionLost, err))
			_ = s.conn.CloseNow()
			return
		}

		var base model.WSMessage
		if err := json.Unmarshal(data, &base); err != nil {
			logger.Warn("invalid feed message", slog.Any("error", err))
			continue
		}

		switch base.Type {
		case model.WSMessageTypeSnapshot:
			var msg model.WSSnapshotMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("invalid snapshot", slog.Any("error", err))
				continue
			}
			if msg.Owner != owner {
				continue
			}
			snapshots.Publish(msg.Snapshot())

		case model.WSMessageTypeError:
			var msg model.WSErrorMessage
			_ = json.Unmarshal(data, &msg)
			fail(fmt.Errorf("%w: %s", model.ErrSubscriptionLost, msg.Error.Message))
			_ = s.conn.CloseNow()
			return
		}
	}
}

var _ store.Subscription = (*wsSubscription)(nil)
