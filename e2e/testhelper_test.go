package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/sonicsplit/api/internal/auth"
	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/config"
	"github.com/sonicsplit/api/internal/lifecycle"
	"github.com/sonicsplit/api/internal/middleware"
	"github.com/sonicsplit/api/internal/server"
	"github.com/sonicsplit/api/internal/service"
	"github.com/sonicsplit/api/internal/store"
	ws "github.com/sonicsplit/api/internal/websocket"
	"github.com/sonicsplit/api/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

const testJWTSecret = "test-secret-for-e2e"

// mp3Bytes is an ID3 tagged payload that sniffs as audio/mpeg
var mp3Bytes = append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0xff, 0xfb, 0x90, 0x00}, 256)...)

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	jobs    *store.MemoryStore
	blobs   *client.MemoryStorage
	engine  *lifecycle.Engine
	service *service.JobService
	signer  *auth.SessionSigner
	baseURL string
}

// setupApp creates the app the same way main.go does, with the in-memory
// store, in-memory blobs and the simulated separation driver.
func setupApp(t *testing.T, tick time.Duration) *testApp {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: "0", Env: "test", LogLevel: "info"},
		JWT:    config.JWTConfig{Secret: testJWTSecret, Expiration: 1},
		Upload: config.UploadConfig{MaxBytes: 64 * 1024, AcceptedTypes: []string{"audio/*"}},
	}
	log := logger.Discard()

	jobs := store.NewMemoryStore()
	blobs := client.NewMemoryStorage("https://cdn.test")
	engine := lifecycle.NewEngine(jobs, lifecycle.NewSimulatedDriver(10, blobs),
		lifecycle.Config{TickInterval: tick, WriteAttempts: 3, WriteBackoff: time.Millisecond}, log)
	jobService := service.NewJobService(jobs, blobs, engine, engine, cfg.Upload, log)
	hub := ws.NewHub(jobService, log)

	signer, err := auth.NewSessionSigner(testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to create session signer: %v", err)
	}

	app := server.NewApp(server.Deps{
		Config:        cfg,
		Jobs:          jobService,
		Hub:           hub,
		Authenticator: auth.NewAuthenticator(nil, signer),
		RateLimiter:   middleware.NewRateLimiter(nil, log),
		Logger:        log,
		Services:      map[string]bool{"r2": false, "separation": false, "auth": true},
	})

	t.Cleanup(func() {
		hub.Close()
		jobService.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	return &testApp{app: app, jobs: jobs, blobs: blobs, engine: engine, service: jobService, signer: signer}
}

// listen serves the app on a loopback port for websocket clients
func (ta *testApp) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go ta.app.Listener(ln)
	t.Cleanup(func() { _ = ta.app.ShutdownWithTimeout(5 * time.Second) })
	ta.baseURL = "http://" + ln.Addr().String()
	return ta.baseURL
}

// generateToken creates a session token for test requests.
func generateToken(t *testing.T, ta *testApp, userID string) string {
	t.Helper()
	session, err := ta.signer.Issue(userID)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return session.Token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request as userID.
func doAuthRequest(t *testing.T, ta *testApp, userID, method, path string) (*http.Response, error) {
	t.Helper()
	return doRequest(ta.app, method, path, nil, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta, userID),
	})
}

// uploadFile posts a multipart upload as userID.
func uploadFile(t *testing.T, ta *testApp, userID, name, contentType string, data []byte) (*http.Response, error) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	part.Write(data)
	w.Close()

	return doRequest(ta.app, http.MethodPost, "/api/jobs", &body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta, userID),
		"Content-Type":  w.FormDataContentType(),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var result map[string]any
	decodeJSON(t, resp, &result)
	return result
}

// decodeJSON parses response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// assertErrorCode checks the code of an error envelope.
func assertErrorCode(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	if errObj["code"] != expected {
		t.Errorf("expected error code %q, got %v", expected, errObj["code"])
	}
}

// eventually polls cond until it holds or the timeout passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
