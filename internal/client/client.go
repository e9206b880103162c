// Package client talks to a watchparty server: it is the session store and
// media resolver of a joined viewer, and uploads movies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sendrec/watchparty/internal/httputil"
	"github.com/sendrec/watchparty/internal/session"
	"github.com/sendrec/watchparty/internal/storage"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
	// DefaultRequestTimeout bounds every request except uploads.
	DefaultRequestTimeout = 15 * time.Second
)

type Client struct {
	baseURL    string
	http       *http.Client
	upload     *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	clock      clockwork.Clock
	minBackoff time.Duration
	maxBackoff time.Duration
}

func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: DefaultRequestTimeout},
		upload:     &http.Client{},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
		clock:      clockwork.NewRealClock(),
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
	}
}

// SetTimeout changes the limit on state and media requests.
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// SetBackoff bounds the delay between event stream reconnects.
func (c *Client) SetBackoff(min, max time.Duration) {
	c.minBackoff = min
	c.maxBackoff = max
}

func (c *Client) Get(ctx context.Context, id string) (session.State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(id), nil)
	if err != nil {
		return session.State{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return session.State{}, fmt.Errorf("get session %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return session.State{}, fmt.Errorf("get session %s: %w", id, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return session.State{}, fmt.Errorf("read session %s: %w", id, err)
	}
	return session.Decode(data)
}

func (c *Client) Put(ctx context.Context, id string, state session.State) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.sessionURL(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put session %s: %w", id, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusNoContent); err != nil {
		return fmt.Errorf("put session %s: %w", id, err)
	}
	return nil
}

// ResolveDownloadURL asks the server for a fetchable URL of a media key.
func (c *Client) ResolveDownloadURL(ctx context.Context, key string) (string, error) {
	endpoint := c.baseURL + "/api/media?key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve media %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", fmt.Errorf("resolve media %s: %w", key, err)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("resolve media %s: empty url", key)
	}
	return body.URL, nil
}

type CreatedSession struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
}

// Upload streams the file at path to the server and returns the new session.
func (c *Client) Upload(ctx context.Context, path string) (CreatedSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return CreatedSession{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	contentType := contentTypeFor(path)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		hdr.Set("Content-Type", contentType)
		part, err := mw.CreatePart(hdr)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sessions", pr)
	if err != nil {
		pr.Close()
		return CreatedSession{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.upload.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return CreatedSession{}, fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusCreated); err != nil {
		return CreatedSession{}, fmt.Errorf("upload %s: %w", path, err)
	}

	var created CreatedSession
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return CreatedSession{}, fmt.Errorf("decode upload response: %w", err)
	}
	return created, nil
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := videoTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Subscribe follows the session's event stream and calls fn with every
// state, starting with the current one. The stream is re-established with
// backoff when it drops. It fails immediately only if the first connection
// cannot be made.
func (c *Client) Subscribe(ctx context.Context, id string, fn func(session.State)) (func(), error) {
	conn, err := c.dial(ctx, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.follow(ctx, id, conn, fn)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (c *Client) follow(ctx context.Context, id string, conn *websocket.Conn, fn func(session.State)) {
	backoff := c.minBackoff
	for {
		if conn != nil {
			c.read(ctx, id, conn, fn)
			backoff = c.minBackoff
		}
		if ctx.Err() != nil {
			return
		}

		c.logger.Info("reconnecting to session events", "session_id", id, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)

		var err error
		conn, err = c.dial(ctx, id)
		if err != nil {
			c.logger.Warn("failed to reconnect to session events", "session_id", id, "error", err)
			conn = nil
		}
	}
}

// read delivers states until the connection drops or ctx is done.
func (c *Client) read(ctx context.Context, id string, conn *websocket.Conn, fn func(session.State)) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("session event stream dropped", "session_id", id, "error", err)
			}
			return
		}
		state, err := session.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed session state", "session_id", id, "error", err)
			continue
		}
		fn(state)
	}
}

func (c *Client) dial(ctx context.Context, id string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(c.sessionURL(id), "http") + "/events"
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if statusErr := checkStatus(resp, http.StatusSwitchingProtocols); statusErr != nil {
				return nil, fmt.Errorf("subscribe session %s: %w", id, statusErr)
			}
		}
		return nil, fmt.Errorf("subscribe session %s: %w", id, err)
	}
	return conn, nil
}

func (c *Client) sessionURL(id string) string {
	return c.baseURL + "/api/sessions/" + url.PathEscape(id)
}

// StatusError is a non-success reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return session.ErrNotFound
	}
	return &StatusError{Code: resp.StatusCode, Message: httputil.ReadError(resp)}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
