package reconciler

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskroom/domain"
	"taskroom/internal/consts"
	"taskroom/realtime"
)

// ErrNotFound is returned when a mutation targets a task the server no
// longer has.
var ErrNotFound = errors.New("task not found")

const reconnectDelay = time.Second

// Client keeps a TaskSet synchronized with a taskroom server. It owns one
// websocket connection and issues mutations over the REST API, tagging them
// with its connection ID so the server suppresses the self-echo.
//
// Reconnect is a fresh session: a new connection, a re-join and a full
// re-fetch. Nothing is replayed.
type Client struct {
	baseURL string
	token   string
	room    string
	httpc   *http.Client
	logger  *log.Logger
	set     *TaskSet

	mu     sync.RWMutex
	connID string
}

// New creates a client for the server at baseURL (e.g. "http://host:8080")
// authenticating with the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		room:    consts.DefaultRoom,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		logger:  log.StandardLogger(),
		set:     NewTaskSet(),
	}
}

// Tasks returns the local view this client maintains.
func (c *Client) Tasks() *TaskSet {
	return c.set
}

// ConnectionID returns the server-assigned ID of the current realtime
// connection, or "" when disconnected.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// Run connects and serves sessions until ctx is cancelled, reconnecting
// after channel loss. Each lost session invalidates the local view; the
// next session re-fetches before trusting events again.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warnf("session ended: %v", err)
		}
		c.set.Invalidate()
		c.setConnID("")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(reconnectDelay)
	}
}

func (c *Client) session(ctx context.Context) error {
	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}
	sock, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer stop()
	defer sock.Close()

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return err
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debugf("bad frame: %v", err)
			continue
		}
		switch frame.Type {
		case realtime.FrameConnected:
			c.setConnID(frame.ConnectionID)
			join, err := json.Marshal(realtime.Frame{Type: realtime.FrameJoinRoom, RoomID: c.room})
			if err != nil {
				return err
			}
			if err := sock.WriteMessage(websocket.TextMessage, join); err != nil {
				return err
			}
			// Authoritative fetch before trusting any event.
			tasks, err := c.fetchTasks(ctx)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
			c.set.Reset(tasks)
		case domain.TaskCreated, domain.TaskUpdated, domain.TaskDeleted:
			c.set.Apply(domain.Envelope{
				Kind:   frame.Type,
				RoomID: frame.RoomID,
				Task:   frame.Task,
				TaskID: frame.TaskID,
			})
		}
	}
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setConnID(id string) {
	c.mu.Lock()
	c.connID = id
	c.mu.Unlock()
}

// CreateTask describes a new task to be created.
type CreateTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Create issues a create mutation and records the server's authoritative
// response locally.
func (c *Client) Create(ctx context.Context, req CreateTask) (domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, http.StatusCreated, &task); err != nil {
		return domain.Task{}, err
	}
	c.set.Put(task)
	return task, nil
}

// Update issues a partial update and records the full post-mutation task.
func (c *Client) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), patch, http.StatusOK, &task); err != nil {
		return domain.Task{}, err
	}
	c.set.Put(task)
	return task, nil
}

// Delete removes a task.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.set.Remove(id)
	return nil
}

// Fetch retrieves the full collection and replaces the local view with it.
func (c *Client) Fetch(ctx context.Context) ([]domain.Task, error) {
	tasks, err := c.fetchTasks(ctx)
	if err != nil {
		return nil, err
	}
	c.set.Reset(tasks)
	return tasks, nil
}

func (c *Client) fetchTasks(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, http.StatusOK, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, wantStatus int, dst any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if connID := c.ConnectionID(); connID != "" {
		req.Header.Set("X-Connection-Id", connID)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
