package player

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sendrec/watchparty/internal/playback"
)

var ErrClosed = errors.New("mpv connection closed")

const (
	DefaultCommandTimeout = 5 * time.Second
	// DefaultLoadTimeout bounds how long Load waits for mpv to open a file
	// and become seekable.
	DefaultLoadTimeout = 30 * time.Second

	pauseObserverID = 1
)

type mpvRequest struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type mpvMessage struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"event"`
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Reason    string          `json:"reason"`
	FileError string          `json:"file_error"`
}

type mpvReply struct {
	data json.RawMessage
	err  error
}

// MPV drives an mpv instance over its JSON IPC socket
// (mpv --input-ipc-server=<path>).
type MPV struct {
	conn        net.Conn
	logger      *slog.Logger
	timeout     time.Duration
	loadTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan mpvReply
	listener func(playback.Event)
	closed   bool

	// pause tracks the last observed value of the pause property; the first
	// observation only seeds it.
	pauseKnown bool
	paused     bool
	// loading swallows the playback-restart that follows loadfile; loaded
	// receives the outcome of the pending Load.
	loading atomic.Bool
	loaded  chan error

	done chan struct{}
}

func DialMPV(ctx context.Context, socketPath string, logger *slog.Logger) (*MPV, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial mpv socket %s: %w", socketPath, err)
	}
	m, err := NewMPV(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

// NewMPV takes ownership of conn and starts observing the player.
func NewMPV(conn net.Conn, logger *slog.Logger) (*MPV, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MPV{
		conn:        conn,
		logger:      logger,
		timeout:     DefaultCommandTimeout,
		loadTimeout: DefaultLoadTimeout,
		pending:     make(map[int64]chan mpvReply),
		done:        make(chan struct{}),
	}
	go m.readLoop()

	if _, err := m.command("observe_property", pauseObserverID, "pause"); err != nil {
		m.Close()
		return nil, fmt.Errorf("observe pause: %w", err)
	}
	return m, nil
}

func (m *MPV) OnEvent(fn func(playback.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = fn
}

// Done is closed once the connection to mpv is gone.
func (m *MPV) Done() <-chan struct{} {
	return m.done
}

func (m *MPV) Close() error {
	return m.conn.Close()
}

func (m *MPV) Position() (float64, error) {
	data, err := m.command("get_property", "time-pos")
	if err != nil {
		if isUnavailable(err) {
			return 0, nil
		}
		return 0, err
	}
	var pos float64
	if err := json.Unmarshal(data, &pos); err != nil {
		return 0, fmt.Errorf("decode time-pos: %w", err)
	}
	return pos, nil
}

func (m *MPV) Paused() (bool, error) {
	data, err := m.command("get_property", "pause")
	if err != nil {
		return false, err
	}
	var paused bool
	if err := json.Unmarshal(data, &paused); err != nil {
		return false, fmt.Errorf("decode pause: %w", err)
	}
	return paused, nil
}

func (m *MPV) Seek(seconds float64) error {
	_, err := m.command("seek", strconv.FormatFloat(seconds, 'f', 3, 64), "absolute")
	return err
}

func (m *MPV) Play() error {
	_, err := m.command("set_property", "pause", false)
	return err
}

func (m *MPV) Pause() error {
	_, err := m.command("set_property", "pause", true)
	return err
}

// Load pauses the player and replaces the current file with url. It returns
// once mpv has opened the file and restarted playback, when time-pos is
// available and seeks are accepted.
func (m *MPV) Load(url string) error {
	if err := m.Pause(); err != nil {
		return err
	}

	loaded := make(chan error, 1)
	m.mu.Lock()
	m.loaded = loaded
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.loaded == loaded {
			m.loaded = nil
		}
		m.mu.Unlock()
	}()

	m.loading.Store(true)
	if _, err := m.command("loadfile", url, "replace"); err != nil {
		m.loading.Store(false)
		return fmt.Errorf("loadfile: %w", err)
	}

	timer := time.NewTimer(m.loadTimeout)
	defer timer.Stop()
	select {
	case err := <-loaded:
		return err
	case <-m.done:
		return ErrClosed
	case <-timer.C:
		m.loading.Store(false)
		return fmt.Errorf("loadfile %s: timed out waiting for playback", url)
	}
}

func (m *MPV) finishLoad(err error) {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = nil
	m.mu.Unlock()
	if loaded != nil {
		loaded <- err
	}
}

type mpvError string

func (e mpvError) Error() string { return "mpv: " + string(e) }

func isUnavailable(err error) bool {
	var me mpvError
	return errors.As(err, &me) && me == "property unavailable"
}

func (m *MPV) command(args ...any) (json.RawMessage, error) {
	id := m.nextID.Add(1)
	reply := make(chan mpvReply, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pending[id] = reply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	line, err := json.Marshal(mpvRequest{Command: args, RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("encode mpv command: %w", err)
	}
	line = append(line, '\n')

	m.writeMu.Lock()
	_, err = m.conn.Write(line)
	m.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write mpv command: %w", err)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r.data, r.err
	case <-m.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, fmt.Errorf("mpv command %v: timed out", args[0])
	}
}

func (m *MPV) readLoop() {
	defer m.shutdown()

	scanner := bufio.NewScanner(m.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg mpvMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			m.logger.Warn("invalid mpv message", "error", err)
			continue
		}
		if msg.Event != "" {
			m.handleEvent(msg)
			continue
		}
		m.resolve(msg)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		m.logger.Warn("mpv connection failed", "error", err)
	}
}

func (m *MPV) resolve(msg mpvMessage) {
	m.mu.Lock()
	reply, ok := m.pending[msg.RequestID]
	m.mu.Unlock()
	if !ok {
		return
	}
	r := mpvReply{data: msg.Data}
	if msg.Error != "" && msg.Error != "success" {
		r.err = mpvError(msg.Error)
	}
	reply <- r
}

func (m *MPV) handleEvent(msg mpvMessage) {
	switch msg.Event {
	case "property-change":
		if msg.ID != pauseObserverID {
			return
		}
		var paused bool
		if err := json.Unmarshal(msg.Data, &paused); err != nil {
			return
		}
		m.mu.Lock()
		first := !m.pauseKnown
		changed := m.paused != paused
		m.pauseKnown = true
		m.paused = paused
		m.mu.Unlock()
		if first || !changed {
			return
		}
		if paused {
			m.emit(playback.EventPause)
		} else {
			m.emit(playback.EventPlay)
		}
	case "playback-restart":
		if m.loading.CompareAndSwap(true, false) {
			m.finishLoad(nil)
			return
		}
		m.emit(playback.EventSeeked)
	case "end-file":
		if msg.Reason == "error" && m.loading.CompareAndSwap(true, false) {
			m.finishLoad(mpvError("loading file failed: " + msg.FileError))
			return
		}
		m.logger.Debug("mpv file ended", "reason", msg.Reason)
	}
}

func (m *MPV) emit(ev playback.Event) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *MPV) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	close(m.done)
}
