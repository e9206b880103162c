package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sendrec/watchparty/internal/storage"
)

type fakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deleted []string
	putErr  error
}

func newFakeObjectStorage() *fakeObjectStorage {
	return &fakeObjectStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeObjectStorage) Put(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

func (f *fakeObjectStorage) ResolveDownloadURL(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return "https://storage.example.com/" + key + "?X-Amz-Signature=abc", nil
}

func (f *fakeObjectStorage) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type failingRepository struct {
	*MemoryRepository
}

func (failingRepository) Create(context.Context, string, State) error {
	return errors.New("connection refused")
}

type handlerFixture struct {
	service *Service
	hub     *Hub
	storage *fakeObjectStorage
	router  chi.Router
}

func newHandlerFixture(t *testing.T, repo Repository, maxUpload int64) *handlerFixture {
	t.Helper()
	hub := NewHub()
	svc := NewService(repo, hub)
	store := newFakeObjectStorage()
	h := NewHandler(svc, store, maxUpload)

	r := chi.NewRouter()
	r.Post("/api/sessions", h.Create)
	r.Get("/api/sessions/{id}", h.Get)
	r.Put("/api/sessions/{id}", h.Put)
	r.Get("/api/sessions/{id}/events", h.Events)
	r.Get("/api/media", h.Media)
	return &handlerFixture{service: svc, hub: hub, storage: store, router: r}
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, contentType string, payload []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="movie.mp4"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(payload)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreate_StoresUploadAndOpensSession(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 1024)

	rec := f.do(uploadRequest(t, "video/webm", []byte("fake webm bytes")))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !ValidID(resp.ID) {
		t.Errorf("expected a valid session id, got %q", resp.ID)
	}
	wantKey := "movies/" + resp.ID + ".webm"
	if resp.State.URL != wantKey || resp.State.Time != 0 || resp.State.Playing {
		t.Errorf("unexpected initial state %+v", resp.State)
	}
	if got := string(f.storage.objects[wantKey]); got != "fake webm bytes" {
		t.Errorf("expected upload stored under %s, got %q", wantKey, got)
	}
	if f.storage.types[wantKey] != "video/webm" {
		t.Errorf("expected content type kept, got %q", f.storage.types[wantKey])
	}

	stored, err := f.service.Get(context.Background(), resp.ID)
	if err != nil || stored != resp.State {
		t.Errorf("expected stored state %+v, got %+v (%v)", resp.State, stored, err)
	}
}

func TestCreate_RejectsNonVideo(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 1024)

	rec := f.do(uploadRequest(t, "text/plain", []byte("hello")))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if len(f.storage.objects) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestCreate_RejectsOversizedUpload(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 8)

	rec := f.do(uploadRequest(t, "video/mp4", bytes.Repeat([]byte("x"), 64)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if len(f.storage.objects) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestCreate_RequiresFileField(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 1024)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"file":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreate_RemovesUploadWhenSessionFails(t *testing.T) {
	f := newHandlerFixture(t, failingRepository{NewMemoryRepository()}, 1024)

	rec := f.do(uploadRequest(t, "video/mp4", []byte("movie")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(f.storage.objects) != 0 || len(f.storage.deleted) != 1 {
		t.Errorf("expected orphaned upload removed, objects=%d deleted=%v", len(f.storage.objects), f.storage.deleted)
	}
}

func TestCreate_StorageFailure(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 1024)
	f.storage.putErr = errors.New("bucket unavailable")

	if rec := f.do(uploadRequest(t, "video/mp4", []byte("movie"))); rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func createSession(t *testing.T, f *handlerFixture) (string, State) {
	t.Helper()
	id := NewID()
	state, err := f.service.Create(context.Background(), id, MediaKey(id, "video/mp4"))
	if err != nil {
		t.Fatal(err)
	}
	return id, state
}

func TestGet(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 0)
	id, state := createSession(t, f)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"existing", "/api/sessions/" + id, http.StatusOK},
		{"unknown", "/api/sessions/" + NewID(), http.StatusNotFound},
		{"malformed", "/api/sessions/not-a-session", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status != http.StatusOK {
				return
			}
			got, err := Decode(rec.Body.Bytes())
			if err != nil || got != state {
				t.Errorf("expected %+v, got %+v (%v)", state, got, err)
			}
		})
	}
}

func TestPut_ReplacesAndNotifies(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 0)
	id, state := createSession(t, f)

	var notified []State
	unsubscribe, _ := f.hub.Subscribe(id, func(s State) { notified = append(notified, s) })
	defer unsubscribe()

	body := fmt.Sprintf(`{"time":12.5,"playing":true,"url":%q,"updatedAt":%d,"origin":"viewer-1"}`, state.URL, state.UpdatedAt+500)
	rec := f.do(httptest.NewRequest(http.MethodPut, "/api/sessions/"+id, strings.NewReader(body)))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	want := State{Time: 12.5, Playing: true, URL: state.URL, UpdatedAt: state.UpdatedAt + 500, Origin: "viewer-1"}
	if len(notified) != 1 || notified[0] != want {
		t.Errorf("expected notification %+v, got %+v", want, notified)
	}
}

func TestPut_RejectsInvalidDocuments(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 0)
	id, _ := createSession(t, f)

	bodies := map[string]string{
		"missing playing": `{"time":1,"url":"movies/a.mp4","updatedAt":1}`,
		"string time":     `{"time":"1","playing":true,"url":"movies/a.mp4","updatedAt":1}`,
		"negative time":   `{"time":-1,"playing":true,"url":"movies/a.mp4","updatedAt":1}`,
		"not json":        `time=1`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodPut, "/api/sessions/"+id, strings.NewReader(body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestPut_UnknownSession(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 0)
	body := `{"time":1,"playing":false,"url":"movies/a.mp4","updatedAt":1}`

	rec := f.do(httptest.NewRequest(http.MethodPut, "/api/sessions/"+NewID(), strings.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMedia(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 1024)
	f.storage.objects["movies/abc.mp4"] = []byte("movie")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media?key=movies/abc.mp4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp mediaResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if !strings.HasPrefix(resp.URL, "https://storage.example.com/movies/abc.mp4") {
		t.Errorf("unexpected url %q", resp.URL)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media?key=movies/gone.mp4", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing blob, got %d", rec.Code)
	}
	for _, key := range []string{"", "secrets/abc.mp4", "movies/", "movies/../x", "movies/a/b.mp4"} {
		if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/media?key="+key, nil)); rec.Code != http.StatusBadRequest {
			t.Errorf("key %q: expected 400, got %d", key, rec.Code)
		}
	}
}

func TestEvents_WithoutStreamer(t *testing.T) {
	f := newHandlerFixture(t, NewMemoryRepository(), 0)

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/sessions/bad/events", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/sessions/"+NewID()+"/events", nil)); rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", rec.Code)
	}
}
