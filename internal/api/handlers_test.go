package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flux-gen-service/internal/enhancer"
	"flux-gen-service/internal/generation"
	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/provider"
	"flux-gen-service/internal/settings"
	"flux-gen-service/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCredential = "sk-or-v1-0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBackend struct {
	image   []byte
	started chan struct{}
	release chan struct{}
}

func (b *stubBackend) Name() string                     { return "mflux" }
func (b *stubBackend) Model() string                    { return "flux-1-schnell" }
func (b *stubBackend) Available(_ context.Context) bool { return true }

func (b *stubBackend) Generate(_ context.Context, p provider.Params) (*provider.Result, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.release != nil {
		<-b.release
	}
	seed := int64(31337)
	if p.Seed != nil {
		seed = *p.Seed
	}
	return &provider.Result{Image: b.image, Seed: seed, Elapsed: time.Second}, nil
}

type stubValidator struct{ reject bool }

func (v stubValidator) ValidateKey(_ context.Context, _ string) error {
	if v.reject {
		return model.Errorf(model.KindValidation, "invalid credential")
	}
	return nil
}

type stubSource struct {
	mu     sync.Mutex
	models []model.ModelInfo
	err    error
}

func (s *stubSource) ListModels(_ context.Context, _ string) ([]model.ModelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models, s.err
}

type stubCompleter struct{ out string }

func (c stubCompleter) Complete(_ context.Context, _ string, _ enhancer.CompletionRequest) (string, error) {
	return c.out, nil
}

type testEnv struct {
	router  *gin.Engine
	backend *stubBackend
	source  *stubSource
	store   *settings.Store
}

func pngImage(t *testing.T) []byte {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func newTestEnv(t *testing.T, credential string, rejectKeys bool) *testEnv {
	t.Helper()
	log := logging.Nop()

	store, err := settings.New(settings.Options{
		InitialCredential: credential,
		BackendName:       "mflux",
		BackendModel:      "flux-1-schnell",
		Validator:         stubValidator{reject: rejectKeys},
		Logger:            log,
	})
	require.NoError(t, err)

	source := &stubSource{models: []model.ModelInfo{{ID: "anthropic/claude-3-haiku", Name: "Claude 3 Haiku"}}}
	catalog := enhancer.NewCatalog(source, store, "", log)
	enh := enhancer.NewEnhancer(stubCompleter{out: "a cat, cinematic lighting"}, store, catalog,
		enhancer.EnhancerOptions{DefaultModel: "anthropic/claude-3-haiku"}, log)

	gallery, err := storage.NewGallery(storage.GalleryOptions{Dir: t.TempDir(), Logger: log})
	require.NoError(t, err)

	backend := &stubBackend{image: pngImage(t)}
	orch := generation.NewOrchestrator(backend, enh, gallery, generation.Options{Timeout: 5 * time.Second, Logger: log})

	h := NewHandler(Deps{
		Settings:     store,
		Catalog:      catalog,
		Generator:    orch,
		Gallery:      gallery,
		DefaultModel: "anthropic/claude-3-haiku",
		Logger:       log,
	})
	return &testEnv{router: NewRouter(h, log), backend: backend, source: source, store: store}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["backendAvailable"])
	assert.Equal(t, "flux-1-schnell", body["backendModelName"])
	assert.Equal(t, false, body["enhancementConfigured"])
	assert.Equal(t, false, body["busy"])
	assert.Equal(t, "idle", body["state"])
}

func TestGetConfigMasksCredential(t *testing.T) {
	env := newTestEnv(t, testCredential, false)

	w := env.do(http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), testCredential)

	body := decode(t, w)
	assert.Equal(t, true, body["credentialConfigured"])
	assert.Equal(t, "****cdef", body["credentialMasked"])
	assert.Len(t, body["qualityPresets"], 3)
	assert.Len(t, body["resolutionPresets"], 6)
}

func TestUpdateConfig(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/config", gin.H{"credential": "  " + testCredential + " "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "****cdef", body["credentialMasked"])
	assert.Equal(t, testCredential, env.store.Get().Credential)

	w = env.do(http.MethodPost, "/config", gin.H{"credential": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decode(t, w)["errorKind"])
}

func TestUpdateConfigRejectedKeepsPrior(t *testing.T) {
	env := newTestEnv(t, testCredential, true)

	w := env.do(http.MethodPost, "/config", gin.H{"credential": "sk-or-v1-wrong"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, testCredential, env.store.Get().Credential)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, "", false)
	w := env.do(http.MethodGet, "/models", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Unconfigured", decode(t, w)["errorKind"])

	env = newTestEnv(t, testCredential, false)
	w = env.do(http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["models"], 1)
	assert.Equal(t, false, body["stale"])

	env.source.mu.Lock()
	env.source.err = errors.New("connection reset")
	env.source.mu.Unlock()
	w = env.do(http.MethodGet, "/models?refresh=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["models"], 1)
	assert.Equal(t, true, body["stale"])
}

func TestModelsUnavailableWithoutCache(t *testing.T) {
	env := newTestEnv(t, testCredential, false)
	env.source.err = errors.New("dial tcp: connection refused")

	w := env.do(http.MethodGet, "/models", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "CatalogUnavailable", decode(t, w)["errorKind"])
}

func TestEnhance(t *testing.T) {
	env := newTestEnv(t, testCredential, false)
	w := env.do(http.MethodPost, "/enhance", gin.H{"prompt": "a cat", "model": ""})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "a cat", body["original"])
	assert.Equal(t, "a cat, cinematic lighting", body["enhanced"])

	w = env.do(http.MethodPost, "/enhance", gin.H{"prompt": "ab"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decode(t, w)["errorKind"])
}

func TestEnhanceUnconfiguredRegardlessOfPrompt(t *testing.T) {
	env := newTestEnv(t, "", false)
	for _, prompt := range []string{"a cat", "ab"} {
		w := env.do(http.MethodPost, "/enhance", gin.H{"prompt": prompt})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Unconfigured", body["errorKind"], prompt)
		assert.Equal(t, "enhance", body["stage"])
	}
}

func TestGenerateAndGalleryRoundTrip(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat", "width": 1344, "height": 768, "qualityPreset": "standard"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])

	img, err := base64.StdEncoding.DecodeString(body["imageBytesBase64"].(string))
	require.NoError(t, err)
	assert.Equal(t, env.backend.image, img)

	meta := body["metadata"].(map[string]any)
	assert.EqualValues(t, 4, meta["steps"])
	assert.EqualValues(t, 3.5, meta["guidance"])
	assert.EqualValues(t, 31337, meta["seed"])
	assert.EqualValues(t, 1344, meta["width"])
	assert.NotContains(t, body, "warning")

	filename := body["filename"].(string)
	assert.Equal(t, "/outputs/"+filename, body["imageUrl"])

	w = env.do(http.MethodGet, "/outputs/"+filename, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, env.backend.image, w.Body.Bytes())

	w = env.do(http.MethodGet, "/gallery", nil)
	require.Equal(t, http.StatusOK, w.Code)
	images := decode(t, w)["images"].([]any)
	require.Len(t, images, 1)
	assert.Equal(t, filename, images[0].(map[string]any)["filename"])

	w = env.do(http.MethodDelete, "/gallery/"+filename, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["success"])

	w = env.do(http.MethodDelete, "/gallery/"+filename, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decode(t, w)["errorKind"])

	w = env.do(http.MethodGet, "/outputs/"+filename, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat", "qualityPreset": "ultra"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "ValidationError", body["errorKind"])
	assert.Equal(t, "validate", body["stage"])

	w = env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat", "width": 640, "height": 480})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateUnconfiguredEnhancement(t *testing.T) {
	env := newTestEnv(t, "", false)

	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat", "enhancePrompt": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Unconfigured", body["errorKind"])
	assert.Equal(t, "enhance", body["stage"])

	w = env.do(http.MethodGet, "/gallery", nil)
	assert.Empty(t, decode(t, w)["images"])
}

func TestGenerateWithEnhancement(t *testing.T) {
	env := newTestEnv(t, testCredential, false)

	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat", "enhancePrompt": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "a cat, cinematic lighting", body["enhancedPrompt"])
	assert.Equal(t, "a cat, cinematic lighting", body["metadata"].(map[string]any)["prompt"])
}

func TestGenerateBusy(t *testing.T) {
	env := newTestEnv(t, "", false)
	env.backend.started = make(chan struct{}, 1)
	env.backend.release = make(chan struct{})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/generate", gin.H{"prompt": "first"})
	}()
	<-env.backend.started

	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "second"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.Equal(t, "Busy", decode(t, w)["errorKind"])

	w = env.do(http.MethodGet, "/health", nil)
	assert.Equal(t, true, decode(t, w)["busy"])

	close(env.backend.release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestExportGallery(t *testing.T) {
	env := newTestEnv(t, "", false)
	w := env.do(http.MethodPost, "/generate", gin.H{"prompt": "a cat"})
	require.Equal(t, http.StatusOK, w.Code)
	filename := decode(t, w)["filename"].(string)

	w = env.do(http.MethodPost, "/gallery/export", gin.H{"filenames": []string{filename, "flux_19990101_000000.png"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, "true", w.Header().Get("X-Export-Partial"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{filename, strings.TrimSuffix(filename, ".png") + ".json", "missing.txt"}, names)

	w = env.do(http.MethodPost, "/gallery/export", gin.H{"filenames": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMiddleware(t *testing.T) {
	env := newTestEnv(t, "", false)

	req := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = env.do(http.MethodGet, "/health", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind model.Kind
		want int
	}{
		{model.KindValidation, http.StatusBadRequest},
		{model.KindUnconfigured, http.StatusBadRequest},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindBusy, http.StatusTooManyRequests},
		{model.KindInvalidParameters, http.StatusUnprocessableEntity},
		{model.KindEnhancementFailed, http.StatusBadGateway},
		{model.KindCatalogUnavailable, http.StatusBadGateway},
		{model.KindBackendUnavailable, http.StatusServiceUnavailable},
		{model.KindGenerationFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := model.NewError(tt.kind, "boom", errors.New("cause"))
			assert.Equal(t, tt.want, statusFor(err))
			// 阶段包装不影响状态码
			staged := &generation.StageError{Stage: generation.StageGenerate, Err: err}
			assert.Equal(t, tt.want, statusFor(staged))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
