package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/imaging"
	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/queue"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

func newTestServer(t *testing.T) (*Server, *blob.MemoryStore) {
	t.Helper()
	content := blob.NewMemoryStore()
	svc, err := imaging.New(imaging.Options{
		Content: content,
		Index:   index.NewMemoryStore(),
		Queue:   queue.NewMemoryQueue(),
		Codec:   codec.NewImaging(codec.DefaultFormats()),
		NewID:   func() string { return "img1" },
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &Server{Images: svc, Content: content}, content
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	for x := 0; x < 20; x++ {
		img.Set(x, 5, color.RGBA{B: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, fileName, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	part.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func upload(t *testing.T, handler http.Handler, fileName string, data []byte) imaging.IngestResult {
	t.Helper()
	body, ct := multipartBody(t, fileName, "image/png", data)
	req := httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var results []imaging.IngestResult
	if err := json.Unmarshal(rr.Body.Bytes(), &results); err != nil || len(results) != 1 {
		t.Fatalf("decode upload response: %v %s", err, rr.Body.String())
	}
	return results[0]
}

func TestUploadAndServeRaw(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	data := pngBytes(t)
	res := upload(t, handler, "Photo.PNG", data)
	if res.OriginalKey != "img1_original.png" {
		t.Fatalf("unexpected key %s", res.OriginalKey)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/IMG1_original.png", nil))
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), data) {
		t.Fatalf("raw get: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
}

func TestResizeMissThenHit(t *testing.T) {
	srv, content := newTestServer(t)
	handler := srv.Handler()
	res := upload(t, handler, "photo.png", pngBytes(t))
	url := "/images/" + res.OriginalKey + "/resize?width=10&format=jpeg&quality=80"
	for _, want := range []string{"miss", "hit"} {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, url, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("resize: %d %s", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("X-Cache"); got != want {
			t.Fatalf("expected X-Cache %s, got %s", want, got)
		}
		if rr.Header().Get("Content-Type") != "image/jpeg" || rr.Header().Get("X-Variant-Key") != "img1_jpeg_80_10x0.jpeg" {
			t.Fatalf("unexpected headers %v", rr.Header())
		}
	}
	if ok, _ := content.Exists(context.Background(), "img1_jpeg_80_10x0.jpeg"); !ok {
		t.Fatalf("expected cached variant")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/"+res.OriginalKey+"/resize?height=4&format=png&cache=false", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("X-Cache") != "miss" {
		t.Fatalf("uncached resize: %d %s", rr.Code, rr.Header().Get("X-Cache"))
	}
	if ok, _ := content.Exists(context.Background(), "img1_png_85_0x4.png"); ok {
		t.Fatalf("expected no write with cache=false")
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	res := upload(t, handler, "photo.png", pngBytes(t))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images?file="+res.OriginalKey, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("query: %d", rr.Code)
	}
	var records []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil || len(records) != 1 {
		t.Fatalf("decode: %v %s", err, rr.Body.String())
	}
	for _, internal := range index.InternalFields() {
		if _, ok := records[0][internal]; ok {
			t.Fatalf("leaked %s", internal)
		}
	}
	if records[0]["identifier"] != "img1" || records[0]["variant"] != "original" {
		t.Fatalf("unexpected record %v", records[0])
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images?identifier=none", nil))
	if rr.Code != http.StatusOK || bytes.TrimSpace(rr.Body.Bytes())[0] != '[' {
		t.Fatalf("expected empty list, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	upload(t, handler, "broken.png", []byte("not really a png"))
	cases := []struct {
		method, url string
		want        int
	}{
		{http.MethodGet, "/images/img1_original.png/resize?width=0&height=0", http.StatusBadRequest},
		{http.MethodGet, "/images/img1_original.png/resize?width=-1", http.StatusBadRequest},
		{http.MethodGet, "/images/img1_original.png/resize?width=abc", http.StatusBadRequest},
		{http.MethodGet, "/images/img1_original.png/resize?width=5&cache=maybe", http.StatusBadRequest},
		{http.MethodGet, "/images/missing_original.png/resize?width=5", http.StatusNotFound},
		{http.MethodGet, "/images/missing_original.png", http.StatusNotFound},
		{http.MethodGet, "/images/img1_original.png/resize?width=5", http.StatusUnprocessableEntity},
		{http.MethodGet, "/healthz", http.StatusOK},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.url, nil))
		if rr.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.url, tc.want, rr.Code, rr.Body.String())
		}
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/images", bytes.NewBufferString(`{"x":1}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
}

type unavailableImages struct{}

func (unavailableImages) Ingest(context.Context, []byte, string, string) (imaging.IngestResult, error) {
	return imaging.IngestResult{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "ingest.content", "", errors.New("down"))
}

func (unavailableImages) GetVariant(context.Context, imaging.VariantRequest) (imaging.Variant, error) {
	return imaging.Variant{}, xerrors.Wrap(xerrors.KindStoreUnavailable, "variant", "", errors.New("down"))
}

func (unavailableImages) Query(context.Context, imaging.QueryFilter) ([]imaging.Record, error) {
	return nil, errors.New("unexpected")
}

func TestUnavailableMapsTo503(t *testing.T) {
	srv := &Server{Images: unavailableImages{}, Content: blob.NewMemoryStore()}
	handler := srv.Handler()
	body, ct := multipartBody(t, "a.png", "image/png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/a_original.png/resize?width=1", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestResizeRejectsOversizedFit(t *testing.T) {
	srv, content := newTestServer(t)
	handler := srv.Handler()
	res := upload(t, handler, "wide.png", pngBytes(t))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/"+res.OriginalKey+"/resize?height=10000", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a 20000x10000 fit, got %d: %s", rr.Code, rr.Body.String())
	}
	if content.Len() != 1 {
		t.Fatalf("expected no variant stored, got %d blobs", content.Len())
	}
}

func TestUploadRejectsUnsafeExtension(t *testing.T) {
	srv, content := newTestServer(t)
	body, ct := multipartBody(t, "photo.p g", "image/png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/images", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if content.Len() != 0 {
		t.Fatalf("expected nothing stored")
	}
}
