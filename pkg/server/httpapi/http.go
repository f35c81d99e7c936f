// Package httpapi exposes the imaging service over HTTP.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jacktea/xgimage/pkg/blob"
	"github.com/jacktea/xgimage/pkg/codec"
	"github.com/jacktea/xgimage/pkg/imaging"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/server/middleware"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// Images is the imaging surface served over HTTP.
type Images interface {
	Ingest(ctx context.Context, data []byte, contentType, fileName string) (imaging.IngestResult, error)
	GetVariant(ctx context.Context, req imaging.VariantRequest) (imaging.Variant, error)
	Query(ctx context.Context, f imaging.QueryFilter) ([]imaging.Record, error)
}

// Server exposes Images and raw content over HTTP+JSON.
type Server struct {
	Images  Images
	Content blob.Store
	Naming  naming.Scheme
	Log     zerolog.Logger
	Opts    Options
}

// Options configure limits and rate limiting.
type Options struct {
	RateLimit      middleware.RateLimitOptions
	MaxUploadBytes int64
	// CacheMaxAge sets Cache-Control on served images; zero omits it.
	CacheMaxAge time.Duration
}

const defaultMaxUpload = 32 << 20

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.Log.Info().Str("addr", addr).Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Chain(middleware.Logger(s.Log), middleware.RateLimit(s.Opts.RateLimit)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Route("/images", func(r chi.Router) {
		r.Post("/", s.upload)
		r.Get("/", s.query)
		r.Get("/{file}", s.raw)
		r.Get("/{file}/resize", s.resize)
	})
	return r
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	limit := s.Opts.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUpload
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			http.Error(w, "multipart/form-data required", http.StatusUnsupportedMediaType)
			return
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	var results []imaging.IngestResult
	for _, field := range fields {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "upload", fh.Filename, err))
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "upload", fh.Filename, err))
				return
			}
			contentType := fh.Header.Get("Content-Type")
			if contentType == "" || contentType == "application/octet-stream" {
				contentType = http.DetectContentType(data)
			}
			res, err := s.Images.Ingest(r.Context(), data, contentType, fh.Filename)
			if err != nil {
				httpError(w, err)
				return
			}
			results = append(results, res)
		}
	}
	if len(results) == 0 {
		http.Error(w, "no files in upload", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) raw(w http.ResponseWriter, r *http.Request) {
	file := strings.ToLower(chi.URLParam(r, "file"))
	data, err := s.Content.Get(r.Context(), file)
	if err != nil {
		httpError(w, err)
		return
	}
	ext := s.Naming.ExtensionFromKey(file)
	contentType, ok := codec.MimeType(ext)
	if !ok {
		contentType = mime.TypeByExtension("." + ext)
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	s.cacheHeaders(w)
	http.ServeContent(w, r, file, time.Time{}, bytes.NewReader(data))
}

func (s *Server) resize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := imaging.VariantRequest{
		Source:   chi.URLParam(r, "file"),
		Format:   q.Get("format"),
		UseCache: true,
	}
	var err error
	if req.Width, err = intParam(q.Get("width")); err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "resize", "width", err))
		return
	}
	if req.Height, err = intParam(q.Get("height")); err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "resize", "height", err))
		return
	}
	if req.Quality, err = intParam(q.Get("quality")); err != nil {
		httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "resize", "quality", err))
		return
	}
	if raw := q.Get("cache"); raw != "" {
		if req.UseCache, err = strconv.ParseBool(raw); err != nil {
			httpError(w, xerrors.Wrap(xerrors.KindInvalidInput, "resize", "cache", err))
			return
		}
	}
	v, err := s.Images.GetVariant(r.Context(), req)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", v.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(v.Data)))
	w.Header().Set("X-Variant-Key", v.Key)
	if v.Cached {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	s.cacheHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write(v.Data)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := s.Images.Query(r.Context(), imaging.QueryFilter{
		Identifier: q.Get("identifier"),
		Variant:    q.Get("variant"),
		FileName:   q.Get("file"),
	})
	if err != nil {
		httpError(w, err)
		return
	}
	if records == nil {
		records = []imaging.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) cacheHeaders(w http.ResponseWriter) {
	if s.Opts.CacheMaxAge > 0 {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.Opts.CacheMaxAge.Seconds())))
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindInvalidInput, xerrors.KindInvalidDimensions, xerrors.KindMalformedKey:
		status = http.StatusBadRequest
	case xerrors.KindNotFound, xerrors.KindSourceNotFound:
		status = http.StatusNotFound
	case xerrors.KindTransformFailed:
		status = http.StatusUnprocessableEntity
	case xerrors.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
