package imaging

import (
	"context"
	"strconv"
	"strings"

	"github.com/jacktea/xgimage/pkg/index"
	"github.com/jacktea/xgimage/pkg/naming"
	"github.com/jacktea/xgimage/pkg/queue"
	"github.com/jacktea/xgimage/pkg/xerrors"
)

// IngestResult identifies a stored original.
type IngestResult struct {
	Identifier  string `json:"identifier"`
	OriginalKey string `json:"original_key"`
}

// stage is one side effect of ingestion. Stages run in order and stop at
// the first failure; completed stages are not rolled back.
type stage struct {
	name string
	run  func(ctx context.Context) error
}

func runStages(ctx context.Context, key string, stages []stage) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return xerrors.Wrap(xerrors.KindStoreUnavailable, "ingest."+st.name, key, err)
		}
		if err := st.run(ctx); err != nil {
			return xerrors.Wrap(xerrors.KindStoreUnavailable, "ingest."+st.name, key, err)
		}
	}
	return nil
}

// Ingest stores data as a new original and queues its precompute job. The
// content write precedes the index write, which precedes the publish.
func (s *Service) Ingest(ctx context.Context, data []byte, contentType, fileName string) (IngestResult, error) {
	switch {
	case len(data) == 0:
		return IngestResult{}, xerrors.E(xerrors.KindInvalidInput, "ingest", "content is empty")
	case strings.TrimSpace(contentType) == "":
		return IngestResult{}, xerrors.E(xerrors.KindInvalidInput, "ingest", "content type is required")
	case strings.TrimSpace(fileName) == "":
		return IngestResult{}, xerrors.E(xerrors.KindInvalidInput, "ingest", "file name is required")
	}
	ext := s.opts.Naming.ExtensionFromKey(fileName)
	if !validExtension(ext) {
		return IngestResult{}, xerrors.E(xerrors.KindInvalidInput, "ingest", "file extension "+strconv.Quote(ext))
	}
	id := strings.ToLower(s.opts.NewID())
	if id == "" || strings.Contains(id, "_") {
		return IngestResult{}, xerrors.E(xerrors.KindInternal, "ingest", "identifier "+id)
	}
	key := s.opts.Naming.StorageKey(id, naming.Original, ext)
	created := s.opts.Now().UTC()

	width, height, err := s.opts.Codec.Dimensions(data)
	if err != nil {
		s.opts.Logger.Debug().Err(err).Str("key", key).Msg("dimensions unavailable")
		width, height = 0, 0
	}

	props := map[string]any{
		index.PropFileName:         key,
		index.PropOriginalFileName: fileName,
		index.PropContentType:      contentType,
		index.PropExtension:        ext,
		index.PropFileSize:         int64(len(data)),
		index.PropCreatedOn:        created.Format(timeLayout),
	}
	if width > 0 && height > 0 {
		props[index.PropWidth] = width
		props[index.PropHeight] = height
	}
	job := queue.Job{
		Identifier:  id,
		OriginalKey: key,
		ContentType: contentType,
		FileName:    fileName,
		FileSize:    int64(len(data)),
		Width:       width,
		Height:      height,
		Versions:    s.versionKeys(),
		CreatedOn:   created,
	}

	err = runStages(ctx, key, []stage{
		{name: "content", run: func(ctx context.Context) error {
			return s.opts.Content.Put(ctx, key, data, contentType)
		}},
		{name: "index", run: func(ctx context.Context) error {
			_, err := s.opts.Index.Upsert(ctx, index.Entity{PartitionKey: id, RowKey: naming.Original, Properties: props})
			return err
		}},
		{name: "queue", run: func(ctx context.Context) error {
			return s.opts.Queue.Publish(ctx, job)
		}},
	})
	if err != nil {
		s.opts.Logger.Error().Err(err).Str("key", key).Msg("ingest failed")
		return IngestResult{}, err
	}
	s.opts.Logger.Debug().Str("identifier", id).Str("key", key).Int("size", len(data)).Msg("ingested")
	return IngestResult{Identifier: id, OriginalKey: key}, nil
}

// validExtension accepts lower-case ASCII letters and digits only, so the
// storage key stays a single safe path segment.
func validExtension(ext string) bool {
	if ext == "" || len(ext) > 16 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// versionKeys lists the variant keys of the configured versions, in the
// form GetVariant derives them.
func (s *Service) versionKeys() []string {
	if len(s.opts.Versions) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.opts.Versions))
	for _, v := range s.opts.Versions {
		_, variant, _ := s.resolve("", v.Format, v.Quality, v.Width, v.Height)
		keys = append(keys, variant)
	}
	return keys
}
