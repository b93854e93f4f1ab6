package imagesvc

import (
	_ "crypto/sha256" // registers the canonical digest algorithm
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/mkrupp/resizecache/internal/domain"
	context_ "github.com/mkrupp/resizecache/internal/infra/context"
	"github.com/mkrupp/resizecache/internal/infra/logging"
	http_ "github.com/mkrupp/resizecache/internal/infra/transport/http"
	"github.com/mkrupp/resizecache/internal/svc/uploadsvc"
)

// HTTPTransportConfig contains configuration parameters for the HTTP transport layer.
type HTTPTransportConfig struct {
	http_.HTTPTransportConfig

	// UploadMaxSize is the maximum accepted size of a raw image upload.
	UploadMaxSize int64 `env:"UPLOAD_MAX_SIZE" default:"20MiB" size:"true"`

	// BodyMaxSize is the maximum accepted size of a JSON request body.
	BodyMaxSize int64 `env:"BODY_MAX_SIZE" default:"1MiB" size:"true"`

	// CacheMaxAge is announced in Cache-Control for derived images, which never change.
	CacheMaxAge time.Duration `env:"CACHE_MAX_AGE" default:"8760h"`
}

// HTTPTransport handles HTTP requests for the image service.
// It provides endpoints for issuing and receiving uploads, transforming and serving images
// and ingesting object-created events.
type HTTPTransport struct {
	imageSvc  ImageService
	uploadSvc uploadsvc.PresignedUploadIssuer
	apiKey    string
	rawBucket string
	uploadTTL time.Duration
	log       logging.Logger
	cfg       HTTPTransportConfig
	mux       http.Handler
}

var _ http_.HTTPTransport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a new HTTPTransport instance with the given configuration.
// Uploads are issued into rawBucket and remain valid for uploadTTL. Every route except
// the signed upload is guarded by apiKey.
func NewHTTPTransport(
	imageSvc ImageService,
	uploadSvc uploadsvc.PresignedUploadIssuer,
	apiKey string,
	rawBucket string,
	uploadTTL time.Duration,
	cfg HTTPTransportConfig,
) *HTTPTransport {
	ht := &HTTPTransport{
		imageSvc:  imageSvc,
		uploadSvc: uploadSvc,
		apiKey:    apiKey,
		rawBucket: rawBucket,
		uploadTTL: uploadTTL,
		log:       logging.GetLogger("svc.imagesvc.http_transport"),
		cfg:       cfg,
		mux:       nil,
	}

	ht.mux = ht.routes()

	return ht
}

// routes sets up the image service endpoints:
// - POST /uploads: Issue a presigned upload URL
// - PUT /uploads/{object_id}: Receive a raw image through a presigned URL
// - POST /images/{source_id}/transforms: Transform a batch of specs
// - GET /images/{source_id}: Serve one transformation of an image
// - GET /derived/{content_key}: Serve a derived image by content key
// - POST /events/object-created: Ingest storage notifications
func (ht *HTTPTransport) routes() http.Handler {
	guarded := http.NewServeMux()
	guarded.HandleFunc("POST /uploads", ht.HandleIssueUpload)
	guarded.HandleFunc("POST /images/{source_id}/transforms", ht.HandleTransform)
	guarded.HandleFunc("GET /images/{source_id}", ht.HandleFetchTransformed)
	guarded.HandleFunc("GET /derived/{content_key}", ht.HandleFetchDerived)
	guarded.HandleFunc("POST /events/object-created", ht.HandleObjectCreated)

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /uploads/{object_id}", ht.HandleReceiveUpload)
	mux.Handle("/", http_.APIKeyMiddleware(guarded, ht.apiKey, ht.log))

	return mux
}

// ServeHTTP implements http.Handler.
func (ht *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ht.mux.ServeHTTP(w, r)
}

// HandleIssueUpload issues a presigned upload URL for a new raw image.
func (ht *HTTPTransport) HandleIssueUpload(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleIssueUpload(w, r)
}

func (ht *HTTPTransport) handleIssueUpload(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "issue upload failed", "error", err)
		} else {
			log.DebugContext(r.Context(), "upload issued")
		}
	}()

	target, err := ht.uploadSvc.Issue(r.Context(), ht.rawBucket, ht.uploadTTL)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("issue: %w", err))
	}

	return ht.writeJSON(w, http.StatusOK, target)
}

// HandleReceiveUpload receives a raw image through a presigned URL and applies the
// default transformations to it.
func (ht *HTTPTransport) HandleReceiveUpload(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleReceiveUpload(w, r)
}

func (ht *HTTPTransport) handleReceiveUpload(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)
	objectID := r.PathValue("object_id")

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "receive upload failed", "error", err, "filename", objectID)
		} else {
			log.DebugContext(r.Context(), "upload received", "filename", objectID)
		}
	}()

	query := r.URL.Query()
	if err := ht.uploadSvc.Verify(
		r.Context(),
		ht.rawBucket,
		objectID,
		query.Get(uploadsvc.ParamExpires),
		query.Get(uploadsvc.ParamSignature),
	); err != nil {
		return ht.writeError(w, fmt.Errorf("verify: %w", err))
	}

	if r.ContentLength > ht.cfg.UploadMaxSize {
		return ht.writeError(w, fmt.Errorf("%w: %d bytes", domain.ErrImageTooLarge, r.ContentLength))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ht.cfg.UploadMaxSize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			err = errors.Join(domain.ErrImageTooLarge, err)
		}

		return ht.writeError(w, fmt.Errorf("read body: %w", err))
	}

	keys, err := ht.imageSvc.ReceiveUpload(context_.WithSourceID(r.Context(), objectID), domain.BlobKey(objectID), body)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("receive: %w", err))
	}

	return ht.writeJSON(w, http.StatusCreated, domain.UploadResponse{
		Filename: objectID,
		Keys:     keys,
	})
}

// HandleTransform transforms a raw image into every requested size.
// An empty list of transformations selects the defaults.
func (ht *HTTPTransport) HandleTransform(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleTransform(w, r)
}

func (ht *HTTPTransport) handleTransform(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)
	sourceID := r.PathValue("source_id")

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "transform failed", "error", err)
		} else {
			log.DebugContext(r.Context(), "transformed")
		}
	}()

	var req domain.TransformRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, ht.cfg.BodyMaxSize))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return ht.writeError(w, fmt.Errorf("decode request: %w", errors.Join(domain.ErrInvalidTransformSpec, err)))
	}

	specs := req.Transformations
	if len(specs) == 0 {
		specs = ht.imageSvc.DefaultTransformations()
	}

	keys, err := ht.imageSvc.ProcessBatch(r.Context(), sourceID, specs)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("process batch: %w", err))
	}

	return ht.writeJSON(w, http.StatusOK, domain.TransformResponse{Keys: keys})
}

// HandleFetchTransformed serves one transformation of a raw image, producing it if needed.
// Answers 200 for an image that already existed and 201 for one created by this request.
func (ht *HTTPTransport) HandleFetchTransformed(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleFetchTransformed(w, r)
}

func (ht *HTTPTransport) handleFetchTransformed(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)
	sourceID := r.PathValue("source_id")

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "fetch transformed failed", "error", err)
		} else {
			log.DebugContext(r.Context(), "transformed fetched")
		}
	}()

	spec, err := parseSpecQuery(r)
	if err != nil {
		return ht.writeError(w, err)
	}

	derived, created, err := ht.imageSvc.FetchTransformed(r.Context(), sourceID, spec)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("fetch transformed: %w", err))
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	return ht.writeBlob(w, r, derived, status)
}

// HandleFetchDerived serves a derived image by its content key.
func (ht *HTTPTransport) HandleFetchDerived(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleFetchDerived(w, r)
}

func (ht *HTTPTransport) handleFetchDerived(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)
	key := domain.ContentKey(strings.ToUpper(r.PathValue("content_key")))

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "fetch derived failed", "error", err, "key", key)
		} else {
			log.DebugContext(r.Context(), "derived fetched", "key", key)
		}
	}()

	derived, err := ht.imageSvc.FetchDerived(r.Context(), key)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("fetch derived: %w", err))
	}

	return ht.writeBlob(w, r, derived, http.StatusOK)
}

// HandleObjectCreated applies the default transformations to every object of an
// object-created event. Answers 202 with the number of processed objects.
func (ht *HTTPTransport) HandleObjectCreated(w http.ResponseWriter, r *http.Request) {
	_ = ht.handleObjectCreated(w, r)
}

func (ht *HTTPTransport) handleObjectCreated(w http.ResponseWriter, r *http.Request) (err error) {
	log := ht.requestLogger(r)

	defer func() {
		if err != nil {
			log.ErrorContext(r.Context(), "object created failed", "error", err)
		} else {
			log.DebugContext(r.Context(), "object created handled")
		}
	}()

	var event domain.ObjectCreatedEvent

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, ht.cfg.BodyMaxSize)).Decode(&event); err != nil {
		return ht.writeError(w, fmt.Errorf("decode event: %w", errors.Join(domain.ErrMissingField, err)))
	}

	processed, err := ht.imageSvc.ProcessObjectCreated(r.Context(), event)
	if err != nil {
		return ht.writeError(w, fmt.Errorf("process: %w", err))
	}

	return ht.writeJSON(w, http.StatusAccepted, map[string]int{"processed": processed})
}

func (ht *HTTPTransport) requestLogger(r *http.Request) logging.Logger {
	return ht.log.With(logging.Group("http", "method", r.Method, "url", r.URL.String()))
}

// parseSpecQuery reads the width and height query parameters.
func parseSpecQuery(r *http.Request) (domain.TransformSpec, error) {
	query := r.URL.Query()

	var dims [2]uint32

	for i, name := range []string{"width", "height"} {
		value := query.Get(name)
		if value == "" {
			return domain.TransformSpec{}, fmt.Errorf("%w: %s", domain.ErrMissingField, name)
		}

		dim, err := domain.ParseDimension(value)
		if err != nil {
			return domain.TransformSpec{}, fmt.Errorf("%s: %w", name, err)
		}

		dims[i] = dim
	}

	return domain.NewTransformSpec(dims[0], dims[1]), nil
}

func (ht *HTTPTransport) writeBlob(w http.ResponseWriter, r *http.Request, blob *domain.Blob, status int) error {
	etag := `"` + digest.FromBytes(blob.Body).String() + `"`

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age="+strconv.FormatInt(int64(ht.cfg.CacheMaxAge/time.Second), 10)+", immutable")

	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, etag) {
		w.WriteHeader(http.StatusNotModified)

		return nil
	}

	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size(), 10))
	w.WriteHeader(status)

	if _, err := blob.WriteTo(w); err != nil {
		return fmt.Errorf("write to: %w", err)
	}

	return nil
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}

	return false
}

func (ht *HTTPTransport) writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	return nil
}

// writeError answers with the status of err's kind and returns err for logging.
func (ht *HTTPTransport) writeError(w http.ResponseWriter, err error) error {
	status := StatusFromError(err)

	body := domain.ErrorResponse{
		Error: http.StatusText(status),
		Kind:  domain.ErrorKind(err),
	}

	if status < http.StatusInternalServerError {
		body.Error = err.Error()
	}

	_ = ht.writeJSON(w, status, body)

	return err
}

// StatusFromError maps an error to the HTTP status it is answered with.
func StatusFromError(err error) int {
	switch {
	case errors.Is(err, domain.ErrBlobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransformSpec),
		errors.Is(err, domain.ErrMissingField),
		errors.Is(err, domain.ErrInvalidBlobKey),
		errors.Is(err, domain.ErrUnknownBucket):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrUploadExpired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBlobExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrImageTypeUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrDecode):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
