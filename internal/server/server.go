package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	cache "github.com/hanpama/normcache/internal/cache"
	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	normalize "github.com/hanpama/normcache/internal/normalize"
	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
	reqid "github.com/hanpama/normcache/internal/reqid"
)

// Handler is an http.Handler exposing a Cache as a JSON API:
//
//	POST   /write          normalize a response into the cache
//	POST   /read           rebuild a response from the cache
//	GET    /records/{key}  one record
//	DELETE /records/{key}  remove a record, ?cascade=true follows references
//	DELETE /records        clear the cache
//	GET    /keys           every stored key
//	GET    /metrics        when configured with WithMetrics
type Handler struct {
	cache *cache.Cache
	opt   Options
	mux   *http.ServeMux
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// Metrics is served at /metrics when set.
	Metrics http.Handler

	// Bus receives HTTP events. Nil means the global bus.
	Bus *eventbus.Bus
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetrics(h http.Handler) Option { return func(o *Options) { o.Metrics = h } }
func WithBus(b *eventbus.Bus) Option    { return func(o *Options) { o.Bus = b } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a handler serving c.
func New(c *cache.Cache, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, MaxBodyBytes: 4 << 20}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{cache: c, opt: op, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /write", h.write)
	h.mux.HandleFunc("POST /read", h.read)
	h.mux.HandleFunc("GET /records/{key}", h.getRecord)
	h.mux.HandleFunc("DELETE /records/{key}", h.removeRecord)
	h.mux.HandleFunc("DELETE /records", h.clear)
	h.mux.HandleFunc("GET /keys", h.keys)
	if op.Metrics != nil {
		h.mux.Handle("GET /metrics", op.Metrics)
	}
	return h
}

func (h *Handler) bus() *eventbus.Bus {
	if h.opt.Bus != nil {
		return h.opt.Bus
	}
	return eventbus.Global()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.WithID(ctx, r.Header.Get(reqid.Header))
	w.Header().Set(reqid.Header, rid)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	bus := h.bus()
	ctx, call := events.NewCall(ctx)
	eventbus.Emit(bus, ctx, events.HTTPStart{Call: call, Request: r})
	defer func() {
		eventbus.Emit(bus, ctx, events.HTTPFinish{Call: call, Request: r, Status: sw.status, Duration: time.Since(start)})
	}()

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}
	if r.Method == http.MethodOptions {
		sw.WriteHeader(http.StatusNoContent)
		return
	}
	if h.opt.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes)
	}
	h.mux.ServeHTTP(sw, r.WithContext(ctx))
}

// ------------------ Requests ------------------

// Request selects an operation, or a fragment when FragmentName is set.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	FragmentName  string         `json:"fragmentName,omitempty"`
	Key           string         `json:"key,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func (r Request) operation() cache.Operation {
	return cache.Operation{Query: r.Query, OperationName: r.OperationName, Variables: r.Variables}
}

func (r Request) fragment() cache.Fragment {
	return cache.Fragment{Query: r.Query, FragmentName: r.FragmentName, Variables: r.Variables, Key: r.Key}
}

type WriteRequest struct {
	Request
	Data json.RawMessage `json:"data"`
}

type ReadRequest struct {
	Request
	// Mode overrides the read strategy: "sequential" or "batch".
	Mode string `json:"mode,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &httpError{status: http.StatusRequestEntityTooLarge, message: errBodyTooLargeMessage}
		}
		return &httpError{status: http.StatusBadRequest, message: "failed to read body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &httpError{status: http.StatusBadRequest, message: "invalid JSON"}
	}
	return nil
}

// ------------------ Endpoints ------------------

type writeResponse struct {
	Changed []string `json:"changed"`
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Query == "" {
		h.writeError(w, &httpError{status: http.StatusBadRequest, message: "missing 'query'"})
		return
	}
	if len(req.Data) == 0 {
		h.writeError(w, &httpError{status: http.StatusBadRequest, message: "missing 'data'"})
		return
	}
	data, err := record.DecodeObject(req.Data)
	if err != nil {
		h.writeError(w, &httpError{status: http.StatusBadRequest, message: "invalid 'data': " + err.Error()})
		return
	}
	var changed record.KeySet
	if req.FragmentName != "" {
		changed, err = h.cache.WriteFragment(r.Context(), req.fragment(), data)
	} else {
		changed, err = h.cache.WriteOperation(r.Context(), req.operation(), data)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, writeResponse{Changed: nonNil(changed.Sorted())}, h.opt.Pretty)
}

type missBody struct {
	Reason string `json:"reason"`
	Key    string `json:"key,omitempty"`
	Field  string `json:"field,omitempty"`
	Path   string `json:"path,omitempty"`
}

type readResponse struct {
	Data          any       `json:"data"`
	DependentKeys []string  `json:"dependentKeys,omitempty"`
	Miss          *missBody `json:"miss,omitempty"`
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Query == "" {
		h.writeError(w, &httpError{status: http.StatusBadRequest, message: "missing 'query'"})
		return
	}
	var opts []cache.ReadOption
	if req.Mode != "" {
		mode, err := reader.ParseMode(req.Mode)
		if err != nil {
			h.writeError(w, &httpError{status: http.StatusBadRequest, message: err.Error()})
			return
		}
		opts = append(opts, cache.WithMode(mode))
	}
	var (
		res *reader.Result
		err error
	)
	if req.FragmentName != "" {
		res, err = h.cache.ReadFragment(r.Context(), req.fragment(), opts...)
	} else {
		res, err = h.cache.ReadOperation(r.Context(), req.operation(), opts...)
	}
	var miss *reader.CacheMiss
	if errors.As(err, &miss) {
		writeJSON(w, http.StatusNotFound, readResponse{Miss: &missBody{
			Reason: miss.Reason.String(),
			Key:    miss.Key,
			Field:  miss.Field,
			Path:   miss.Path.String(),
		}}, h.opt.Pretty)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{
		Data:          record.ToAny(res.Data),
		DependentKeys: res.DependentKeys().Sorted(),
	}, h.opt.Pretty)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rec, err := h.cache.Store().Get(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rec == nil {
		h.writeError(w, &httpError{status: http.StatusNotFound, message: "record " + strconv.Quote(key) + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec, h.opt.Pretty)
}

type removeResponse struct {
	Removed []string `json:"removed"`
}

func (h *Handler) removeRecord(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if v := r.URL.Query().Get("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, &httpError{status: http.StatusBadRequest, message: "invalid 'cascade'"})
			return
		}
		cascade = b
	}
	removed, err := h.cache.Remove(r.Context(), r.PathValue("key"), cascade)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removeResponse{Removed: nonNil(removed.Sorted())}, h.opt.Pretty)
}

func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keysResponse struct {
	Keys []string `json:"keys"`
}

func (h *Handler) keys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.cache.Store().Keys(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keysResponse{Keys: nonNil(keys)}, h.opt.Pretty)
}

// ------------------ Response formatting ------------------

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

type errorBody struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}
	var (
		he     *httpError
		docErr *cache.DocumentError
		shape  *normalize.ShapeError
	)
	switch {
	case errors.As(err, &he):
		status = he.status
	case errors.As(err, &docErr):
		status = http.StatusBadRequest
	case errors.As(err, &shape):
		status = http.StatusUnprocessableEntity
		body.Path = shape.Path.String()
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, body, h.opt.Pretty)
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const errBodyTooLargeMessage = "body too large"

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
