// Package httpapi exposes versioned entities over HTTP: record writes that run
// through the entity lifecycle, version history reads and exports, and file imports.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rpattn/versioned/internal/export"
	"github.com/rpattn/versioned/internal/ingestion"
	"github.com/rpattn/versioned/pkg/entity"
	"github.com/rpattn/versioned/pkg/schema"
	"github.com/rpattn/versioned/pkg/versioning"
)

const maxUploadBytes = 32 << 20

// Resource is one entity served by the API.
type Resource struct {
	Store entity.Store
	// Shadow is nil for entities that are not versioned.
	Shadow *versioning.Shadow
}

// Server routes requests to resources by entity name.
type Server struct {
	resources map[string]Resource
	logger    *zap.Logger
	gatherer  prometheus.Gatherer
	origins   []string
	exporter  *export.Service
	importer  *ingestion.Service
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func WithExporter(svc *export.Service) Option {
	return func(s *Server) {
		if svc != nil {
			s.exporter = svc
		}
	}
}

func WithImporter(svc *ingestion.Service) Option {
	return func(s *Server) {
		if svc != nil {
			s.importer = svc
		}
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		resources: make(map[string]Resource),
		logger:    zap.NewNop(),
		exporter:  export.NewService(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.importer == nil {
		s.importer = ingestion.NewService(ingestion.WithLogger(s.logger))
	}
	return s
}

// Register serves r under the lower-cased entity name and its table name.
func (s *Server) Register(r Resource) {
	s.resources[strings.ToLower(r.Store.Name())] = r
	s.resources[strings.ToLower(r.Store.TableName())] = r
}

// Handler returns the routed handler wrapped in request id, logging and CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /entities", s.handleList)
	mux.HandleFunc("GET /entities/{name}/records", s.withResource(s.handleFind))
	mux.HandleFunc("POST /entities/{name}/records", s.withResource(s.handleCreate))
	mux.HandleFunc("PATCH /entities/{name}/records", s.withResource(s.handleUpdate))
	mux.HandleFunc("PUT /entities/{name}/records", s.withResource(s.handleSave))
	mux.HandleFunc("DELETE /entities/{name}/records", s.withResource(s.handleDelete))
	mux.HandleFunc("POST /entities/{name}/import", s.withResource(s.handleImport))
	mux.HandleFunc("GET /entities/{name}/history", s.withResource(s.handleHistory))
	mux.HandleFunc("GET /entities/{name}/history/export", s.withResource(s.handleExport))

	var h http.Handler = mux
	h = Logging(s.logger)(h)
	if len(s.origins) > 0 {
		h = CORS(s.origins)(h)
	}
	return RequestID(h)
}

type resourceHandler func(w http.ResponseWriter, r *http.Request, res Resource)

func (s *Server) withResource(next resourceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.ToLower(r.PathValue("name"))
		res, ok := s.resources[name]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown entity %q", r.PathValue("name")))
			return
		}
		next(w, r, res)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type entityInfo struct {
	Name       string            `json:"name"`
	Table      string            `json:"table"`
	Attributes schema.Attributes `json:"attributes"`
	Shadow     string            `json:"shadow,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	seen := make(map[string]bool)
	infos := []entityInfo{}
	for _, res := range s.resources {
		if seen[res.Store.Name()] {
			continue
		}
		seen[res.Store.Name()] = true
		info := entityInfo{
			Name:       res.Store.Name(),
			Table:      schema.Qualify(res.Store.Namespace(), res.Store.TableName()),
			Attributes: res.Store.Attributes(),
		}
		if res.Shadow != nil {
			info.Shadow = schema.Qualify(res.Shadow.Namespace(), res.Shadow.TableName())
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request, res Resource) {
	q, err := parseQuery(r.URL.Query(), res.Store.Attributes())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := res.Store.Find(r.Context(), q)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, res Resource) {
	s.handleWrite(w, r, res, http.StatusCreated, func(r *http.Request, rec schema.Record) (schema.Record, error) {
		return res.Store.Create(r.Context(), rec)
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, res Resource) {
	s.handleWrite(w, r, res, http.StatusOK, func(r *http.Request, rec schema.Record) (schema.Record, error) {
		return res.Store.Update(r.Context(), rec)
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, res Resource) {
	s.handleWrite(w, r, res, http.StatusOK, func(r *http.Request, rec schema.Record) (schema.Record, error) {
		return res.Store.Save(r.Context(), rec)
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, res Resource) {
	s.handleWrite(w, r, res, http.StatusOK, func(r *http.Request, rec schema.Record) (schema.Record, error) {
		return res.Store.Delete(r.Context(), rec)
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, res Resource, status int, write func(*http.Request, schema.Record) (schema.Record, error)) {
	record, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := write(r, record)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, res Resource) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid form data: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file required: %v", err))
		return
	}
	defer file.Close()

	req := ingestion.Request{FileName: header.Filename, Data: file}
	if raw := strings.TrimSpace(r.FormValue("headerRow")); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid headerRow: %v", err))
			return
		}
		req.HeaderRowIndex = &idx
	}

	summary, err := s.importer.Import(r.Context(), res.Store, req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ingestion.ErrUnsupportedFormat) {
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type versionRow struct {
	ID        int64         `json:"id"`
	Type      string        `json:"type"`
	Timestamp string        `json:"timestamp"`
	Data      schema.Record `json:"data"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, res Resource) {
	rows, ok := s.history(w, r, res)
	if !ok {
		return
	}
	out := make([]versionRow, len(rows))
	for i, row := range rows {
		out[i] = versionRow{
			ID:        row.ID,
			Type:      row.Type.String(),
			Timestamp: row.Timestamp.UTC().Format(time.RFC3339Nano),
			Data:      row.Data,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, res Resource) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, ok := s.history(w, r, res)
	if !ok {
		return
	}

	table := schema.Qualify(res.Shadow.Namespace(), res.Shadow.TableName())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.exporter.FileName(table, format)))
	w.WriteHeader(http.StatusOK)

	history := export.History{
		Table:       table,
		Columns:     res.Shadow.Columns(),
		DataColumns: res.Store.Attributes().Names(),
		Rows:        rows,
	}
	if _, err := s.exporter.Write(w, format, history); err != nil {
		// headers are already sent
		s.logger.Error("history export failed", zap.String("table", table), zap.Error(err))
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, res Resource) ([]versioning.VersionRow, bool) {
	if res.Shadow == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %s is not versioned", res.Store.Name()))
		return nil, false
	}
	values := r.URL.Query()
	values.Del("format")
	q, err := parseQuery(values, res.Store.Attributes())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	rows, err := res.Shadow.History(r.Context(), q.Where)
	if err != nil {
		s.writeStoreError(w, r, err)
		return nil, false
	}
	return rows, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, versioning.ErrCapture):
		s.logger.Error("version capture failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	case errors.Is(err, entity.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, entity.ErrInvalidRecord):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("store operation failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (schema.Record, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if record == nil {
		return nil, errors.New("body must be a JSON object")
	}
	out := make(schema.Record, len(record))
	for k, v := range record {
		out[k] = schema.NormalizeNumbers(v)
	}
	return out, nil
}

// parseQuery turns query parameters into a Query. Reserved parameters are
// limit, order and desc; every other parameter is an equality filter coerced to
// the attribute type.
func parseQuery(values url.Values, attrs schema.Attributes) (entity.Query, error) {
	var q entity.Query
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		raw := vals[0]
		switch key {
		case "limit":
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return q, fmt.Errorf("invalid limit %q", raw)
			}
			q.Limit = n
		case "order":
			if _, ok := attrs[raw]; !ok {
				return q, fmt.Errorf("unknown order column %q", raw)
			}
			q.OrderBy = raw
		case "desc":
			desc, err := strconv.ParseBool(raw)
			if err != nil {
				return q, fmt.Errorf("invalid desc %q", raw)
			}
			q.Desc = desc
		default:
			attr, ok := attrs[key]
			if !ok {
				return q, fmt.Errorf("unknown column %q", key)
			}
			v, err := schema.Coerce(attr.Type, raw)
			if err != nil {
				return q, fmt.Errorf("column %s: %w", key, err)
			}
			if q.Where == nil {
				q.Where = schema.Record{}
			}
			q.Where[key] = v
		}
	}
	return q, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
