package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/flaredeck/internal/config"
	"github.com/cryguy/flaredeck/internal/core"
	"github.com/cryguy/flaredeck/internal/cron"
	"github.com/cryguy/flaredeck/internal/store"
)

// maxUploadBytes caps dashboard uploads (KV values, R2 objects).
const maxUploadBytes = 100 << 20

// Stores is the binding set one dev session shares between the worker
// runtime and the dashboard, keyed by binding name (queues by queue name).
type Stores struct {
	KV      map[string]*store.KV
	R2      map[string]*store.R2
	D1      map[string]*store.D1
	Durable map[string]*store.Durable
	Queues  map[string]*store.Queue
}

// Hooks are the engine controls the dashboard can pull. The dev server
// fills these in; nil hooks disable the matching routes.
type Hooks struct {
	// RunScheduled fires the worker's scheduled handler for one cron.
	RunScheduled func(cron string) error
}

// Handler serves the dashboard REST API and embedded UI under /__deck.
type Handler struct {
	cfg       *config.Config
	stores    *Stores
	hub       *Hub
	hooks     Hooks
	dataDir   string
	logger    *zap.Logger
	startedAt time.Time
	mux       *http.ServeMux
}

// New builds the dashboard handler over a shared binding set.
func New(cfg *config.Config, stores *Stores, hub *Hub, hooks Hooks, dataDir string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		cfg:       cfg,
		stores:    stores,
		hub:       hub,
		hooks:     hooks,
		dataDir:   dataDir,
		logger:    logger,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	m := h.mux

	m.HandleFunc("GET /__deck/api/overview", h.handleOverview)
	m.HandleFunc("GET /__deck/api/bindings", h.handleBindings)
	m.HandleFunc("GET /__deck/api/config", h.handleConfig)

	m.HandleFunc("GET /__deck/api/d1/{db}/tables", h.handleD1Tables)
	m.HandleFunc("GET /__deck/api/d1/{db}/tables/{table}", h.handleD1Table)
	m.HandleFunc("POST /__deck/api/d1/{db}/query", h.handleD1Query)
	m.HandleFunc("POST /__deck/api/d1/{db}/tables/{table}/seed", h.handleD1Seed)
	m.HandleFunc("DELETE /__deck/api/d1/{db}/tables/{table}/rows", h.handleD1DeleteRows)

	m.HandleFunc("GET /__deck/api/kv/{ns}/keys", h.handleKVKeys)
	m.HandleFunc("DELETE /__deck/api/kv/{ns}/keys", h.handleKVBulkDelete)
	m.HandleFunc("GET /__deck/api/kv/{ns}/values/{key...}", h.handleKVGet)
	m.HandleFunc("PUT /__deck/api/kv/{ns}/values/{key...}", h.handleKVPut)
	m.HandleFunc("DELETE /__deck/api/kv/{ns}/values/{key...}", h.handleKVDelete)

	m.HandleFunc("GET /__deck/api/r2/{bucket}/tree", h.handleR2Tree)
	m.HandleFunc("GET /__deck/api/r2/{bucket}/object", h.handleR2Get)
	m.HandleFunc("PUT /__deck/api/r2/{bucket}/object", h.handleR2Put)
	m.HandleFunc("DELETE /__deck/api/r2/{bucket}/objects", h.handleR2Delete)

	m.HandleFunc("GET /__deck/api/do/{ns}/{name}/storage", h.handleDOStorage)
	m.HandleFunc("GET /__deck/api/do/{ns}/{name}/counter", h.handleDOCounterGet)
	m.HandleFunc("POST /__deck/api/do/{ns}/{name}/counter", h.handleDOCounterPost)

	m.HandleFunc("POST /__deck/api/queues/{queue}/send", h.handleQueueSend)
	m.HandleFunc("GET /__deck/api/queues/{queue}/stats", h.handleQueueStats)
	m.HandleFunc("GET /__deck/api/queues/{queue}/dead", h.handleQueueDead)

	m.HandleFunc("GET /__deck/api/triggers", h.handleTriggers)
	m.HandleFunc("POST /__deck/api/triggers/run", h.handleTriggerRun)

	m.HandleFunc("GET /__deck/api/logs", h.handleLogs)
	m.HandleFunc("GET /__deck/api/logs/ws", h.handleLogsWS)

	m.Handle("GET /__deck/", uiHandler())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: %v", err)
		return false
	}
	return true
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for _, b := range h.cfg.Bindings() {
		counts[string(b.Kind)]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":           h.cfg.Name,
		"main":           h.cfg.Main,
		"data_dir":       h.dataDir,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"binding_counts": counts,
	})
}

func (h *Handler) handleBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"bindings": h.cfg.Bindings()})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg)
}

// --- D1 ---

func (h *Handler) d1(w http.ResponseWriter, r *http.Request) *store.D1 {
	name := r.PathValue("db")
	db, ok := h.stores.D1[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no D1 binding named %q", name)
		return nil
	}
	return db
}

func (h *Handler) handleD1Tables(w http.ResponseWriter, r *http.Request) {
	db := h.d1(w, r)
	if db == nil {
		return
	}
	tables, err := db.Tables()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tables: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

func (h *Handler) handleD1Table(w http.ResponseWriter, r *http.Request) {
	db := h.d1(w, r)
	if db == nil {
		return
	}
	table := r.PathValue("table")

	cols, err := db.Columns(table)
	if err != nil {
		writeError(w, http.StatusNotFound, "%v", err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	rows, err := db.Rows(table, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading rows: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"columns": cols,
		"rows":    rows.Rows,
	})
}

func (h *Handler) handleD1Query(w http.ResponseWriter, r *http.Request) {
	db := h.d1(w, r)
	if db == nil {
		return
	}
	var body struct {
		SQL    string        `json:"sql"`
		Params []interface{} `json:"params"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.SQL) == "" {
		writeError(w, http.StatusBadRequest, "sql must not be empty")
		return
	}
	res, err := db.Exec(body.SQL, body.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleD1Seed(w http.ResponseWriter, r *http.Request) {
	db := h.d1(w, r)
	if db == nil {
		return
	}
	var body struct {
		Count int `json:"count"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	inserted, err := SeedRows(db, r.PathValue("table"), body.Count)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (h *Handler) handleD1DeleteRows(w http.ResponseWriter, r *http.Request) {
	db := h.d1(w, r)
	if db == nil {
		return
	}
	var body struct {
		PK  string        `json:"pk"`
		IDs []interface{} `json:"ids"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.PK == "" {
		body.PK = "id"
	}
	deleted, err := db.DeleteRows(r.PathValue("table"), body.PK, body.IDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// --- KV ---

func (h *Handler) kv(w http.ResponseWriter, r *http.Request) *store.KV {
	name := r.PathValue("ns")
	kv, ok := h.stores.KV[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no KV binding named %q", name)
		return nil
	}
	return kv
}

func (h *Handler) handleKVKeys(w http.ResponseWriter, r *http.Request) {
	kv := h.kv(w, r)
	if kv == nil {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	res, err := kv.List(q.Get("prefix"), limit, q.Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":          res.Keys,
		"list_complete": res.ListComplete,
		"cursor":        res.Cursor,
	})
}

func (h *Handler) handleKVGet(w http.ResponseWriter, r *http.Request) {
	kv := h.kv(w, r)
	if kv == nil {
		return
	}
	got, err := kv.GetWithMetadata(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if got == nil {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if got.Metadata != nil {
		w.Header().Set("X-Kv-Metadata", *got.Metadata)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(got.Value))
}

func (h *Handler) handleKVPut(w http.ResponseWriter, r *http.Request) {
	kv := h.kv(w, r)
	if kv == nil {
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: %v", err)
		return
	}

	var ttl *int
	if s := r.URL.Query().Get("ttl"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl %q", s)
			return
		}
		ttl = &n
	}
	var metadata *string
	if m := r.Header.Get("X-Kv-Metadata"); m != "" {
		metadata = &m
	}

	if err := kv.Put(r.PathValue("key"), string(value), metadata, ttl); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	kv := h.kv(w, r)
	if kv == nil {
		return
	}
	if err := kv.Delete(r.PathValue("key")); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleKVBulkDelete(w http.ResponseWriter, r *http.Request) {
	kv := h.kv(w, r)
	if kv == nil {
		return
	}
	var body struct {
		Keys []string `json:"keys"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	for _, key := range body.Keys {
		if err := kv.Delete(key); err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(body.Keys)})
}

// --- R2 ---

func (h *Handler) r2(w http.ResponseWriter, r *http.Request) *store.R2 {
	name := r.PathValue("bucket")
	bucket, ok := h.stores.R2[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no R2 binding named %q", name)
		return nil
	}
	return bucket
}

func (h *Handler) handleR2Tree(w http.ResponseWriter, r *http.Request) {
	bucket := h.r2(w, r)
	if bucket == nil {
		return
	}
	// The tree view wants everything; page through the store.
	var objects []core.R2Object
	cursor := ""
	for {
		res, err := bucket.List(core.R2ListOptions{Cursor: cursor})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		objects = append(objects, res.Objects...)
		if !res.Truncated {
			break
		}
		cursor = res.Cursor
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tree": BuildTree(objects)})
}

func (h *Handler) handleR2Get(w http.ResponseWriter, r *http.Request) {
	bucket := h.r2(w, r)
	if bucket == nil {
		return
	}
	key := r.URL.Query().Get("key")
	data, obj, err := bucket.Get(key)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if obj == nil {
		writeError(w, http.StatusNotFound, "object %q not found", key)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	_, _ = w.Write(data)
}

func (h *Handler) handleR2Put(w http.ResponseWriter, r *http.Request) {
	bucket := h.r2(w, r)
	if bucket == nil {
		return
	}
	key := r.URL.Query().Get("key")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: %v", err)
		return
	}
	contentType := r.Header.Get("Content-Type")
	obj, err := bucket.Put(key, data, core.R2PutOptions{ContentType: contentType})
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (h *Handler) handleR2Delete(w http.ResponseWriter, r *http.Request) {
	bucket := h.r2(w, r)
	if bucket == nil {
		return
	}
	var body struct {
		Keys []string `json:"keys"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if err := bucket.Delete(body.Keys); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": len(body.Keys)})
}

// --- Durable Objects ---

func (h *Handler) durable(w http.ResponseWriter, r *http.Request) *store.Durable {
	name := r.PathValue("ns")
	d, ok := h.stores.Durable[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no Durable Object binding named %q", name)
		return nil
	}
	return d
}

func (h *Handler) handleDOStorage(w http.ResponseWriter, r *http.Request) {
	d := h.durable(w, r)
	if d == nil {
		return
	}
	pairs, err := d.List(d.Namespace(), r.PathValue("name"), r.URL.Query().Get("prefix"), 0, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	entries := make([]map[string]interface{}, 0, len(pairs))
	for _, p := range pairs {
		entry := map[string]interface{}{"key": p.Key}
		var decoded interface{}
		if json.Unmarshal([]byte(p.Value), &decoded) == nil {
			entry["value"] = decoded
		} else {
			entry["value"] = p.Value
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

const counterKey = "value"

func (h *Handler) handleDOCounterGet(w http.ResponseWriter, r *http.Request) {
	d := h.durable(w, r)
	if d == nil {
		return
	}
	value, err := d.Get(d.Namespace(), r.PathValue("name"), counterKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	count := int64(0)
	if value != "" {
		if err := json.Unmarshal([]byte(value), &count); err != nil {
			writeError(w, http.StatusConflict, "counter key holds a non-numeric value")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int64{"value": count})
}

func (h *Handler) handleDOCounterPost(w http.ResponseWriter, r *http.Request) {
	d := h.durable(w, r)
	if d == nil {
		return
	}
	var body struct {
		Delta int64 `json:"delta"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Delta == 0 {
		body.Delta = 1
	}

	objectID := r.PathValue("name")
	value, err := d.Get(d.Namespace(), objectID, counterKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	count := int64(0)
	if value != "" {
		if err := json.Unmarshal([]byte(value), &count); err != nil {
			writeError(w, http.StatusConflict, "counter key holds a non-numeric value")
			return
		}
	}
	count += body.Delta
	if err := d.Put(d.Namespace(), objectID, counterKey, strconv.FormatInt(count, 10)); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"value": count})
}

// --- Queues ---

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) *store.Queue {
	name := r.PathValue("queue")
	q, ok := h.stores.Queues[name]
	if !ok {
		writeError(w, http.StatusNotFound, "no queue named %q", name)
		return nil
	}
	return q
}

func (h *Handler) handleQueueSend(w http.ResponseWriter, r *http.Request) {
	q := h.queue(w, r)
	if q == nil {
		return
	}
	var body struct {
		Body        string `json:"body"`
		ContentType string `json:"contentType"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	id, err := q.Send(body.Body, body.ContentType)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	q := h.queue(w, r)
	if q == nil {
		return
	}
	writeJSON(w, http.StatusOK, q.Stats())
}

func (h *Handler) handleQueueDead(w http.ResponseWriter, r *http.Request) {
	q := h.queue(w, r)
	if q == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": q.DeadLetters()})
}

// --- Triggers ---

func (h *Handler) handleTriggers(w http.ResponseWriter, r *http.Request) {
	type trigger struct {
		Cron string `json:"cron"`
		Next string `json:"next,omitempty"`
	}
	now := time.Now()
	triggers := make([]trigger, 0, len(h.cfg.Triggers.Crons))
	for _, expr := range h.cfg.Triggers.Crons {
		t := trigger{Cron: expr}
		if next, ok := cron.Next(expr, now); ok {
			t.Next = next.UTC().Format(time.RFC3339)
		}
		triggers = append(triggers, t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": triggers})
}

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.hooks.RunScheduled == nil {
		writeError(w, http.StatusNotImplemented, "scheduled execution is not wired")
		return
	}
	var body struct {
		Cron string `json:"cron"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Cron == "" {
		body.Cron = "* * * * *"
	}
	if err := h.hooks.RunScheduled(body.Cron); err != nil {
		writeError(w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Logs ---

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": h.hub.Snapshot()})
}
