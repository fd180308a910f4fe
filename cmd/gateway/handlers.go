package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"palisade/pkg/auth"
	"palisade/pkg/httpx"
	"palisade/pkg/models"
	"palisade/pkg/restrict"
	"palisade/pkg/stream"
	"palisade/pkg/suggest"
	"palisade/pkg/telemetry"
)

const (
	actionRestrictedData = "restricted-data"
	actionTokenHeader    = "X-Action-Token"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("palisade-gateway"))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "palisade-gateway"})
	})

	r.Group(func(api chi.Router) {
		api.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
		api.Get("/assets/bootstrap.js", s.handleBootstrap)
		api.Post("/api/restricted-data", s.rateLimited(s.handleRestrictedData))
		api.Get("/api/products", s.handleListProducts)
		api.Get("/product/{id}", s.handleProduct)
		api.Post("/api/suggestions/filter", s.rateLimited(s.handleFilterSuggestions))
		api.Post("/api/cache/invalidate", s.handleInvalidate)
		api.Get("/api/stream", s.handleStream)
		api.Get("/metrics", s.withRoles(s.Metrics.Handler(), "administrator", "shop_manager"))
	})
	return r
}

// handleRestrictedData serves the snapshot the client-side filter runs
// on. The envelope shape is part of the client contract.
func (s *Server) handleRestrictedData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewer := auth.ViewerFromContext(ctx)
	if s.ActionSecret != "" &&
		!auth.VerifyAction(s.ActionSecret, actionRestrictedData, viewer.Key, r.Header.Get(actionTokenHeader)) {
		httpx.Error(w, http.StatusForbidden, "invalid action token")
		return
	}
	scope := restrict.NewRequestScope()

	set, err := s.Cache.Get(ctx, scope, viewer)
	if err != nil {
		log.Printf("restricted-data for %s: %v", viewer.Key, err)
		httpx.Error(w, http.StatusServiceUnavailable, "restricted data unavailable")
		return
	}
	data := models.RestrictedData{Products: sortedIDs(set)}
	internalCtx := restrict.WithInternalLookup(ctx)
	for _, id := range data.Products {
		url, err := s.Store.PermalinkFor(internalCtx, id)
		if err != nil {
			continue
		}
		data.ProductURLs = append(data.ProductURLs, url)
	}
	brands, err := s.Engine.RestrictedBrands(ctx, scope, viewer)
	if err != nil {
		log.Printf("restricted brands for %s: %v", viewer.Key, err)
	} else {
		data.Brands = brands
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true, "data": data})
}

// handleListProducts is the filtered listing surface. Query params
// mirror the host query flags: post_type, s (search), ajax, admin.
func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewer := auth.ViewerFromContext(ctx)
	scope := restrict.NewRequestScope()

	params := r.URL.Query()
	q := models.QueryArgs{
		PostType:     params.Get("post_type"),
		Search:       params.Get("s") != "",
		Archive:      params.Get("archive") == "1",
		AdminRequest: params.Get("admin") == "1",
		AJAX:         params.Get("ajax") == "1" || strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest"),
	}
	if !q.ProductQuery() {
		httpx.WriteJSON(w, 200, map[string]any{"success": true, "data": map[string]any{"products": []listedItem{}, "total": 0}})
		return
	}
	s.Enforcer.FilterListing(ctx, scope, viewer, &q)
	if q.ForceEmpty {
		httpx.WriteJSON(w, 200, map[string]any{"success": true, "data": map[string]any{"products": []listedItem{}, "total": 0}})
		return
	}

	all, err := s.Lister.PublishedProducts(restrict.WithInternalLookup(ctx))
	if err != nil {
		log.Printf("list products: %v", err)
		httpx.Error(w, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	excluded := make(map[models.ProductID]struct{}, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = struct{}{}
	}
	search := strings.ToLower(params.Get("s"))
	out := make([]listedItem, 0, len(all))
	for _, p := range all {
		if _, hidden := excluded[p.ID]; hidden {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Permalink), search) {
			continue
		}
		out = append(out, listedItem{ID: p.ID, Permalink: p.Permalink})
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true, "data": map[string]any{"products": out, "total": len(out)}})
}

type listedItem struct {
	ID        models.ProductID `json:"id"`
	Permalink string           `json:"permalink"`
}

// handleProduct is the direct-access gate. A product the viewer cannot
// see answers exactly like a product that does not exist.
func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.NoCacheHeaders(w)
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	productID := models.ProductID(id)

	permalink, err := s.Store.PermalinkFor(restrict.WithInternalLookup(ctx), productID)
	if err != nil {
		httpx.NoCacheHeaders(w)
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}

	viewer := auth.ViewerFromContext(ctx)
	scope := restrict.NewRequestScope()
	if !s.Engine.CanView(ctx, scope, viewer, productID) {
		s.Enforcer.Gate(w)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"id":          productID,
		"permalink":   permalink,
		"purchasable": s.Enforcer.Purchasable(ctx, scope, viewer, productID, true),
	})
}

// handleFilterSuggestions filters a search-suggestion payload. The body
// is either a bare suggestion array or {"suggestions": [...]}; the
// response mirrors the input shape.
func (s *Server) handleFilterSuggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		httpx.Error(w, http.StatusBadRequest, "empty body")
		return
	}

	wrapped := !strings.HasPrefix(trimmed, "[")
	var in []suggest.Suggestion
	if wrapped {
		var req struct {
			Suggestions []suggest.Suggestion `json:"suggestions"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		in = req.Suggestions
	} else if err := json.Unmarshal(body, &in); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	viewer := auth.ViewerFromContext(ctx)
	out := s.Enforcer.FilterOutput(ctx, restrict.NewRequestScope(), viewer, in)
	if wrapped {
		httpx.WriteJSON(w, 200, map[string]any{"suggestions": out})
		return
	}
	httpx.WriteJSON(w, 200, out)
}

// handleInvalidate drops a viewer's cached restricted set. Admin roles
// may call it directly; the commerce backend authenticates with an HMAC
// action signature instead of a session.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		ViewerKey string `json:"viewer_key"`
		Signature string `json:"signature,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.ViewerKey = strings.TrimSpace(req.ViewerKey)
	if req.ViewerKey == "" {
		httpx.Error(w, http.StatusBadRequest, "viewer_key required")
		return
	}

	authorized := false
	if principal, ok := auth.PrincipalFromContext(ctx); ok && auth.HasAnyRole(principal, "administrator", "shop_manager") {
		authorized = true
	}
	if !authorized && s.ActionSecret != "" &&
		auth.VerifyAction(s.ActionSecret, "cache.invalidate", req.ViewerKey, req.Signature) {
		authorized = true
	}
	if !authorized {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}

	if err := s.Cache.Invalidate(ctx, req.ViewerKey); err != nil {
		log.Printf("invalidate %s: %v", req.ViewerKey, err)
		httpx.Error(w, http.StatusServiceUnavailable, "invalidate failed")
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeCacheInvalidated, req.ViewerKey, nil))
	}
	httpx.WriteJSON(w, 200, map[string]any{"success": true})
}

// handleStream pushes invalidation events over a websocket so clients
// refresh their snapshot without polling out the TTL.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	viewer := auth.ViewerFromContext(r.Context())
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(viewer.Key, 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", viewer.Key, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// handleBootstrap serves the client filter script with the viewer's
// action token prepended, the way the host page would inject it. The
// token binds the snapshot endpoint to the viewer, so the script is
// never cacheable across viewers.
func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	viewer := auth.ViewerFromContext(r.Context())
	token := ""
	if s.ActionSecret != "" {
		token = auth.SignAction(s.ActionSecret, actionRestrictedData, viewer.Key)
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "private, no-store")
	_, _ = w.Write([]byte("window.__palisadeAction = " + strconv.Quote(token) + ";\n"))
	_, _ = w.Write(bootstrapJS)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || principal.Subject == "" {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			h(w, r)
			return
		}
		key := "ip:" + clientIP(r) + ":" + r.URL.Path
		decision := s.RateLimiter.Allow(key, s.RateLimitPerMinute)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		s.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func sortedIDs(set map[models.ProductID]struct{}) []models.ProductID {
	out := make([]models.ProductID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
