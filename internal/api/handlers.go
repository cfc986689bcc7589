package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/FranksOps/poolfeed/internal/events"
	"github.com/FranksOps/poolfeed/internal/imagecache"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/storage"
)

const userHeader = "X-User-ID"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.deps.Gate != nil {
		status["gate_in_flight"] = s.deps.Gate.InFlight()
	}
	s.respondWithJSON(w, http.StatusOK, status)
}

// handleResolve redirects to the local copy of src, downloading it first
// when needed.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	src := q.Get("src")
	if src == "" {
		s.respondWithError(w, http.StatusBadRequest, "src query parameter is required")
		return
	}

	if !s.allowResolve(w, r) {
		return
	}

	local, err := s.deps.Images.Resolve(r.Context(), src, imagecache.Options{Force: flag(q.Get("force"))})
	if err != nil {
		s.logger.Warn("image resolution failed", "src", src, "err", err)
		if flag(q.Get("fallback")) {
			http.Redirect(w, r, s.deps.Images.Placeholder(), http.StatusFound)
			return
		}
		s.respondWithError(w, http.StatusBadGateway, "image could not be resolved")
		return
	}

	if id := q.Get("listing"); id != "" && local != src {
		s.bindListingImage(r.Context(), id, src, local)
	}

	http.Redirect(w, r, local, http.StatusFound)
}

// bindListingImage records local as the listing's image, but only when src
// is the listing's own remote image.
func (s *Server) bindListingImage(ctx context.Context, id, src, local string) {
	l, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to load listing for image", "listing", id, "err", err)
		}
		return
	}
	if !sameImage(l.RemoteImage, src) {
		s.logger.Warn("resolve source does not match listing image", "listing", id, "src", src)
		return
	}
	if err := s.deps.Store.SetImage(ctx, id, local); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("failed to record listing image", "listing", id, "err", err)
	}
}

func sameImage(a, b string) bool {
	ra, err := imagecache.ResolveURL(a)
	if err != nil {
		return false
	}
	rb, err := imagecache.ResolveURL(b)
	if err != nil {
		return false
	}
	return imagecache.Key(ra) == imagecache.Key(rb)
}

// allowResolve applies the per-client budget and writes the rate-limit
// headers. It writes a 429 and returns false when the client is over budget.
func (s *Server) allowResolve(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Gate == nil || s.cfg.ResolveLimit <= 0 {
		return true
	}
	res, err := s.deps.Gate.RateLimited(r.Context(), "client:"+clientIP(r), s.cfg.ResolveLimit, s.cfg.ResolveWindow)
	if err != nil {
		s.logger.Warn("rate limit check failed", "err", err)
		return true
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(res.Reset.Seconds()))))
	if res.Limited {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.Reset.Seconds()))))
		s.respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// listingView is the API shape of a listing.
type listingView struct {
	*listing.Listing
	DisplayTitle string `json:"display_title"`
	// ImageURL is the local image, or a resolve link when only a remote
	// image is known.
	ImageURL string `json:"image_url,omitempty"`
}

func (s *Server) view(l *listing.Listing) listingView {
	c := *l
	c.RawDetail = nil
	v := listingView{Listing: &c, DisplayTitle: l.DisplayTitle(), ImageURL: l.Image}
	if v.ImageURL == "" && l.RemoteImage != "" {
		v.ImageURL = fmt.Sprintf("%sresolve?src=%s&listing=%s&fallback=1",
			s.deps.Images.URLPrefix(), url.QueryEscape(l.RemoteImage), url.QueryEscape(l.ID))
	}
	return v
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		Text:     q.Get("q"),
		Category: q.Get("category"),
		Limit:    defaultPageSize,
	}

	if m := q.Get("marketplace"); m != "" {
		parsed, err := listing.ParseMarketplace(m)
		if err != nil {
			s.respondWithError(w, http.StatusBadRequest, "unknown marketplace: "+m)
			return
		}
		f.Marketplace = parsed
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondWithError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxPageSize)
	}

	found, err := s.deps.Store.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("listing query failed", "err", err)
		s.respondWithError(w, http.StatusInternalServerError, "could not query listings")
		return
	}

	out := make([]listingView, 0, len(found))
	for _, l := range found {
		out = append(out, s.view(l))
	}
	s.respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	l, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.respondWithJSON(w, http.StatusOK, s.view(l))
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.respondWithError(w, http.StatusBadRequest, userHeader+" header is required")
		return
	}
	l, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.deps.Watchlist.Watch(user, l.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.respondWithError(w, http.StatusBadRequest, userHeader+" header is required")
		return
	}
	s.deps.Watchlist.Unwatch(user, chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*listing.Listing, bool) {
	id := chi.URLParam(r, "id")
	l, err := s.deps.Store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "listing not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("listing lookup failed", "id", id, "err", err)
		s.respondWithError(w, http.StatusInternalServerError, "could not load listing")
		return nil, false
	}
	return l, true
}

// handleEvents streams the caller's hub events as server-sent events until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(userHeader)
	if user == "" {
		s.respondWithError(w, http.StatusBadRequest, userHeader+" header is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := make(chan events.Event, 16)
	unsubscribe := s.deps.Hub.Subscribe(user, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event stream backlog full, dropping event", "user", user, "type", ev.Type)
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("failed to encode event", "type", ev.Type, "err", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
			flusher.Flush()
		}
	}
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode response", "err", err)
		code = http.StatusInternalServerError
		response = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func flag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
