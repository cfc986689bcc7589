package events

import (
	"sort"
	"sync"
)

// Watchlist maps listing IDs to the users watching them.
type Watchlist struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{}
}

// NewWatchlist returns an empty watchlist.
func NewWatchlist() *Watchlist {
	return &Watchlist{watchers: make(map[string]map[string]struct{})}
}

// Watch adds userID as a watcher of listingID.
func (w *Watchlist) Watch(userID, listingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchers[listingID] == nil {
		w.watchers[listingID] = make(map[string]struct{})
	}
	w.watchers[listingID][userID] = struct{}{}
}

// Unwatch removes userID from listingID's watchers.
func (w *Watchlist) Unwatch(userID, listingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watchers[listingID], userID)
	if len(w.watchers[listingID]) == 0 {
		delete(w.watchers, listingID)
	}
}

// Watchers returns the users watching listingID, sorted.
func (w *Watchlist) Watchers(listingID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.watchers[listingID]))
	for u := range w.watchers[listingID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Notify publishes ev to every watcher of ev.ListingID and returns the number
// of deliveries.
func (w *Watchlist) Notify(h *Hub, ev Event) int {
	n := 0
	for _, u := range w.Watchers(ev.ListingID) {
		n += h.Publish(u, ev)
	}
	return n
}
