package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacedatanetwork/sdn-namesys/internal/keystore"
	"github.com/spacedatanetwork/sdn-namesys/internal/publisher"
	"github.com/spacedatanetwork/sdn-namesys/internal/resolver"
	"github.com/spacedatanetwork/sdn-namesys/internal/store"
	"github.com/spacedatanetwork/sdn-namesys/internal/topics"
	"github.com/spacedatanetwork/sdn-namesys/internal/tracker"
)

// NameHandler serves the name system endpoints.
type NameHandler struct {
	keys      *keystore.Manager
	store     store.RecordStore
	tracker   *tracker.Tracker
	publisher *publisher.Publisher
	resolver  *resolver.Resolver
}

// NewNameHandler creates a new name API handler.
func NewNameHandler(
	keys *keystore.Manager,
	st store.RecordStore,
	tr *tracker.Tracker,
	pub *publisher.Publisher,
	res *resolver.Resolver,
) *NameHandler {
	return &NameHandler{
		keys:      keys,
		store:     st,
		tracker:   tr,
		publisher: pub,
		resolver:  res,
	}
}

// RegisterRoutes registers name API routes.
func (h *NameHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v0/name/publish", h.handlePublish)
	mux.HandleFunc("/api/v0/name/resolve", h.handleResolve)
	mux.HandleFunc("/api/v0/name/subs", h.handleSubs)
	mux.HandleFunc("/api/v0/name/cancel", h.handleCancel)
	mux.HandleFunc("/api/v0/name/inspect", h.handleInspect)
	mux.HandleFunc("/api/v0/keys", h.handleKeys)
}

func (h *NameHandler) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	value := q.Get("value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "missing value parameter")
		return
	}

	opts := publisher.Options{Key: q.Get("key")}

	if lt := q.Get("lifetime"); lt != "" {
		d, err := time.ParseDuration(lt)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid lifetime: "+lt)
			return
		}
		opts.Lifetime = d
	}

	if rf := q.Get("resolve"); rf != "" {
		b, err := strconv.ParseBool(rf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid resolve parameter: "+rf)
			return
		}
		opts.ResolveFirst = b
	}

	result, err := h.publisher.Publish(r.Context(), value, opts)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			writeError(w, http.StatusNotFound, "unknown key: "+opts.Key)
			return
		}
		writeError(w, http.StatusInternalServerError, "publish failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":     result.Name.String(),
		"value":    result.Value,
		"sequence": result.Sequence,
		"eol":      result.EOL.UTC().Format(time.RFC3339),
	})
}

func (h *NameHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	pid, ok := requireName(w, q.Get("name"))
	if !ok {
		return
	}

	opts := resolver.Options{}
	if to := q.Get("timeout"); to != "" {
		d, err := time.ParseDuration(to)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout: "+to)
			return
		}
		opts.Timeout = d
	} else {
		opts.Timeout = resolver.DefaultResolveTimeout
	}

	value, err := h.resolver.Resolve(r.Context(), pid, opts)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrResolveTimeout):
			writeError(w, http.StatusGatewayTimeout, "resolution timed out")
		case errors.Is(err, resolver.ErrNotFound):
			writeError(w, http.StatusNotFound, "name not found: "+pid.String())
		default:
			writeError(w, http.StatusInternalServerError, "resolve failed: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  pid.String(),
		"value": value,
	})
}

func (h *NameHandler) handleSubs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subs := h.tracker.Subscriptions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topics": subs,
		"count":  len(subs),
	})
}

func (h *NameHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" {
		pid, ok := requireName(w, q.Get("name"))
		if !ok {
			return
		}
		topic = topics.ForPeer(pid)
	}

	if err := h.tracker.Cancel(topic); err != nil {
		if errors.Is(err, tracker.ErrNotSubscribed) {
			writeError(w, http.StatusNotFound, "not subscribed: "+topic)
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canceled": topic,
	})
}

func (h *NameHandler) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pid, ok := requireName(w, r.URL.Query().Get("name"))
	if !ok {
		return
	}

	entry, err := h.store.Get(pid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no record for name: "+pid.String())
			return
		}
		writeError(w, http.StatusInternalServerError, "store lookup failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        pid.String(),
		"topic":       topics.ForPeer(pid),
		"value":       entry.Record.Value,
		"sequence":    entry.Record.Sequence,
		"validity":    entry.Record.Validity.UTC().Format(time.RFC3339),
		"received_at": entry.ReceivedAt.UTC().Format(time.RFC3339),
	})
}

func (h *NameHandler) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idents := h.keys.Identities()
	keys := make([]map[string]interface{}, 0, len(idents))
	for _, ident := range idents {
		keys = append(keys, map[string]interface{}{
			"name":    ident.Name,
			"peer_id": ident.PeerID.String(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": keys,
	})
}

// requireName decodes a peer ID parameter, writing a 400 when it is
// missing or malformed.
func requireName(w http.ResponseWriter, name string) (peer.ID, bool) {
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing name parameter")
		return "", false
	}
	pid, err := peer.Decode(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid name: "+name)
		return "", false
	}
	return pid, true
}
