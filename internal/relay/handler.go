package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dgnsrekt/cdp_observer/internal/filter"
	"github.com/dgnsrekt/cdp_observer/internal/types"
)

// SSEHandler returns an http.HandlerFunc that streams the envelopes of one
// target as SSE. targetID extracts the target from the request. Clients may
// narrow the stream via ?kinds=request,console (variant kinds or categories).
func SSEHandler(broker *Broker, targetID func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		target := targetID(r)
		if target == "" {
			http.Error(w, "target_id is required", http.StatusBadRequest)
			return
		}
		accept, err := kindFilter(r.URL.Query().Get("kinds"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.TargetID != target || !accept(types.Kind(evt.Kind)) {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, evt.Payload)
				flusher.Flush()
			}
		}
	}
}

// kindFilter parses a comma-separated kinds list. An empty list accepts all.
func kindFilter(q string) (func(types.Kind) bool, error) {
	if strings.TrimSpace(q) == "" {
		return func(types.Kind) bool { return true }, nil
	}
	kinds := make(map[types.Kind]bool)
	cats := make(map[types.Category]bool)
	for _, k := range strings.Split(q, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if types.Kind(k).Category() != "" {
			kinds[types.Kind(k)] = true
			continue
		}
		cat, ok := filter.ParseCategory(k)
		if !ok {
			return nil, fmt.Errorf("unknown kind %q", k)
		}
		cats[cat] = true
	}
	return func(k types.Kind) bool {
		return kinds[k] || cats[k.Category()]
	}, nil
}
