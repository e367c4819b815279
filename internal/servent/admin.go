package servent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pcpgo/pcpcast/internal/channel"
	"github.com/pcpgo/pcpcast/internal/pcp"
)

// channelJSON is the admin projection of a channel snapshot.
type channelJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Genre       string    `json:"genre"`
	ContentType string    `json:"contentType"`
	Bitrate     int32     `json:"bitrate"`
	Status      string    `json:"status"`
	Subscribers int       `json:"subscribers"`
	LastPos     uint32    `json:"lastPos"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AdminMux exposes the servent's channel listing and metrics.
func AdminMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out := make([]channelJSON, 0, s.Store.Len())
		for _, ch := range s.Store.List() {
			snap, err := ch.Query(ctx)
			if err != nil {
				continue // channel mid-teardown
			}
			out = append(out, snapshotJSON(snap))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(out)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId": s.Handshaker.SessionID.String(),
			"channels":  s.Store.Len(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func snapshotJSON(snap channel.Snapshot) channelJSON {
	return channelJSON{
		ID:          snap.ID.String(),
		Name:        pcp.OptStr(snap.Info.Name),
		Genre:       pcp.OptStr(snap.Info.Genre),
		ContentType: pcp.OptStr(snap.Info.Type),
		Bitrate:     pcp.OptI32(snap.Info.Bitrate),
		Status:      snap.Status.String(),
		Subscribers: snap.Subscribers,
		LastPos:     snap.LastPos,
		CreatedAt:   snap.CreatedAt,
	}
}
