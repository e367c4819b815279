package root

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminMux serves the directory views: JSON listings, the classic YP
// index.txt, and prometheus metrics.
func AdminMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", adminIndex)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/index.txt", s.handleIndexTxt)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func adminIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<div><h1>pcproot</h1><p>
<a href="/status">/status</a><br>
<a href="/channels">/channels</a><br>
<a href="/index.txt">/index.txt</a><br>
<a href="/metrics">/metrics</a>
</p></div>`)
}

type statusJSON struct {
	SessionID string `json:"sessionId"`
	Channels  int    `json:"channels"`
	UptimeSec int64  `json:"uptimeSec"`
}

var startedAt = time.Now()

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusJSON{
		SessionID: s.SessionID().String(),
		Channels:  s.Store.Len(),
		UptimeSec: int64(time.Since(startedAt).Seconds()),
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	details := s.details()
	writeJSON(w, details)
}

func (s *Server) details() []Detail {
	list := s.Store.List()
	details := make([]Detail, 0, len(list))
	for _, tc := range list {
		details = append(details, tc.Detail())
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].CreatedAt.Before(details[j].CreatedAt)
	})
	return details
}

// handleIndexTxt renders the 19-field YP listing format:
// name<>id<>addr<>url<>genre<>desc<>listeners<>relays<>bitrate<>type
// <>…<>encoded-name<>uptime<>status<>comment<>.
func (s *Server) handleIndexTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	now := time.Now()
	for _, d := range s.details() {
		fields := []string{
			sanitizeField(d.Name),
			d.ID.String(),
			d.Address,
			sanitizeField(d.URL),
			sanitizeField(d.Genre),
			sanitizeField(d.Desc),
			fmt.Sprintf("%d", d.Listeners),
			fmt.Sprintf("%d", d.Relays),
			fmt.Sprintf("%d", d.Bitrate),
			sanitizeField(d.ContentType),
			"", "", "", "",
			url.QueryEscape(d.Name),
			formatUptime(now.Sub(d.CreatedAt)),
			"click",
			sanitizeField(d.Comment),
			"",
		}
		fmt.Fprintln(w, strings.Join(fields, "<>"))
	}
}

// sanitizeField keeps the <> separators unambiguous.
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, "<>", "")
	return strings.ReplaceAll(s, "\n", " ")
}

func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%d:%02d", h, m)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
