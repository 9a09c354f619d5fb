package httpapi

import (
	"fmt"
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>localsync</title>
<meta http-equiv="refresh" content="5">
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #101418; color: #d8dee9; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; margin-top: 1rem; }
td, th { border: 1px solid #2e3440; padding: 0.4rem 0.8rem; text-align: left; }
.warn { color: #ebcb8b; }
.crit { color: #bf616a; }
</style>
</head>
<body>
<h1>localsync</h1>
<table>
<tr><th>Origin</th><td>{{.OriginID}}</td></tr>
{{if .HasQuota}}
<tr><th>Storage used</th><td class="{{.QuotaClass}}">{{.UsedBytes}} / {{.CapacityBytes}} bytes ({{printf "%.1f" .PercentUsed}}%)</td></tr>
{{end}}
{{if .HasEngine}}
<tr><th>Collections</th><td>{{range .Collections}}{{.}} {{end}}</td></tr>
<tr><th>Queue depth</th><td>{{.QueueDepth}} / {{.QueueCapacity}}</td></tr>
<tr><th>Dirty entities</th><td>{{.DirtyEntities}}</td></tr>
<tr><th>Dead letters</th><td class="{{if .DeadLetterCount}}crit{{end}}">{{.DeadLetterCount}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

type dashboardData struct {
	OriginID        string
	HasQuota        bool
	UsedBytes       int64
	CapacityBytes   int64
	PercentUsed     float64
	QuotaClass      string
	HasEngine       bool
	Collections     []string
	QueueDepth      int
	QueueCapacity   int
	DirtyEntities   int
	DeadLetterCount int
}

// handleDashboard renders a small auto-refreshing status page for operators.
// It is intentionally unauthenticated, like /health, and exposes no payload
// data.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{OriginID: s.store.OriginID()}
	if s.quota != nil {
		snapshot := s.quota.Snapshot()
		data.HasQuota = true
		data.UsedBytes = snapshot.TotalBytes
		data.CapacityBytes = snapshot.EstimatedCapacityBytes
		data.PercentUsed = snapshot.PercentUsed
		switch {
		case snapshot.PercentUsed >= 95:
			data.QuotaClass = "crit"
		case snapshot.PercentUsed >= 80:
			data.QuotaClass = "warn"
		}
	}
	if s.engine != nil {
		status := s.engine.Status()
		data.HasEngine = true
		data.Collections = status.Collections
		data.QueueDepth = status.QueueDepth
		data.QueueCapacity = status.QueueCapacity
		data.DirtyEntities = status.DirtyEntities
		data.DeadLetterCount = status.DeadLetterCount
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		fmt.Fprintln(w, "render error")
	}
}
