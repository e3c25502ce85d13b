package httpapi

import (
	"html/template"
	"net/http"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="2">
<title>opshub</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; background: #111; color: #eee; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #333; }
.status-running { color: #6cf; }
.status-completed { color: #6f6; }
.status-failed { color: #f66; }
.dismissing { opacity: 0.4; }
.bar { background: #333; height: 6px; width: 120px; border-radius: 3px; }
.bar span { display: block; background: #6cf; height: 6px; border-radius: 3px; }
.meta { color: #888; font-size: 0.8rem; margin-top: 1rem; }
</style>
</head>
<body>
<h1>opshub notifications</h1>
<table>
<tr><th>ID</th><th>Kind</th><th>Status</th><th>Progress</th><th>Message</th><th>Updated</th></tr>
{{range .Notifications}}
<tr{{if .Dismissing}} class="dismissing"{{end}}>
<td>{{.ID}}</td>
<td>{{.Kind}}</td>
<td class="status-{{.Status}}">{{.Status}}{{if .Cancelling}} (cancelling){{end}}</td>
<td>{{if .HasProgress}}<div class="bar"><span style="width: {{printf "%.0f" .Progress}}%"></span></div>{{end}}</td>
<td>{{.Message}}</td>
<td>{{.Updated}}</td>
</tr>
{{end}}
</table>
<p class="meta">revision {{.Revision}} &middot; {{len .Notifications}} notification(s)</p>
</body>
</html>
`))

type dashboardRow struct {
	ID          string
	Kind        string
	Status      string
	Cancelling  bool
	Dismissing  bool
	HasProgress bool
	Progress    float64
	Message     string
	Updated     string
}

type dashboardData struct {
	Notifications []dashboardRow
	Revision      uint64
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	notifications, revision := s.store.Snapshot()
	data := dashboardData{Revision: revision}
	for _, n := range notifications {
		row := dashboardRow{
			ID:         n.ID,
			Kind:       string(n.Kind),
			Status:     string(n.Status),
			Cancelling: n.Cancelling,
			Dismissing: s.store.IsDismissing(n.ID),
			Message:    n.Message,
			Updated:    n.UpdatedAt.Format("15:04:05"),
		}
		// The bar renders the peak, not the latest report, so a stale
		// out-of-order progress frame never makes it move backwards.
		if n.Progress != nil || n.PeakProgress > 0 {
			row.HasProgress = true
			row.Progress = n.PeakProgress
		}
		data.Notifications = append(data.Notifications, row)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTemplate.Execute(w, data)
}
