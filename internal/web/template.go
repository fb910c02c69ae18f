package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
	"github.com/sweeney/bus-notifier/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"countdown": func(d status.Device, second bool) string {
		if d.Kind != logic.KindDisplay {
			return "-"
		}
		if second {
			return logic.Encode(d.Second)
		}
		return logic.Encode(d.First)
	},
	"kindClass": func(d status.Device) string {
		switch {
		case d.Suppressed:
			return "suppressed"
		case d.Kind == logic.KindDisplay:
			return "display"
		default:
			return "terminal"
		}
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Bus Notifier</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.display { color: green; font-weight: bold; }
.terminal { color: #888; }
.suppressed { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Bus Notifier</h1>

<h2>Devices</h2>
{{if .Devices}}<table>
<tr><th>Device</th><th>Stop</th><th>Decision</th><th>First</th><th>Second</th><th>Errors</th><th>Active</th><th>Updated</th></tr>
{{range .Devices}}<tr id="device-{{.DeviceID}}">
<td>{{.DeviceID}}</td>
<td>{{.StopName}}</td>
<td class="{{kindClass .}}">{{.Kind}}{{if .Reason}} ({{.Reason}}){{end}}{{if .Suppressed}} suppressed{{end}}</td>
<td>{{countdown . false}}</td>
<td>{{countdown . true}}</td>
<td>{{.ErrorCount}}</td>
<td>{{if .Active}}yes{{else}}no{{end}}</td>
<td>{{.UpdatedAt.UTC.Format "2006-01-02T15:04:05Z"}}</td>
</tr>
{{end}}</table>{{else}}<p>No devices yet.</p>{{end}}

<h2>Decision Counts</h2>
<table>
<tr><th>Display</th><td>{{.Counts.Display}}</td></tr>
<tr><th>Bus arrived</th><td>{{.Counts.BusArrived}}</td></tr>
<tr><th>Already arrived</th><td>{{.Counts.AlreadyArrived}}</td></tr>
<tr><th>Bus missing</th><td>{{.Counts.BusMissing}}</td></tr>
<tr><th>No data</th><td>{{.Counts.NoData}}</td></tr>
<tr><th>Suppressed</th><td>{{.Counts.Suppressed}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Events</th><td class="{{if .EventsConnected}}connected{{else}}disconnected{{end}}">{{if .EventsConnected}}connected{{else}}disconnected{{end}}</td></tr>
{{if .Config.EventsURL}}<tr><th>Sink</th><td>{{.Config.EventsURL}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Active devices</th><td>{{.ActiveCount}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Poll</th><td>{{if eq .Config.PollInterval 0}}platform schedule{{else}}{{.Config.PollInterval}}{{end}}</td></tr>
<tr><th>Drift</th><td>{{.Config.Thresholds.Drift}}s</td></tr>
<tr><th>Possible arrival</th><td>{{.Config.Thresholds.PossibleArrival}}s</td></tr>
<tr><th>Min time</th><td>{{.Config.Thresholds.MinTime}}s</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot exposes Uptime and Active as methods; the template gets fields.
	data := struct {
		status.Snapshot
		Uptime      time.Duration
		ActiveCount int
	}{
		Snapshot:    snap,
		Uptime:      snap.Uptime(),
		ActiveCount: snap.Active(),
	}
	return indexTmpl.Execute(w, data)
}
