package relay

import (
	"bytes"
	"html/template"
	"net/http"
	"time"
)

var statusTemplate = template.Must(template.New("status").Funcs(template.FuncMap{
	"since": func(t time.Time) string { return time.Since(t).Round(time.Second).String() },
}).Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}}</title></head>
<body>
  <h1>{{.Name}}</h1>
  <p>Stream URL: <a href="{{.Path}}">{{.Path}}</a></p>
  <audio controls preload="none">
    <source src="{{.Path}}" type="{{.ContentType}}">
  </audio>
  <p>Capture source: <code>{{.Source}}</code>, {{.Bitrate}} at {{.SampleRate}} Hz, {{.Channels}} channels.</p>
  <h2>Sessions ({{len .Sessions}})</h2>
  {{- if .Sessions}}
  <table>
    <tr><th>Client</th><th>Agent</th><th>Duration</th><th>Bytes</th><th>PID</th><th>State</th></tr>
    {{- range .Sessions}}
    <tr><td>{{.RemoteAddr}}</td><td>{{.UserAgent}}</td><td>{{since .StartedAt}}</td><td>{{.BytesSent}}</td><td>{{.PID}}</td><td>{{.State}}</td></tr>
    {{- end}}
  </table>
  {{- end}}
  <hr>
  <p>To choose the capture source:</p>
  <pre>
# List audio sources
pactl list sources short

# Set the default source, or pass -relay.encoder.source
pactl set-default-source alsa_input.usb-xxx
  </pre>
</body>
</html>
`))

type statusPage struct {
	Name        string
	Path        string
	ContentType string
	Source      string
	Bitrate     string
	SampleRate  int
	Channels    int
	Sessions    []SessionInfo
}

func (r *Relay) statusHandler(w http.ResponseWriter, _ *http.Request) {
	page := statusPage{
		Name:        r.cfg.StreamName,
		Path:        r.cfg.Path,
		ContentType: contentType(r.cfg.Encoder.Format),
		Source:      r.cfg.Encoder.Source,
		Bitrate:     r.cfg.Encoder.Bitrate,
		SampleRate:  r.cfg.Encoder.SampleRate,
		Channels:    r.cfg.Encoder.Channels,
		Sessions:    r.sessions.list(),
	}

	var buf bytes.Buffer
	if err := r.status.Execute(&buf, page); err != nil {
		r.logger.Error("failed to render status page", "err", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
