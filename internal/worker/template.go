package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
	"github.com/andresverguilla1987/ApagaNet/internal/notify"
)

var alertBodyTmpl = template.Must(template.New("alert").Parse(
	`{{.Title}}

Level:   {{.Level}}
{{- if .Message}}
Message: {{.Message}}
{{- end}}
{{- if .Device}}
Device:  {{.Device}}
{{- end}}
Time:    {{.Time}}
`))

type alertBodyData struct {
	Title   string
	Level   string
	Message string
	Device  string
	Time    string
}

// renderEmail builds the subject and plain-text body for an alert delivery
// from the stored payload snapshot.
func renderEmail(entry *db.OutboxEntry) (subject, body string, err error) {
	var env notify.Envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return "", "", fmt.Errorf("invalid delivery payload: %w", err)
	}
	if env.Data == nil {
		return "", "", fmt.Errorf("delivery payload has no alert data")
	}
	alert := env.Data

	subject = fmt.Sprintf("[ApagaNet] %s: %s", strings.ToUpper(alert.Level), alert.Title)

	data := alertBodyData{
		Title:   alert.Title,
		Level:   alert.Level,
		Message: alert.Message,
		Time:    env.TS,
	}
	if alert.DeviceID != nil {
		data.Device = *alert.DeviceID
	}

	var sb strings.Builder
	if err := alertBodyTmpl.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render alert body: %w", err)
	}
	return subject, sb.String(), nil
}
