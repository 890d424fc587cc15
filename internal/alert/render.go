package alert

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"github.com/JakeFAU/meerkat/internal/monitor"
	"github.com/JakeFAU/meerkat/internal/report"
)

//go:embed templates/body.tmpl
var templateFS embed.FS

var bodyTemplate = template.Must(template.ParseFS(templateFS, "templates/body.tmpl"))

type bodyData struct {
	Target    monitor.Target
	Record    monitor.ScanRecord
	Kind      report.Kind
	MaxImpact int
	Meta      report.Meta
	Changes   []report.Change
}

// Subject is the alert subject line for a target and report.
func Subject(target monitor.Target, rep report.Report) string {
	return fmt.Sprintf("Wijziging: %s (%s)", target.Name, rep.Header().Title)
}

// Body renders the plain-text alert body.
func Body(target monitor.Target, record monitor.ScanRecord) (string, error) {
	if record.Report == nil {
		return "", fmt.Errorf("render alert: scan %d has no report", record.ID)
	}
	data := bodyData{
		Target:    target,
		Record:    record,
		Kind:      record.Report.Kind(),
		MaxImpact: report.MaxImpact(record.Report),
		Meta:      record.Report.Header(),
	}
	if cmp, ok := record.Report.(report.Comparison); ok {
		data.Changes = cmp.Changes
	}
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render alert: %w", err)
	}
	return buf.String(), nil
}
