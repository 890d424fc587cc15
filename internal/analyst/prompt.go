package analyst

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/JakeFAU/meerkat/internal/report"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

type promptData struct {
	TargetName     string
	Market         string
	Language       string
	Prior          string
	CriticalImpact int
}

// BuildPrompt renders the baseline instructions when prior is nil and the
// comparison instructions otherwise.
func BuildPrompt(targetName string, prior report.Report, cfg Config) (string, error) {
	cfg = cfg.withDefaults()
	data := promptData{
		TargetName:     targetName,
		Market:         cfg.Market,
		Language:       cfg.Language,
		CriticalImpact: report.CriticalImpact,
	}
	name := "baseline.tmpl"
	if prior != nil {
		name = "comparison.tmpl"
		raw, err := report.Encode(prior)
		if err != nil {
			return "", fmt.Errorf("encode prior report: %w", err)
		}
		var indented bytes.Buffer
		if err := json.Indent(&indented, raw, "", "  "); err != nil {
			return "", fmt.Errorf("indent prior report: %w", err)
		}
		data.Prior = indented.String()
	}
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
