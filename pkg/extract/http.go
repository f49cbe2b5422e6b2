package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPExtractor is a generic REST extractor that can call any reporting API
// returning JSON and shape the response into a Dataset using gjson path
// expressions.
//
// It supports:
//   - Configurable HTTP method (GET, POST, etc.)
//   - Template-based URL, body, and headers with variables: {{.ModelType}},
//     {{.WindowDays}}, {{.Start}}, {{.End}}, {{.StartRFC3339}}, {{.EndRFC3339}}
//   - A RecordsPath selecting the array of records in the response
//   - Per-column gjson paths evaluated relative to each record
//
// Example configuration against a workshop reporting endpoint:
//
//	ex := &HTTPExtractor{
//	    URL:         "https://erp.example.com/api/analytics/{{.ModelType}}",
//	    Headers:     map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    RecordsPath: "data.records",
//	    Columns: map[string]string{
//	        "labor_hours": "labor.hours",
//	        "parts_total": "parts.total",
//	        "revenue":     "invoice.grand_total",
//	    },
//	}
type HTTPExtractor struct {
	// URL is the endpoint template to call (required).
	URL string

	// Method is the HTTP method. Defaults to GET if empty.
	Method string

	// Headers are custom HTTP headers; values may use template variables.
	Headers map[string]string

	// Body is the request body template for POST/PUT.
	Body string

	// RecordsPath is the gjson path to the array of records (required).
	RecordsPath string

	// Columns maps output column names to gjson paths evaluated against
	// each record. Records missing a column are skipped for that column.
	Columns map[string]string

	// Target names the column holding the training target (required for
	// training queries; predictions ignore it).
	Target string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// TemplateVars are extra variables available in URL, Body, and Headers
	// templates (tokens, API keys and the like).
	TemplateVars map[string]string
}

func (h *HTTPExtractor) Name() string { return "http" }

// Extract implements Extractor. It calls the configured endpoint and converts
// the selected records into numeric rows.
func (h *HTTPExtractor) Extract(ctx context.Context, q Query) (*Dataset, error) {
	if h.URL == "" {
		return nil, errors.New("http extractor: URL is required")
	}
	if h.RecordsPath == "" {
		return nil, errors.New("http extractor: RecordsPath is required")
	}
	if len(h.Columns) == 0 {
		return nil, errors.New("http extractor: at least one column is required")
	}

	windowDays := q.WindowDays
	if windowDays <= 0 {
		windowDays = 90
	}

	now := time.Now().UTC().Truncate(time.Second)
	start := now.AddDate(0, 0, -windowDays)

	tmplData := map[string]any{
		"ModelType":    q.ModelType,
		"WindowDays":   windowDays,
		"Start":        start.Unix(),
		"End":          now.Unix(),
		"StartRFC3339": start.Format(time.RFC3339),
		"EndRFC3339":   now.Format(time.RFC3339),
	}
	for k, v := range h.TemplateVars {
		tmplData[k] = v
	}

	url, err := renderTemplate(h.URL, tmplData)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, tmplData)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = bytes.NewBufferString(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, tmplData)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	records := gjson.GetBytes(respBody, h.RecordsPath)
	if !records.Exists() {
		return nil, fmt.Errorf("records path %q not found in response", h.RecordsPath)
	}
	if !records.IsArray() {
		return nil, fmt.Errorf("records path %q is not an array", h.RecordsPath)
	}

	rows := make([]Row, 0, len(records.Array()))
	for _, rec := range records.Array() {
		row := make(Row, len(h.Columns))
		for col, path := range h.Columns {
			field := rec.Get(path)
			if !field.Exists() {
				continue
			}
			row[col] = field.Float()
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	return &Dataset{
		Rows:        rows,
		Target:      h.Target,
		ExtractedAt: now,
	}, nil
}

// renderTemplate renders a text template with the given data. Strings without
// template markers are returned as-is.
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// ValidateConfig checks whether the extractor configuration is usable.
func (h *HTTPExtractor) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.RecordsPath == "" {
		return errors.New("recordsPath is required")
	}
	if len(h.Columns) == 0 {
		return errors.New("at least one column is required")
	}
	return nil
}
