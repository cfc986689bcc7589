// Package report renders ingestion run summaries and exports stored
// listings.
package report

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"text/template"
	"time"

	"github.com/FranksOps/poolfeed/internal/ingest"
)

// Totals are record counts for one marketplace or for all of them.
type Totals struct {
	Runs           int
	Fetched        int
	Created        int
	Updated        int
	Rejected       int
	Excluded       int
	Failed         int
	DetailFailures int
	SearchErrors   int
}

func (t *Totals) add(s *ingest.Summary) {
	t.Runs++
	t.Fetched += s.Fetched
	t.Created += s.Created
	t.Updated += s.Updated
	t.Rejected += s.Rejected
	t.Excluded += s.Excluded
	t.Failed += s.Failed
	t.DetailFailures += s.DetailFailures
	if s.SearchError != "" {
		t.SearchErrors++
	}
}

// Overview aggregates a set of ingestion runs.
type Overview struct {
	Totals
	ByMarketplace map[string]*Totals
	StartTime     time.Time
	EndTime       time.Time
	Duration      time.Duration
}

// Aggregate folds run summaries into an Overview.
func Aggregate(runs []*ingest.Summary) Overview {
	o := Overview{ByMarketplace: make(map[string]*Totals)}

	for _, r := range runs {
		if r == nil {
			continue
		}
		if o.Runs == 0 {
			o.StartTime, o.EndTime = r.Started, r.Finished
		}
		o.Totals.add(r)
		m := string(r.Marketplace)
		if m == "" {
			m = "all"
		}
		if o.ByMarketplace[m] == nil {
			o.ByMarketplace[m] = &Totals{}
		}
		o.ByMarketplace[m].add(r)

		if r.Started.Before(o.StartTime) {
			o.StartTime = r.Started
		}
		if r.Finished.After(o.EndTime) {
			o.EndTime = r.Finished
		}
	}

	o.Duration = o.EndTime.Sub(o.StartTime)
	return o
}

// WriteJSON writes the overview to the provided writer in JSON format.
func WriteJSON(w io.Writer, o Overview) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(o); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

const textTmpl = `Poolfeed Ingestion Summary
--------------------------
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Runs:          {{.Runs}} ({{.SearchErrors}} failed searches)
Fetched:       {{.Fetched}} records
Created:       {{.Created}}
Updated:       {{.Updated}}
Rejected:      {{.Rejected}}
Excluded:      {{.Excluded}}
Failed:        {{.Failed}}
Detail errors: {{.DetailFailures}}

By Marketplace:
{{- range $m, $t := .ByMarketplace}}
  {{$m}}: {{$t.Created}} created, {{$t.Updated}} updated, {{$t.Excluded}} excluded, {{$t.Failed}} failed
{{- else}}
  None
{{- end}}
`

// WriteText writes a human-readable text overview to the provided writer.
func WriteText(w io.Writer, o Overview) error {
	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("report: parse text template: %w", err)
	}
	if err := t.Execute(w, o); err != nil {
		return fmt.Errorf("report: render text: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Poolfeed Ingestion Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  .bad { color: red; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Poolfeed Ingestion Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card"><div>Runs</div><div class="stat-val">{{.Runs}}</div></div>
  <div class="stat-card"><div>Created</div><div class="stat-val">{{.Created}}</div></div>
  <div class="stat-card"><div>Updated</div><div class="stat-val">{{.Updated}}</div></div>
  <div class="stat-card"><div>Failed</div><div class="stat-val{{if gt .Failed 0}} bad{{end}}">{{.Failed}}</div></div>

  <h3>By Marketplace</h3>
  <table>
    <tr><th>Marketplace</th><th>Runs</th><th>Fetched</th><th>Created</th><th>Updated</th><th>Rejected</th><th>Excluded</th><th>Failed</th></tr>
    {{- range $m, $t := .ByMarketplace}}
    <tr><td>{{$m}}</td><td>{{$t.Runs}}</td><td>{{$t.Fetched}}</td><td>{{$t.Created}}</td><td>{{$t.Updated}}</td><td>{{$t.Rejected}}</td><td>{{$t.Excluded}}</td><td>{{$t.Failed}}</td></tr>
    {{- else}}
    <tr><td colspan="8">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, o Overview) error {
	t, err := htmltemplate.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("report: parse html template: %w", err)
	}
	if err := t.Execute(w, o); err != nil {
		return fmt.Errorf("report: render html: %w", err)
	}
	return nil
}
