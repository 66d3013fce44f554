package web

import (
	"bytes"
	"html/template"
	"log"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/prose-arena/internal/db"
	"github.com/joestump/prose-arena/internal/rating"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM, // tables, strikethrough, autolinks
	),
)

// renderMarkdown converts model output to HTML, falling back to escaped
// plain text when conversion fails.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md)) //nolint:gosec
	}
	return template.HTML(buf.String()) //nolint:gosec
}

var leaderboardTmpl = template.Must(template.New("leaderboard").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Leaderboard</title></head>
<body>
<h1>Leaderboard</h1>
<p>Next rating update: {{.NextUpdateTime}}</p>
<table border="1" cellpadding="4">
<tr><th>#</th><th>Model</th><th>Tier</th><th>Rating</th><th>RD</th><th>Battles</th><th>Wins</th><th>Ties</th><th>Skips</th><th>Win %</th></tr>
{{range .Entries}}<tr>
<td>{{.Rank}}</td><td>{{.ModelName}}</td><td>{{.Tier}}</td>
<td>{{printf "%.0f" .Rating}}</td><td>{{printf "%.0f" .RatingDeviation}}</td>
<td>{{.Battles}}</td><td>{{.Wins}}</td><td>{{.Ties}}</td><td>{{.Skips}}</td>
<td>{{printf "%.1f" .WinRatePercentage}}</td>
</tr>
{{end}}</table>
</body></html>
`))

func (s *Server) renderLeaderboardHTML(w http.ResponseWriter, entries []rating.Entry, next string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Entries        []rating.Entry
		NextUpdateTime string
	}{entries, next}
	if err := leaderboardTmpl.Execute(w, data); err != nil {
		log.Printf("leaderboard view: %v", err)
	}
}

var battleTmpl = template.Must(template.New("battle").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Battle {{.ID}}</title></head>
<body>
<h1>Battle {{.ID}}</h1>
<p>Theme: {{.PromptTheme}} · Status: {{.Status}}{{if .Winner}} · Winner: {{.Winner}}{{end}}</p>
<h2>Prompt</h2>
<div>{{.Prompt}}</div>
<h2>{{.NameA}}</h2>
<div>{{.ResponseA}}</div>
<h2>{{.NameB}}</h2>
<div>{{.ResponseB}}</div>
</body></html>
`))

func (s *Server) renderBattleHTML(w http.ResponseWriter, b *db.Battle) {
	nameA, nameB := "Model A", "Model B"
	if b.Revealed {
		nameA, nameB = b.ModelAName, b.ModelBName
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		ID, PromptTheme, Status, Winner, NameA, NameB string
		Prompt, ResponseA, ResponseB                  template.HTML
	}{
		ID:          b.ID,
		PromptTheme: b.PromptTheme,
		Status:      b.Status,
		Winner:      displayWinner(b.Winner),
		NameA:       nameA,
		NameB:       nameB,
		Prompt:      renderMarkdown(b.Prompt),
		ResponseA:   renderMarkdown(b.ResponseA),
		ResponseB:   renderMarkdown(b.ResponseB),
	}
	if err := battleTmpl.Execute(w, data); err != nil {
		log.Printf("battle view: %v", err)
	}
}
