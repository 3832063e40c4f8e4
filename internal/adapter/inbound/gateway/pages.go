package gateway

import (
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Pages renders the HTML surfaces the gateway serves itself: the starting
// page while an instance spawns, and the error and forbidden pages.
type Pages struct {
	tmpl *template.Template
}

// NewPages parses the embedded page templates.
func NewPages() (*Pages, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Pages{tmpl: tmpl}, nil
}

// startingData is the payload for the starting page template.
type startingData struct {
	AppName         string
	ExpectedSeconds int
	PollSeconds     int
}

// Starting renders the auto-refreshing page shown while the instance is
// spawning. 202 tells intermediaries this is not the application's content.
func (p *Pages) Starting(w http.ResponseWriter, appName string, expectedSeconds int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusAccepted)
	_ = p.tmpl.ExecuteTemplate(w, "starting.html", startingData{
		AppName:         appName,
		ExpectedSeconds: expectedSeconds,
		PollSeconds:     2,
	})
}

// errorData is the payload for the error page template.
type errorData struct {
	Title    string
	Message  string
	RetryURL string
}

// Error renders the gateway error page with the given status code. RetryURL,
// when non-empty, gives the user a link that restarts the resolution flow.
func (p *Pages) Error(w http.ResponseWriter, status int, title, message, retryURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = p.tmpl.ExecuteTemplate(w, "error.html", errorData{
		Title:    title,
		Message:  message,
		RetryURL: retryURL,
	})
}

// forbiddenData is the payload for the forbidden page template.
type forbiddenData struct {
	Message string
	Network bool
}

// Forbidden renders the 403 page. network selects the variant explaining a
// network restriction rather than a missing grant.
func (p *Pages) Forbidden(w http.ResponseWriter, message string, network bool) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusForbidden)
	_ = p.tmpl.ExecuteTemplate(w, "forbidden.html", forbiddenData{
		Message: message,
		Network: network,
	})
}

// NotFound renders the 404 page for hosts that match no known application.
func (p *Pages) NotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNotFound)
	_ = p.tmpl.ExecuteTemplate(w, "notfound.html", nil)
}
