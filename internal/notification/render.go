package notification

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"strings"
	"sync"
	texttemplate "text/template"
)

//go:embed templates
var templateFS embed.FS

const fallbackLang = "en"

// Renderer turns a Job into a subject and an HTML body. Each template file
// defines a "subject" and a "body" block. The subject is a header value and
// is rendered without HTML escaping.
type Renderer struct {
	appName string
	lang    string

	mu    sync.Mutex
	cache map[Template]*parsed
}

type parsed struct {
	subject *texttemplate.Template
	body    *template.Template
}

func NewRenderer(appName, lang string) *Renderer {
	if lang == "" {
		lang = fallbackLang
	}
	return &Renderer{appName: appName, lang: lang, cache: map[Template]*parsed{}}
}

// Render executes the job's template in the configured language, falling back
// to English when the language has no such file.
func (r *Renderer) Render(job Job) (subject, body string, err error) {
	t, err := r.lookup(job.Template)
	if err != nil {
		return "", "", err
	}
	data := map[string]string{"app_name": r.appName}
	for k, v := range job.Vars {
		data[k] = v
	}
	var s, b bytes.Buffer
	if err := t.subject.ExecuteTemplate(&s, "subject", data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", job.Template, err)
	}
	if err := t.body.ExecuteTemplate(&b, "body", data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", job.Template, err)
	}
	return strings.TrimSpace(s.String()), b.String(), nil
}

func (r *Renderer) lookup(tpl Template) (*parsed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[tpl]; ok {
		return t, nil
	}
	path := "templates/" + r.lang + "/" + string(tpl) + ".html"
	if _, err := fs.Stat(templateFS, path); err != nil {
		path = "templates/" + fallbackLang + "/" + string(tpl) + ".html"
	}
	name := string(tpl) + ".html"
	subject, err := texttemplate.New(name).Option("missingkey=zero").ParseFS(templateFS, path)
	if err != nil {
		return nil, fmt.Errorf("no mail template %q: %w", tpl, err)
	}
	body, err := template.New(name).Option("missingkey=zero").ParseFS(templateFS, path)
	if err != nil {
		return nil, fmt.Errorf("no mail template %q: %w", tpl, err)
	}
	t := &parsed{subject: subject, body: body}
	r.cache[tpl] = t
	return t, nil
}
