package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
)

// HTMLTemplateRenderer executes Template with Values into a buffer and
// writes the result. Execution errors surface before anything is sent.
type HTMLTemplateRenderer struct {
	Status   int
	Template *template.Template
	Values   any
}

func (hr *HTMLTemplateRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if hr.Template == nil {
		return errors.New("endpoint: nil html/template")
	}
	var buf bytes.Buffer
	if err := hr.Template.Execute(&buf, hr.Values); err != nil {
		return err
	}

	setContentType(w, "text/html; charset=utf-8")
	status := hr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
