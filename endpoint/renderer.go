package endpoint

import "net/http"

// StringRenderer is a renderer implementation that writes a string
// as the response body with an optional status code and content type.
//
// When ContentType is empty, StringRenderer defaults to
// "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// setContentType ensures that a suitable Content-Type header is set for
// text-based responses. If the Content-Type header is already set, it is left
// unchanged. If contentType is empty, a default of "text/plain; charset=utf-8"
// is used.
func setContentType(w http.ResponseWriter, contentType string) {
	// Only set Content-Type if it has not already been set by an outer
	// renderer (e.g., a status or header renderer).
	if w.Header().Get("Content-Type") == "" {
		if contentType == "" {
			contentType = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)
	}
}

// Render implements Renderer for StringRenderer.
//
// StringRenderer is terminal: it MUST call WriteHeader and MUST NOT call next.
func (tr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, tr.ContentType)
	status := tr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if tr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(tr.Body))
	return err
}

// NoContentRenderer writes a response with no body and a specific status code.
//
// If Status is 0, it defaults to http.StatusNoContent.
type NoContentRenderer struct {
	Status int
}

func (ncr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	status := ncr.Status
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
	return nil
}

// RedirectRenderer redirects the client to a new URL.
//
// If Status is 0, it defaults to http.StatusTemporaryRedirect (307).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer for RedirectRenderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}
