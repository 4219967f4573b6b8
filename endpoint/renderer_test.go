package endpoint

import (
	htmltmpl "html/template"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestJSONRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	err := (&JSONRenderer{Status: http.StatusUnauthorized, Value: map[string]string{"error": "a<b"}}).Render(rec, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"a<b"}` {
		t.Fatalf("body: got %q", got)
	}
}

func TestJSONRenderer_EncodeErrorWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := (&JSONRenderer{Value: make(chan int)}).Render(rec, nil); err == nil {
		t.Fatal("expected encode error")
	}
	if rec.Header().Get("Content-Type") != "" || rec.Body.Len() != 0 {
		t.Fatalf("response was started: %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}
}

func TestRedirectRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	_ = (&RedirectRenderer{URL: "https://idp.example.com/oauth/authorize?x=1", Status: http.StatusFound}).Render(rec, r)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://idp.example.com/oauth/authorize?x=1" {
		t.Fatalf("got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	_ = (&RedirectRenderer{URL: "/"}).Render(rec, r)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("default status: got %d", rec.Code)
	}
}

func TestStringAndNoContentRenderer(t *testing.T) {
	rec := httptest.NewRecorder()
	_ = (&StringRenderer{Body: "ok"}).Render(rec, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "text/plain; charset=utf-8" || rec.Body.String() != "ok" {
		t.Fatalf("string: %d %q %q", rec.Code, rec.Header().Get("Content-Type"), rec.Body.String())
	}

	rec = httptest.NewRecorder()
	_ = (&NoContentRenderer{}).Render(rec, nil)
	if rec.Code != http.StatusNoContent || rec.Body.Len() != 0 {
		t.Fatalf("no content: %d %q", rec.Code, rec.Body.String())
	}
}

func TestHTMLTemplateRenderer(t *testing.T) {
	tmpl := htmltmpl.Must(htmltmpl.New("page").Parse(`<a href="{{.URL}}">{{.Text}}</a>`))
	rec := httptest.NewRecorder()
	err := (&HTMLTemplateRenderer{Template: tmpl, Values: map[string]string{"URL": "https://x/?a=1&b=2", "Text": "<b>"}}).Render(rec, nil)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "&amp;b=2") || !strings.Contains(body, "&lt;b&gt;") {
		t.Fatalf("escaping: %q", body)
	}
	if rec.Header().Get("Content-Type") != "text/html; charset=utf-8" {
		t.Fatalf("content type: %q", rec.Header().Get("Content-Type"))
	}

	bad := htmltmpl.Must(htmltmpl.New("bad").Parse(`{{.Missing.Field}}`))
	rec = httptest.NewRecorder()
	if err := (&HTMLTemplateRenderer{Template: bad, Values: map[string]any{}}).Render(rec, nil); err == nil {
		t.Fatal("expected execution error")
	}
	if rec.Body.Len() != 0 {
		t.Fatal("failed template must not write a partial body")
	}
}
