package endpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Add(hp.Key, hp.Value)
	return next(w, r)
}

func TestHandler_ProcessorsRunInOrder(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, headerProcessor{"X-Order", "1"}, headerProcessor{"X-Order", "2"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Values("X-Order"); strings.Join(got, ",") != "1,2" {
		t.Fatalf("processor order: got %v", got)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body: got %q", rec.Body.String())
	}
}

func TestHandler_NilEndpointAndRenderer_Are500(t *testing.T) {
	var h EndpointHandler[struct{}]
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("nil endpoint: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, nil
	})(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("nil renderer: got %d", rec.Code)
	}
}

func TestHandler_EndpointError_StatusAndMessage(t *testing.T) {
	cause := errors.New("boom")
	rec := httptest.NewRecorder()
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusUnauthorized, "", cause)
	})(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Unauthorized") {
		t.Fatalf("body: got %q", rec.Body.String())
	}

	var ee *EndpointError
	if err := Error(http.StatusBadRequest, "x", Error(http.StatusForbidden, "y", cause)); !errors.As(err, &ee) || ee.Status != http.StatusForbidden {
		t.Fatalf("double wrap: got %v", err)
	}
	if !errors.Is(Error(http.StatusBadRequest, "", cause), cause) {
		t.Fatal("Unwrap should expose cause")
	}
}

func TestHandler_NonEndpointError_Is500(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("plain")
	})(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHandler_ErrorRenderer(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusUnauthorized, "", nil)
	}).WithErrorRenderer(func(_ *http.Request, err error) Renderer {
		return &JSONRenderer{Status: http.StatusUnauthorized, Value: map[string]any{"authenticated": false}}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"authenticated":false}` {
		t.Fatalf("body: got %q", got)
	}
}

func TestHandler_ErrorRenderer_NilFallsBack(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusTeapot, "teapot", nil)
	}).WithErrorRenderer(func(*http.Request, error) Renderer { return nil })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHandler_PanicBecomesPanicError(t *testing.T) {
	var seen error
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		panic("kaboom")
	}).WithErrorRenderer(func(_ *http.Request, err error) Renderer {
		seen = err
		return &RedirectRenderer{URL: "/auth/login?error=server_error", Status: http.StatusFound}
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))

	var pe *PanicError
	if !errors.As(seen, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", seen)
	}
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/auth/login?error=server_error" {
		t.Fatalf("redirect: got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestHandler_DeferRunsLIFOBeforeHeaders(t *testing.T) {
	var order []string
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			order = append(order, "first")
			http.SetCookie(w, &http.Cookie{Name: "a", Value: "1"})
		})
		Defer(r.Context(), func(http.ResponseWriter) { order = append(order, "second") })
		return next(w, r)
	})

	rec := httptest.NewRecorder()
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	}, p)(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if strings.Join(order, ",") != "second,first" {
		t.Fatalf("order: got %v", order)
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("deferred cookie missing")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d", rec.Code)
	}
}

func TestHandler_DeferRunsOnError(t *testing.T) {
	ran := false
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(http.ResponseWriter) { ran = true })
		return next(w, r)
	})
	rec := httptest.NewRecorder()
	HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "", nil)
	}, p)(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !ran {
		t.Fatal("deferred hook did not run on error")
	}
}

func TestDefer_NoOpWithoutHandler(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	Defer(r.Context(), func(http.ResponseWriter) { t.Fatal("should not run") })
	Commit(r.Context(), httptest.NewRecorder())
}
