package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds each decoded value when no maxLength tag is given.
var defaultFieldLimit = 16 * 1024 // 16KB

// defaultFormBodyLimit bounds url-encoded request bodies.
var defaultFormBodyLimit int64 = 64 * 1024

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the
// request.
//
// Supported struct tags:
//   - `path:"name"`   r.PathValue(name)
//   - `query:"name"`  r.URL.Query()
//   - `form:"name"`   url-encoded POST body
//   - `header:"name"` r.Header
//   - `cookie:"name"` raw cookie value
//   - `maxLength:"n"` maximum byte length for the field value; "0" disables
//
// A tag value of "-" ignores the field; an empty name defaults to the field
// name lowercased. When several sources are tagged the first present one
// wins, in the order path, query, form, header, cookie. Absent values leave
// the field unchanged.
//
// Supported field kinds: string, []string, bool, signed and unsigned ints.
// Values over the length limit or failing to parse yield a 400 EndpointError.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}
	if root.NumField() == 0 {
		return nil
	}

	src := &requestSource{r: r}
	return unmarshalStruct(src, root)
}

// requestSource lazily parses the parts of the request that fields ask for.
type requestSource struct {
	r     *http.Request
	query url.Values
	form  url.Values
}

func (s *requestSource) lookup(source, name string) ([]string, bool, error) {
	switch source {
	case "path":
		v := s.r.PathValue(name)
		return []string{v}, v != "", nil
	case "query":
		if s.query == nil {
			s.query = url.Values{}
			if s.r.URL != nil {
				s.query = s.r.URL.Query()
			}
		}
		vs, ok := s.query[name]
		return vs, ok && len(vs) > 0, nil
	case "form":
		if s.form == nil {
			f, err := parseFormBody(s.r)
			if err != nil {
				return nil, false, err
			}
			s.form = f
		}
		vs, ok := s.form[name]
		return vs, ok && len(vs) > 0, nil
	case "header":
		vs := s.r.Header.Values(name)
		return vs, len(vs) > 0, nil
	case "cookie":
		c, err := s.r.Cookie(name)
		if err != nil {
			return nil, false, nil
		}
		return []string{c.Value}, true, nil
	}
	return nil, false, fmt.Errorf("endpoint: decode: unknown source %q", source)
}

func parseFormBody(r *http.Request) (url.Values, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return url.Values{}, nil
	}
	if r.PostForm == nil {
		r.Body = http.MaxBytesReader(nil, r.Body, defaultFormBodyLimit)
		if err := r.ParseForm(); err != nil {
			return nil, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("parse form: %w", err))
		}
	}
	return r.PostForm, nil
}

var sourceOrder = []string{"path", "query", "form", "header", "cookie"}

func unmarshalStruct(src *requestSource, structVal reflect.Value) error {
	t := structVal.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := structVal.Field(i)

		// Untagged embedded structs are flattened.
		if sf.Anonymous && fv.Kind() == reflect.Struct && !hasSourceTag(sf) {
			if err := unmarshalStruct(src, fv); err != nil {
				return err
			}
			continue
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, source := range sourceOrder {
			tag, ok := sf.Tag.Lookup(source)
			if !ok {
				continue
			}
			name, _, _ := strings.Cut(tag, ",")
			name = strings.TrimSpace(name)
			if name == "-" {
				break
			}
			if name == "" {
				name = strings.ToLower(sf.Name)
			}
			vals, present, err := src.lookup(source, name)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			if limit > 0 {
				for _, v := range vals {
					if len(v) > limit {
						return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("%s %q exceeds %d bytes", source, name, limit))
					}
				}
			}
			if err := setField(fv, vals); err != nil {
				return newEndpointError(http.StatusBadRequest, "", fmt.Errorf("%s %q: %w", source, name, err))
			}
			break
		}
	}
	return nil
}

func hasSourceTag(sf reflect.StructField) bool {
	for _, s := range sourceOrder {
		if _, ok := sf.Tag.Lookup(s); ok {
			return true
		}
	}
	return false
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil {
		return 0, fmt.Errorf("maxLength tag: %w", err)
	}
	if n < 0 {
		return 0, errors.New("maxLength tag must be non-negative")
	}
	return n, nil
}

func setField(fv reflect.Value, vals []string) error {
	if fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.String {
		fv.Set(reflect.ValueOf(append([]string(nil), vals...)).Convert(fv.Type()))
		return nil
	}
	s := vals[0]
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
