package endpoint

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSONRenderer writes Value as a JSON document. A zero Status means 200.
//
// The value is encoded before the status line is written, so an encoding
// failure is returned to the pipeline's error renderer instead of producing
// a truncated 200.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jr.Value); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}
