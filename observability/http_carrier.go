package observability

import (
	"net/http"
	"strings"
)

// HeaderCarrier copies request headers into the lower-cased string map the
// Tracer propagates through, keeping the first value of each header
func HeaderCarrier(h http.Header) map[string]string {
	carrier := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) > 0 {
			carrier[strings.ToLower(key)] = values[0]
		}
	}
	return carrier
}
