package authority

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: "https://tidesync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://tidesync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://tidesync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://tidesync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://tidesync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: "https://tidesync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}
