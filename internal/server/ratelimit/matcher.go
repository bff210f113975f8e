package ratelimit

import (
	"net/http"
	"strings"
)

// Route is the class of API traffic a request is charged against.
type Route string

const (
	// RouteExempt covers probes and scrapes, which are never limited.
	RouteExempt Route = "exempt"
	// RouteUpload covers ingest, which writes blobs and starts pipeline runs.
	RouteUpload Route = "upload"
	// RouteFeed covers progress feed connections.
	RouteFeed Route = "feed"
	// RouteRead covers metadata lookups and media range requests.
	RouteRead Route = "read"
	// RouteDefault is everything else.
	RouteDefault Route = "default"
)

// Classify maps a request onto its route class.
func Classify(method, path string) Route {
	switch {
	case method == http.MethodGet && (path == "/health" || path == "/metrics"):
		return RouteExempt
	case method == http.MethodPost && path == "/api/videos/upload":
		return RouteUpload
	case method == http.MethodGet && (path == "/api/videos/events" || path == "/api/videos/ws"):
		return RouteFeed
	case method == http.MethodGet && (path == "/api/videos" || strings.HasPrefix(path, "/api/videos/")):
		return RouteRead
	default:
		return RouteDefault
	}
}
