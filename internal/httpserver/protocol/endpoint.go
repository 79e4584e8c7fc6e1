package protocol

import "net/http"

// EndpointRoute binds one method and chi pattern to a handler. An empty
// Method matches every method.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint is a named bundle of routes mounted on the gateway router.
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
