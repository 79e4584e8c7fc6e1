package httpserver

import (
	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
)

type proxyEndpoint struct {
	server *Server
}

func newProxyEndpoint(server *Server) protocol.Endpoint {
	return &proxyEndpoint{server: server}
}

func (e *proxyEndpoint) Name() string { return "proxy" }

// Routes mounts the proxy for every method on the prefix and everything below it.
func (e *proxyEndpoint) Routes() []protocol.EndpointRoute {
	prefix := e.server.proxyPrefix
	return []protocol.EndpointRoute{
		{Path: prefix, Handler: e.server.proxy},
		{Path: prefix + "/*", Handler: e.server.proxy},
	}
}
