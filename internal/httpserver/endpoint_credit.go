package httpserver

import (
	"net/http"

	"github.com/tokligence/credit-gateway/internal/httpserver/protocol"
)

type creditEndpoint struct {
	server *Server
}

func newCreditEndpoint(server *Server) protocol.Endpoint {
	return &creditEndpoint{server: server}
}

func (e *creditEndpoint) Name() string { return "credit" }

func (e *creditEndpoint) Routes() []protocol.EndpointRoute {
	wrap := func(fn http.HandlerFunc) http.Handler { return e.server.accountMiddleware(fn) }
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/credit/balance", Handler: wrap(e.server.handleBalance)},
		{Method: http.MethodGet, Path: "/api/credit/transactions", Handler: wrap(e.server.handleTransactions)},
		{Method: http.MethodGet, Path: "/api/credit/statistics", Handler: wrap(e.server.handleStatistics)},
		{Method: http.MethodGet, Path: "/api/credit/usage-summary", Handler: wrap(e.server.handleUsageSummary)},
	}
}
