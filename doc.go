// Package oauth provides the HTTP surface of an OAuth 2.0 authorization
// server. The Handler is a thin adapter: it parses requests, delegates to
// the server package for all protocol decisions, and encodes the results
// as redirects, JSON, or an inline error page.
//
// Hosts mount the endpoints on their own mux via Handler.Routes and plug
// in the collaborators the protocol engine needs: storage backends, a
// scope catalog, and the providers package interfaces for user
// authentication and resource data.
package oauth
