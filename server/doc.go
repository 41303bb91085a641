// Package server implements the OAuth 2.0 authorization server logic:
// authorization request validation, consent handling, the grant engine,
// and token introspection and revocation.
//
// The package is transport-agnostic. The root package provides the HTTP
// adapter; everything here operates on plain request structs and returns
// structured protocol errors.
package server
