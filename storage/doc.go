// Package storage defines the persistence interfaces for the authorization
// server: registered clients, access tokens, and authorization codes.
//
// All queries are point lookups by primary value so that any key-value
// backend can implement the interfaces. Two backends ship with the library:
// an in-memory store (storage/memory) and a bbolt-backed store
// (storage/bolt).
package storage
