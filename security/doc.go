// Package security provides the cross-cutting security features of the
// authorization server: consent token encryption, per-IP rate limiting,
// audit logging with PII hashing, clock skew handling, client IP
// extraction, and secure response headers.
package security
