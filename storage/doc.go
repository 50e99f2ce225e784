// Package storage defines interfaces for persisting OAuth clients, pending
// authorization requests, authorization codes, and the issued-token audit log.
// It supports various backend implementations including in-memory and Valkey.
package storage
