// Package ingest is the HTTP client for the backend ingestion service: the
// multipart file upload, the per-document status endpoint used by the polling
// fallback, the short-lived monitor ticket call, and the push event stream.
package ingest
