// Package logging builds the slog loggers used across uploadq and provides
// shared attribute helpers plus the standardized field vocabulary.
package logging
