// Package logging configures the structured slog logger used by chunkfusion
// and provides a viewer for the JSON log files it writes.
//
// Logs go to stderr unless a file path is configured, in which case they are
// written to a size-rotated file (by default ~/.chunkfusion/logs/chunkfusion.log)
// and optionally mirrored to stderr.
package logging
