// Package logging configures structured slog output for esindex.
//
// Without a log file, records go to stderr only. With --debug (or a
// logging.file setting) JSON records are also written to a size-rotated
// file under ~/.esindex/logs/.
package logging
