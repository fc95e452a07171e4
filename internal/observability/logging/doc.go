// Package logging builds the process logger and carries it through contexts.
//
// Output is JSON on stdout unless LOG_FORMAT=text. LOG_LEVEL accepts
// debug, info, warn and error.
//
//	logger := logging.NewLogger()
//	slog.SetDefault(logger)
//
//	func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.WithRequestID(r.Context(), h.logger)
//	    logger.Info("consume", slog.String("module", module))
//	}
package logging
