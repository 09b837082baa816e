package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Put("/contracts/{contractID}", apiHandler.PutContractHandler)
			r.Delete("/contracts/{contractID}", apiHandler.DeleteContractHandler)
			r.Route("/contracts/{contractID}/embeddings", func(r chi.Router) {
				r.Post("/", apiHandler.GenerateEmbeddingsHandler)
				r.Get("/", apiHandler.EmbeddingStatusHandler)
				r.Delete("/", apiHandler.DeleteEmbeddingsHandler)
			})

			r.Post("/chat", apiHandler.ChatHandler)
			r.Get("/chat/{sessionID}/history", apiHandler.ChatHistoryHandler)
			r.Delete("/chat/{sessionID}/history", apiHandler.DeleteChatHistoryHandler)

			r.Get("/search", apiHandler.SearchHandler)
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
