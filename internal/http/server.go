package http

import (
	"net/http"
	"strconv"
	"time"

	"RampSettle/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ServerOptions struct {
	AdminToken string
	// Simulate exposes the payment simulation endpoint. Never set in production.
	Simulate bool
}

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(handler.Logger))
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Post("/buy", handler.CreateBuy)
		r.Post("/instant-sell", handler.CreateInstantSell)
		r.Post("/target-sell", handler.CreateTargetSell)
		r.Get("/{orderId}", handler.GetOrder)
		r.Post("/{orderId}/escrow", handler.AttachEscrow)
	})

	r.Route("/webhooks/payments", func(r chi.Router) {
		r.Post("/", handler.PaymentWebhook)
		if opts.Simulate {
			r.Post("/simulate", handler.SimulatePayment)
		}
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(opts.AdminToken))
		r.Get("/fills/unsettled", handler.ListUnsettledFills)
		r.Post("/fills/{fillId}/settle", handler.SettleFill)
		r.Post("/orders/{orderId}/cancel", handler.CancelOrder)
		r.Post("/orders/{orderId}/payout", handler.PayoutInstantSell)
		r.Get("/review", handler.ReviewQueue)
		r.Post("/orders/{orderId}/resolve", handler.ResolveReview)
	})

	return &Server{Router: r}
}

// accessLog logs each request and counts it by route pattern.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			logger.Debug("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
