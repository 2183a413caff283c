// Package stub is an in-memory paid-action server for local development
// and integration tests. It speaks the same wire protocol as a real
// server and adds a route that settles invoices as an external payer.
package stub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	paidaction "github.com/satsflow/paidaction"
	pahttp "github.com/satsflow/paidaction/http"
)

// Server serves a Ledger over HTTP
type Server struct {
	ledger *Ledger
	engine *gin.Engine
	apiKey string
	logger *zap.Logger
}

// Option configures the server
type Option func(*Server)

// WithAPIKey requires a bearer token on every request
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server for ledger
func NewServer(ledger *Ledger, opts ...Option) *Server {
	s := &Server{
		ledger: ledger,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(s.logger), AuthMiddleware(s.apiKey), IdentifyMiddleware())

	r.POST(pahttp.PathInvoices, s.createInvoice)
	r.GET(pahttp.PathInvoice, s.getInvoice)
	r.POST(pahttp.PathCancelInvoice, s.cancelInvoice)
	r.POST(pahttp.PathRetryInvoice, s.retryInvoice)
	r.POST(pahttp.PathPayInvoice, s.payInvoice)
	r.POST(pahttp.PathAction, s.performAction)

	s.engine = r
	return s
}

// Ledger returns the server state
func (s *Server) Ledger() *Ledger {
	return s.ledger
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx is cancelled
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("stub server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) createInvoice(c *gin.Context) {
	var req paidaction.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, err.Error(), nil))
		return
	}

	inv, err := s.ledger.CreateInvoice(req.AmountSats, time.Duration(req.ExpireSeconds)*time.Second)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.logger.Info("invoice created", zap.String("invoice_hash", inv.Hash), zap.String("sats", paidaction.FormatSats(inv.SatsRequested)))
	c.JSON(http.StatusOK, inv)
}

func (s *Server) getInvoice(c *gin.Context) {
	inv, err := s.ledger.GetInvoice(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func (s *Server) cancelInvoice(c *gin.Context) {
	var req pahttp.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, err.Error(), nil))
		return
	}

	inv, err := s.ledger.CancelInvoice(req.Hash, req.Hmac)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.logger.Info("invoice cancelled", zap.String("invoice_hash", inv.Hash))
	c.JSON(http.StatusOK, inv)
}

func (s *Server) retryInvoice(c *gin.Context) {
	var req pahttp.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, err.Error(), nil))
		return
	}

	inv, err := s.ledger.RetryInvoice(c.Param("id"), req.Hash, req.Hmac)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s.logger.Info("invoice retried", zap.String("old_hash", req.Hash), zap.String("invoice_hash", inv.Hash))
	c.JSON(http.StatusOK, inv)
}

func (s *Server) payInvoice(c *gin.Context) {
	var req pahttp.PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, err.Error(), nil))
		return
	}

	preimage, err := s.ledger.PayInvoice(req.Bolt11)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, paidaction.SendResult{Preimage: preimage})
}

func (s *Server) performAction(c *gin.Context) {
	var req pahttp.ActionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, paidaction.NewPaymentError(paidaction.ErrCodeInvalidRequest, err.Error(), nil))
			return
		}
	}

	name := c.Param("name")
	env, err := s.ledger.Perform(ActionRequest{
		Name:      name,
		Variables: req.Variables,
		Actor:     actorFrom(c),
		Proof:     proofFrom(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	fields := []zap.Field{zap.String("action", name), zap.String("payment_method", string(env.PaymentMethod))}
	if env.Invoice != nil {
		fields = append(fields, zap.String("invoice_hash", env.Invoice.Hash))
	}
	s.logger.Info("action performed", fields...)
	c.JSON(http.StatusOK, paidaction.Response{name: env})
}
