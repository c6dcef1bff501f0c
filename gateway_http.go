package msghub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxHTTPPayload caps the accepted request body size.
const maxHTTPPayload = 1 << 20

// HTTPGateway injects messages over HTTP: a POST to /topics/<topic> is
// delivered as a received message on this gateway under the posted
// localized topic. The gateway is ingress-only; publishes towards it are
// dropped with a debug log.
type HTTPGateway struct {
	GatewayBase
	addr string
	srv  *http.Server
	ln   net.Listener
}

// NewHTTPGateway creates an HTTP ingress gateway listening on addr.
func NewHTTPGateway(addr string) *HTTPGateway {
	return &HTTPGateway{addr: addr}
}

func (g *HTTPGateway) OnStart(bundles map[string]Bundle) error {
	if g.addr == "" {
		return ErrMissingBindAddress
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/topics/*", g.handlePublish)

	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("http gateway listen: %w", err)
	}
	g.ln = ln
	g.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := g.App().Logger()
	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP gateway server failed", "gateway", g.ID(), "error", err)
		}
	}()
	logger.Info("HTTP gateway listening", "gateway", g.ID(), "addr", ln.Addr().String())
	return nil
}

func (g *HTTPGateway) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "*")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPPayload))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if err := g.HandleReceived(NewMessage(topic, payload)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// BoundAddr returns the actual listen address, useful with ":0".
func (g *HTTPGateway) BoundAddr() string {
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func (g *HTTPGateway) OnPublish(msg *Message) error {
	g.App().Logger().Debug("HTTP gateway is ingress-only, publish dropped", "topic", msg.Topic())
	return nil
}

func (g *HTTPGateway) OnStop() {
	if g.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.srv.Shutdown(ctx); err != nil {
		g.App().Logger().Warn("HTTP gateway shutdown", "gateway", g.ID(), "error", err)
	}
}

func (g *HTTPGateway) IsValidTopicName(topic string) bool {
	return IsValidTopicName(topic) && !ContainsWildcard(topic)
}
