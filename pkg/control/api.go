// Package control implements a small JSON-over-stream-socket control API
// (served by cmd/modcached on a TCP listener)
// (supplemented, §4 of SPEC_FULL.md) so the outer mod-installer process can
// drive the cache optimizer facade without linking Go code directly. Shaped
// directly after the request/response decode loop in this codebase's own
// control API server.
package control

import (
	"context"
	"encoding/json"
	"net"

	"github.com/rs/zerolog"

	"github.com/kotormodsync/dcc/pkg/cacheopt"
)

// Request mirrors the teacher's control protocol envelope.
type Request struct {
	Method string                 `json:"method"`
	ID     string                 `json:"id"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Response mirrors the teacher's control protocol envelope.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Server dispatches control requests against a single Optimizer.
type Server struct {
	opt *cacheopt.Optimizer
	log zerolog.Logger
}

// NewServer creates a control API server bound to opt.
func NewServer(opt *cacheopt.Optimizer, log zerolog.Logger) *Server {
	return &Server{opt: opt, log: log}
}

// Serve accepts connections on listener until ctx is canceled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return
		}

		resp := s.dispatch(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "GetStats":
		shares, uploaded, sources := s.opt.GetNetworkCacheStats()
		return Response{ID: req.ID, Result: map[string]interface{}{
			"active_shares":     shares,
			"total_uploaded":    uploaded,
			"connected_sources": sources,
		}}

	case "BlockContentId":
		contentId, _ := req.Params["content_id"].(string)
		reason, _ := req.Params["reason"].(string)
		s.opt.BlockContentId(contentId, reason)
		return Response{ID: req.ID, Result: "ok"}

	case "GetSharedResourceDetails":
		key, _ := req.Params["key"].(string)
		return Response{ID: req.ID, Result: s.opt.GetSharedResourceDetails(key)}

	case "Shutdown":
		if err := s.opt.GracefulShutdown(ctx); err != nil {
			return Response{ID: req.ID, Error: err.Error()}
		}
		return Response{ID: req.ID, Result: "ok"}

	default:
		return Response{ID: req.ID, Error: "unknown method: " + req.Method}
	}
}
