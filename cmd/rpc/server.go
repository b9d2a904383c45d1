package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/alecthomas/units"
	"github.com/canopy-network/accord/coordinator"
	"github.com/canopy-network/accord/lib"
	"github.com/rs/cors"
)

const (
	SoftwareVersion = "0.1.0-alpha"
	ContentType     = "Content-Type"
	ApplicationJSON = "application/json; charset=utf-8"
)

// Archive is the read side of the persisted outcome history
type Archive interface {
	GetOutcome(subject string, epoch uint64) (*lib.Outcome, lib.ErrorI)
	Outcomes(subject string, limit int) ([]*lib.Outcome, lib.ErrorI)
	GetReceipt(subject string, epoch uint64) (*lib.Receipt, lib.ErrorI)
}

// Server is the http api applications use to drive a coordination peer
type Server struct {
	node    *coordinator.Node // the coordination peer
	archive Archive           // outcome history, may be nil
	config  lib.RPCConfig     // api options
	server  *http.Server      // the listening server, nil until Start()
	logger  lib.LoggerI
}

// NewServer() constructs the api server of a coordination peer
func NewServer(node *coordinator.Node, archive Archive, config lib.RPCConfig, logger lib.LoggerI) *Server {
	return &Server{node: node, archive: archive, config: config, logger: logger}
}

// Handler() is the api wrapped in the cors policy and the request timeout
func (s *Server) Handler() http.Handler {
	// Create CORS policy
	cor := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS", "POST"},
	})
	// Create a default timeout for HTTP requests
	timeout := time.Duration(s.config.TimeoutS) * time.Second
	return cor.Handler(http.TimeoutHandler(createRouter(s), timeout, lib.ErrRPCTimeout().Error()))
}

// Start() serves the api in the background if it's enabled
func (s *Server) Start() {
	if !s.config.Enabled {
		return
	}
	s.server = &http.Server{Addr: s.config.Address, Handler: s.Handler()}
	go func() {
		s.logger.Infof("Starting RPC server at %s", s.config.Address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("RPC server failed with err: %s", err.Error())
		}
	}()
}

// Stop() gracefully shuts the api down
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Errorf("RPC server shutdown failed with err: %s", err.Error())
	}
}

// unmarshal() reads a json request body of at most 1 MB into ptr, answering 400 on failure
func unmarshal(w http.ResponseWriter, r *http.Request, ptr any) bool {
	bz, err := io.ReadAll(io.LimitReader(r.Body, int64(units.MB)))
	if err != nil {
		write(w, lib.ErrInvalidParams(err), http.StatusBadRequest)
		return false
	}
	defer func() { _ = r.Body.Close() }()
	if err = json.Unmarshal(bz, ptr); err != nil {
		write(w, lib.ErrInvalidParams(err), http.StatusBadRequest)
		return false
	}
	return true
}

// write() answers with the indented json of the payload
func write(w http.ResponseWriter, payload any, code int) {
	w.Header().Set(ContentType, ApplicationJSON)
	w.WriteHeader(code)
	bz, _ := json.MarshalIndent(payload, "", "  ")
	_, _ = w.Write(bz)
}
