// Package sst negotiates state snapshot transfers: whether a transfer must
// happen before the storage engine starts, the request a joiner sends to its
// donor, and handing a received request to the transfer mechanism.
package sst

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/wsrepd/cfg"
	"github.com/maxpert/wsrepd/telemetry"
	"github.com/maxpert/wsrepd/wsrep"
)

// Methods that transfer through a running server or not at all.
const (
	MethodSkip      = "skip"
	MethodMysqldump = "mysqldump"
)

// StatusInvalidRequest is returned by Start for a request it cannot parse.
const StatusInvalidRequest = -22

var ErrInvalidRequest = errors.New("sst: invalid request")

// methodPattern limits a method to a single script name component.
var methodPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// ValidMethod reports whether method can name a wsrep_sst_<method> script
// without leaving the script directory.
func ValidMethod(method string) error {
	if !methodPattern.MatchString(method) || strings.Contains(method, "..") {
		return fmt.Errorf("%w: bad method %q", ErrInvalidRequest, method)
	}
	return nil
}

// Request is what a joiner asks its donor for.
type Request struct {
	Method  string
	Address string
	DataDir string
}

// Encode returns the wire form: method NUL address[/datadir]. A skip
// request carries only the method.
func (r Request) Encode() string {
	if r.Method == MethodSkip || r.Address == "" {
		return r.Method
	}
	addr := r.Address
	if r.DataDir != "" {
		addr += "/" + strings.TrimPrefix(r.DataDir, "/")
	}
	return r.Method + "\x00" + addr
}

// ParseRequest decodes a request built by Encode.
func ParseRequest(s string) (Request, error) {
	if s == "" {
		return Request{}, ErrInvalidRequest
	}
	method, rest, found := strings.Cut(s, "\x00")
	if method == "" {
		return Request{}, fmt.Errorf("%w: empty method", ErrInvalidRequest)
	}
	if err := ValidMethod(method); err != nil {
		return Request{}, err
	}
	if !found {
		return Request{Method: method}, nil
	}
	addr, dir, _ := strings.Cut(rest, "/")
	if dir != "" {
		dir = "/" + dir
	}
	return Request{Method: method, Address: addr, DataDir: dir}, nil
}

// Transfer is the external data copy mechanism on the donor side.
type Transfer interface {
	// Donate sends the local state to the requester and returns a status
	// code, 0 on success.
	Donate(ctx context.Context, req Request, gtid wsrep.GTID, bypass bool) int
}

// Negotiator implements the SST entry points of the server service.
type Negotiator struct {
	conf     cfg.SSTConfiguration
	dataDir  string
	transfer Transfer
}

func NewNegotiator(conf cfg.SSTConfiguration, dataDir string, transfer Transfer) *Negotiator {
	return &Negotiator{conf: conf, dataDir: dataDir, transfer: transfer}
}

// NeededBeforeStorageInit reports whether the transfer must complete before
// the storage engine is opened. Logical methods need a running engine.
func (n *Negotiator) NeededBeforeStorageInit() bool {
	switch n.conf.Method {
	case MethodSkip, MethodMysqldump:
		return false
	}
	return true
}

// PrepareRequest builds the request this node sends when it joins.
func (n *Negotiator) PrepareRequest() (string, error) {
	req := Request{Method: n.conf.Method}
	if req.Method == MethodSkip {
		return req.Encode(), nil
	}

	req.Address = n.conf.ReceiveAddress
	if req.Address == "" {
		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("sst: no receive address configured: %w", err)
		}
		req.Address = host
	}
	if n.NeededBeforeStorageInit() && n.dataDir != "" {
		dir, err := filepath.Abs(n.dataDir)
		if err != nil {
			return "", fmt.Errorf("sst: resolve data dir: %w", err)
		}
		req.DataDir = dir
	}

	log.Info().Str("method", req.Method).Str("address", req.Address).Msg("Prepared SST request")
	return req.Encode(), nil
}

// Start hands a joiner's request to the transfer mechanism and returns its
// status code unchanged.
func (n *Negotiator) Start(ctx context.Context, request string, gtid wsrep.GTID, bypass bool) int {
	req, err := ParseRequest(request)
	if err != nil {
		log.Error().Err(err).Msg("Rejecting SST request")
		telemetry.SSTTotal.With("donor", "invalid").Inc()
		return StatusInvalidRequest
	}

	log.Info().
		Str("method", req.Method).
		Str("address", req.Address).
		Str("gtid", gtid.String()).
		Bool("bypass", bypass).
		Msg("Starting SST as donor")

	start := time.Now()
	code := n.transfer.Donate(ctx, req, gtid, bypass)
	telemetry.SSTSeconds.With(req.Method).Observe(time.Since(start).Seconds())
	result := "ok"
	if code != 0 {
		result = "failed"
		log.Warn().Int("code", code).Str("method", req.Method).Msg("SST donation finished with error")
	}
	telemetry.SSTTotal.With("donor", result).Inc()
	return code
}
