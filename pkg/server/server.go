package server

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Wa4h1h/tftpd/pkg/types"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

// maxPollInterval bounds one scheduler pass so Close is noticed even
// when no retransmit deadline is pending.
const maxPollInterval = time.Second

type Config struct {
	Port      string
	BindAddrs []string
	Timeout   time.Duration
	NumTries  int
	Trace     bool
}

func DefaultConfig() *Config {
	return &Config{
		Port:      types.DefaultPort,
		BindAddrs: []string{""},
		Timeout:   time.Duration(types.DefaultTimeoutSecs) * time.Second,
		NumTries:  types.DefaultNumTries,
	}
}

// handle is one live entry of the scheduler: a listener or a transfer
// bound to its own endpoint (a fresh TID per transfer).
type handle struct {
	ep       DatagramEndpoint
	m        machine
	peer     Addr
	interest Interest
	listener bool
}

// Server multiplexes the listener and all live transfers over a single
// goroutine: each pass polls the endpoints for readiness and resumes the
// machines whose interest (or retransmit deadline) came due. Payload
// bytes are pulled from the caller's sources and pushed to its sinks one
// block at a time; a transfer holds at most one block in memory.
type Server struct {
	logger    *zap.SugaredLogger
	rrq       RrqFactory
	wrq       WrqFactory
	cfg       *Config
	handles   map[int]*handle
	peers     map[Addr]int
	listeners []*Endpoint
	poll      PollFunc
	now       func() time.Time
	mu        sync.Mutex
	closed    atomic.Bool
}

func NewServer(l *zap.SugaredLogger, rrq RrqFactory, wrq WrqFactory, cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if len(cfg.BindAddrs) == 0 {
		cfg.BindAddrs = []string{""}
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(types.DefaultTimeoutSecs) * time.Second
	}

	if cfg.NumTries <= 0 {
		cfg.NumTries = types.DefaultNumTries
	}

	return &Server{
		logger:  l,
		rrq:     rrq,
		wrq:     wrq,
		cfg:     cfg,
		handles: make(map[int]*handle),
		peers:   make(map[Addr]int),
		poll:    pollReadiness,
		now:     time.Now,
	}
}

// ListenAndServe binds every configured address on the configured port
// and runs the scheduler until Close is called.
func (s *Server) ListenAndServe() error {
	port, err := strconv.Atoi(s.cfg.Port)
	if err != nil {
		s.logger.Errorf("error while parsing port %s: %s", s.cfg.Port, err.Error())

		return utils.ErrStartingServer
	}

	s.mu.Lock()

	for _, bindAddr := range s.cfg.BindAddrs {
		ep, err := NewEndpoint(bindAddr, port)
		if err != nil {
			s.mu.Unlock()
			s.logger.Errorf("error while binding listener: %s", err.Error())
			_ = s.Close()

			return utils.ErrStartingServer
		}

		s.listeners = append(s.listeners, ep)
		s.handles[ep.Fd()] = &handle{ep: ep, listener: true, interest: Interest{Read: true}}
	}

	s.mu.Unlock()

	return s.run()
}

// LocalAddrs returns the bound listener addresses, useful when the
// configured port was 0.
func (s *Server) LocalAddrs() []Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]Addr, 0, len(s.listeners))
	for _, ep := range s.listeners {
		addrs = append(addrs, ep.LocalAddr())
	}

	return addrs
}

// Close stops the scheduler. It only flips the stop flag and closes the
// listener endpoints; live transfer endpoints are released by the
// scheduler goroutine on its way out.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error

	for _, ep := range s.listeners {
		err = multierr.Append(err, ep.Close())
	}

	s.listeners = nil

	return err
}

func (s *Server) run() error {
	for {
		if s.closed.Load() {
			s.teardown()

			return nil
		}

		set, timeout := s.pollSet()

		ready, err := s.poll(set, timeout)
		if err != nil {
			if s.closed.Load() {
				s.teardown()

				return nil
			}

			return err
		}

		now := s.now()

		for _, fd := range s.fds() {
			h, ok := s.handles[fd]
			if !ok {
				continue
			}

			r := ready[fd]

			if h.listener {
				if r.Read && !s.closed.Load() {
					s.accept(h.ep)
				}

				continue
			}

			dl := h.m.deadline()
			expired := !dl.IsZero() && !now.Before(dl)

			if !(r.Read && h.interest.Read || r.Write && h.interest.Write || expired) {
				continue
			}

			interest, done := h.m.resume(now, r.Read, r.Write)
			if done {
				s.release(fd, h)

				continue
			}

			h.interest = interest
		}
	}
}

// pollSet snapshots the current interest of every handle and derives the
// poll timeout from the nearest retransmit deadline.
func (s *Server) pollSet() (map[int]Interest, time.Duration) {
	set := make(map[int]Interest, len(s.handles))
	timeout := maxPollInterval

	now := s.now()

	for fd, h := range s.handles {
		set[fd] = h.interest

		if h.listener || h.m == nil {
			continue
		}

		if dl := h.m.deadline(); !dl.IsZero() {
			until := dl.Sub(now)
			if until < 0 {
				until = 0
			}

			if until < timeout {
				timeout = until
			}
		}
	}

	return set, timeout
}

func (s *Server) fds() []int {
	fds := make([]int, 0, len(s.handles))
	for fd := range s.handles {
		fds = append(fds, fd)
	}

	return fds
}

// accept reads one request datagram from a listener endpoint, runs the
// caller's factory and registers a transfer machine on a fresh ephemeral
// endpoint. Malformed or non-octet requests are answered with an ERROR
// from the listener itself.
func (s *Server) accept(lep DatagramEndpoint) {
	buf := make([]byte, types.DatagramSize+types.MaxBlockSize)

	n, from, err := lep.RecvFrom(buf)
	if err != nil {
		if !errors.Is(err, utils.ErrWouldBlock) && !errors.Is(err, utils.ErrEndpointClosed) {
			s.logger.Errorf("error while reading from listener: %s", err.Error())
		}

		return
	}

	var req types.Request

	if err := req.UnmarshalBinary(buf[:n]); err != nil {
		s.logger.Errorf("error while parsing request from %s: %s", from, err.Error())
		s.sendErrorTo(lep, from, &types.Error{
			Opcode:    types.OpCodeError,
			ErrorCode: types.ErrIllegalTftpOp,
			ErrMsg:    "server can not resolve request",
		})

		return
	}

	if req.Mode != types.ModeOctet {
		s.logger.Errorf("unsupported mode %s requested by %s", req.Mode, from)
		s.sendErrorTo(lep, from, &types.Error{
			Opcode:    types.OpCodeError,
			ErrorCode: types.ErrIllegalTftpOp,
			ErrMsg:    fmt.Sprintf("mode %s is not supported", req.Mode),
		})

		return
	}

	if fd, ok := s.peers[from]; ok {
		// most likely a retransmitted request, the transfer is underway
		s.logger.Debugf("dropping duplicate %s from %s, transfer on fd %d is live", req.Opcode, from, fd)

		return
	}

	_, dups := req.OptionMap()
	for _, name := range dups {
		s.logger.Warnf("duplicate option %s from %s, last value wins", name, from)
	}

	switch req.Opcode {
	case types.OpCodeRRQ:
		s.acceptRrq(lep, from, &req)
	case types.OpCodeWRQ:
		s.acceptWrq(lep, from, &req)
	}
}

func (s *Server) acceptRrq(lep DatagramEndpoint, from Addr, req *types.Request) {
	if s.rrq == nil {
		s.sendErrorTo(lep, from, types.NewError(types.ErrIllegalTftpOp))

		return
	}

	src, size, err := s.rrq(req.Filename)
	if err != nil {
		s.logger.Errorf("error while resolving rrq %s from %s: %s", req.Filename, from, err.Error())
		s.sendErrorTo(lep, from, factoryError(err))

		return
	}

	accepted := negotiate(req.Options, false, size)
	blkSize, interval := transferParams(accepted, s.cfg.Timeout)

	oack, err := marshalOack(accepted)
	if err != nil {
		s.logger.Errorf("error while marshalling oack: %s", err.Error())
		s.sendErrorTo(lep, from, types.NewErrorf("An unknown error occurred"))

		return
	}

	ep, err := NewEndpoint(bindIP(lep.LocalAddr()), 0)
	if err != nil {
		s.logger.Errorf("error while allocating transfer endpoint: %s", err.Error())
		s.sendErrorTo(lep, from, types.NewErrorf("An unknown error occurred"))

		return
	}

	m := newSender(ep, from, s.logger, src, blkSize, interval, s.cfg.NumTries, oack, s.cfg.Trace)
	s.register(ep, from, m)

	s.logger.Infof("rrq %s from %s: tid %s, blksize=%d, timeout=%s",
		req.Filename, from, ep.LocalAddr(), blkSize, interval)
}

func (s *Server) acceptWrq(lep DatagramEndpoint, from Addr, req *types.Request) {
	if s.wrq == nil {
		s.sendErrorTo(lep, from, types.NewError(types.ErrIllegalTftpOp))

		return
	}

	sink, err := s.wrq(req.Filename)
	if err != nil {
		s.logger.Errorf("error while resolving wrq %s from %s: %s", req.Filename, from, err.Error())
		s.sendErrorTo(lep, from, factoryError(err))

		return
	}

	accepted := negotiate(req.Options, true, -1)
	blkSize, interval := transferParams(accepted, s.cfg.Timeout)

	reply, err := marshalOack(accepted)
	if err != nil {
		s.logger.Errorf("error while marshalling oack: %s", err.Error())
		s.sendErrorTo(lep, from, types.NewErrorf("An unknown error occurred"))

		return
	}

	if reply == nil {
		ack := &types.Ack{Opcode: types.OpCodeACK, BlockNum: 0}

		reply, err = ack.MarshalBinary()
		if err != nil {
			s.logger.Errorf("error while marshalling ack: %s", err.Error())

			return
		}
	}

	ep, err := NewEndpoint(bindIP(lep.LocalAddr()), 0)
	if err != nil {
		s.logger.Errorf("error while allocating transfer endpoint: %s", err.Error())
		s.sendErrorTo(lep, from, types.NewErrorf("An unknown error occurred"))

		return
	}

	m := newReceiver(ep, from, s.logger, sink, blkSize, interval, s.cfg.NumTries, reply, s.cfg.Trace)
	s.register(ep, from, m)

	s.logger.Infof("wrq %s from %s: tid %s, blksize=%d, timeout=%s",
		req.Filename, from, ep.LocalAddr(), blkSize, interval)
}

func (s *Server) register(ep *Endpoint, peer Addr, m machine) {
	s.handles[ep.Fd()] = &handle{
		ep:       ep,
		m:        m,
		peer:     peer,
		interest: Interest{Write: true},
	}
	s.peers[peer] = ep.Fd()
}

func (s *Server) release(fd int, h *handle) {
	if err := h.ep.Close(); err != nil {
		s.logger.Errorf("error while closing transfer endpoint: %s", err.Error())
	}

	delete(s.handles, fd)
	delete(s.peers, h.peer)
}

func (s *Server) teardown() {
	for fd, h := range s.handles {
		if h.listener {
			delete(s.handles, fd)

			continue
		}

		s.release(fd, h)
	}
}

func (s *Server) sendErrorTo(ep DatagramEndpoint, to Addr, errPacket *types.Error) {
	b, err := errPacket.MarshalBinary()
	if err != nil {
		s.logger.Errorf("error while marshalling error packet: %s", err.Error())

		return
	}

	if _, err := ep.SendTo(b, to); err != nil && !errors.Is(err, utils.ErrWouldBlock) {
		s.logger.Errorf("error while responding to request: %s", err.Error())
	}
}

