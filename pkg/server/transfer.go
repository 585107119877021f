package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Wa4h1h/tftpd/pkg/types"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

type xferState uint8

const (
	stateSendOack xferState = iota
	stateAwaitOackAck
	statePull
	stateSendData
	stateAwaitAck
	stateDone
	stateFailed
)

// machine is one suspended transfer. resume advances it as far as the
// endpoint allows and surrenders the readiness it is waiting on; done
// reports termination (success or failure). deadline is the pending
// retransmit deadline, zero when none is armed.
type machine interface {
	resume(now time.Time, readable, writable bool) (Interest, bool)
	deadline() time.Time
}

// sender is the read-request state machine: an optional OACK handshake
// followed by the lock-step DATA/ACK loop, with at most one DATA frame
// in flight (RFC 1350).
type sender struct {
	ep       DatagramEndpoint
	l        *zap.SugaredLogger
	src      Source
	oack     []byte
	wire     []byte
	recvBuf  []byte
	dl       time.Time
	peer     Addr
	blkSize  int
	interval time.Duration
	numTries int
	tries    int
	sent     int
	blockNum uint16
	state    xferState
	last     bool
	trace    bool
}

func newSender(ep DatagramEndpoint, peer Addr, l *zap.SugaredLogger, src Source,
	blkSize int, interval time.Duration, numTries int, oack []byte, trace bool,
) *sender {
	s := &sender{
		ep: ep, peer: peer, l: l, src: src,
		blkSize: blkSize, interval: interval, numTries: numTries,
		oack: oack, blockNum: 1, state: statePull,
		recvBuf: make([]byte, types.HeaderSize+blkSize+1),
		trace:   trace,
	}

	if len(oack) > 0 {
		s.state = stateSendOack
	}

	return s
}

func (s *sender) deadline() time.Time {
	switch s.state {
	case stateAwaitOackAck, stateAwaitAck:
		return s.dl
	}

	return time.Time{}
}

func (s *sender) resume(now time.Time, _, _ bool) (Interest, bool) {
	for {
		var (
			interest *Interest
			done     bool
		)

		switch s.state {
		case stateSendOack:
			interest = s.stepSendOack(now)
		case stateAwaitOackAck:
			interest = s.stepAwaitOackAck(now)
		case statePull:
			interest = s.stepPull()
		case stateSendData:
			interest = s.stepSendData(now)
		case stateAwaitAck:
			interest = s.stepAwaitAck(now)
		case stateDone, stateFailed:
			done = true
		}

		if done {
			return Interest{}, true
		}

		if interest != nil {
			return *interest, false
		}
	}
}

func (s *sender) stepSendOack(now time.Time) *Interest {
	if _, err := s.ep.SendTo(s.oack, s.peer); err != nil {
		if errors.Is(err, utils.ErrWouldBlock) {
			return &Interest{Write: true}
		}

		s.l.Errorf("error while sending oack to %s: %s", s.peer, err.Error())
		s.state = stateFailed

		return nil
	}

	s.dl = now.Add(s.interval)
	s.state = stateAwaitOackAck

	return nil
}

func (s *sender) stepAwaitOackAck(now time.Time) *Interest {
	for {
		n, from, err := s.ep.RecvFrom(s.recvBuf)
		if err != nil {
			if errors.Is(err, utils.ErrWouldBlock) {
				break
			}

			s.l.Errorf("error while reading oack ack: %s", err.Error())
			s.state = stateFailed

			return nil
		}

		if from != s.peer {
			s.rejectForeign(from)

			continue
		}

		var ack types.Ack
		if ack.UnmarshalBinary(s.recvBuf[:n]) == nil {
			if ack.BlockNum != 0 {
				continue
			}

			s.state = statePull

			return nil
		}

		var errPacket types.Error
		if errPacket.UnmarshalBinary(s.recvBuf[:n]) == nil {
			s.l.Infof("peer %s aborted transfer: %s", s.peer, errPacket.ErrMsg)
			s.state = stateFailed

			return nil
		}
	}

	if !now.Before(s.dl) {
		s.sendError(types.NewErrorf("OACK timeout"))
		s.state = stateFailed

		return nil
	}

	return &Interest{Read: true}
}

func (s *sender) stepPull() *Interest {
	chunk, more, err := s.src(s.blkSize)
	if err != nil {
		s.l.Errorf("error while pulling block# %d from source: %s", s.blockNum, err.Error())
		s.sendError(types.NewErrorf("An unknown error occurred"))
		s.state = stateFailed

		return nil
	}

	if more && chunk == nil {
		// source deferral, retry on the next scheduler pass
		return &Interest{Write: true}
	}

	if len(chunk) > s.blkSize {
		s.l.Errorf("source returned %d bytes, negotiated block size is %d", len(chunk), s.blkSize)
		s.sendError(types.NewErrorf("An unknown error occurred"))
		s.state = stateFailed

		return nil
	}

	data := &types.Data{
		Opcode:   types.OpCodeDATA,
		BlockNum: s.blockNum,
		Payload:  chunk,
	}

	b, errM := data.MarshalBinary()
	if errM != nil {
		s.l.Errorf("error while marshalling data packet: %s", errM.Error())
		s.sendError(types.NewErrorf("An unknown error occurred"))
		s.state = stateFailed

		return nil
	}

	s.wire = b
	s.last = !more || len(chunk) < s.blkSize
	s.tries = 0
	s.state = stateSendData

	return nil
}

func (s *sender) stepSendData(now time.Time) *Interest {
	if _, err := s.ep.SendTo(s.wire, s.peer); err != nil {
		if errors.Is(err, utils.ErrWouldBlock) {
			return &Interest{Write: true}
		}

		s.l.Errorf("error while writing data packet: %s", err.Error())
		s.state = stateFailed

		return nil
	}

	if s.trace {
		s.l.Debugf("sent block#=%d, sent #bytes=%d", s.blockNum, len(s.wire)-types.HeaderSize)
	}

	s.sent += len(s.wire) - types.HeaderSize
	s.dl = now.Add(s.interval)
	s.state = stateAwaitAck

	return nil
}

func (s *sender) stepAwaitAck(now time.Time) *Interest {
	for {
		n, from, err := s.ep.RecvFrom(s.recvBuf)
		if err != nil {
			if errors.Is(err, utils.ErrWouldBlock) {
				break
			}

			s.l.Errorf("error while reading ack: %s", err.Error())
			s.state = stateFailed

			return nil
		}

		if from != s.peer {
			s.rejectForeign(from)

			continue
		}

		var ack types.Ack
		if ack.UnmarshalBinary(s.recvBuf[:n]) == nil {
			if ack.BlockNum != s.blockNum {
				continue
			}

			s.acked()

			return nil
		}

		var errPacket types.Error
		if errPacket.UnmarshalBinary(s.recvBuf[:n]) == nil {
			s.l.Infof("peer %s aborted transfer: %s", s.peer, errPacket.ErrMsg)
			s.state = stateFailed

			return nil
		}
	}

	if !now.Before(s.dl) {
		s.tries++

		if s.tries > s.numTries {
			s.sendError(types.NewErrorf("Ack timeout"))
			s.state = stateFailed

			return nil
		}

		s.state = stateSendData

		return nil
	}

	return &Interest{Read: true}
}

// acked advances the lock-step after ACK(blockNum) from the correct TID.
func (s *sender) acked() {
	if s.last {
		s.l.Debugf("sent %d blocks, sent %d bytes to %s", s.blockNum, s.sent, s.peer)
		s.state = stateDone

		return
	}

	if s.blockNum == types.MaxBlocks {
		s.sendError(types.NewErrorf("File too big."))
		s.state = stateFailed

		return
	}

	s.blockNum++
	s.tries = 0
	s.state = statePull
}

func (s *sender) rejectForeign(from Addr) {
	s.l.Warnf("datagram from foreign tid %s on transfer with %s", from, s.peer)

	b, err := types.NewError(types.ErrUnknownTransferId).MarshalBinary()
	if err != nil {
		return
	}

	if _, err := s.ep.SendTo(b, from); err != nil && !errors.Is(err, utils.ErrWouldBlock) {
		s.l.Errorf("error while rejecting foreign tid %s: %s", from, err.Error())
	}
}

func (s *sender) sendError(errPacket *types.Error) {
	b, err := errPacket.MarshalBinary()
	if err != nil {
		s.l.Errorf("error while marshalling error packet: %s", err.Error())

		return
	}

	if _, err := s.ep.SendTo(b, s.peer); err != nil && !errors.Is(err, utils.ErrWouldBlock) {
		s.l.Errorf("error while writing error packet: %s", err.Error())
	}
}
