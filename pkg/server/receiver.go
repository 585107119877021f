package server

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Wa4h1h/tftpd/pkg/types"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

const (
	stateSendReply xferState = iota + 16
	stateAwaitData
)

// receiver is the write-request state machine, symmetric to sender: the
// server replies with ACK(0) (or an OACK when options were negotiated),
// then acknowledges each DATA block in lock-step and pushes payloads to
// the caller's sink. A duplicate of the previous block is re-acked
// without reaching the sink.
type receiver struct {
	ep       DatagramEndpoint
	l        *zap.SugaredLogger
	sink     Sink
	wire     []byte
	recvBuf  []byte
	dl       time.Time
	peer     Addr
	blkSize  int
	interval time.Duration
	numTries int
	tries    int
	received int
	expected uint16
	state    xferState
	final    bool
	trace    bool
}

func newReceiver(ep DatagramEndpoint, peer Addr, l *zap.SugaredLogger, sink Sink,
	blkSize int, interval time.Duration, numTries int, reply []byte, trace bool,
) *receiver {
	return &receiver{
		ep: ep, peer: peer, l: l, sink: sink,
		blkSize: blkSize, interval: interval, numTries: numTries,
		wire: reply, expected: 1, state: stateSendReply,
		// one spare byte so an oversize payload is detectable, not truncated
		recvBuf: make([]byte, types.HeaderSize+blkSize+1),
		trace:   trace,
	}
}

func (r *receiver) deadline() time.Time {
	if r.state == stateAwaitData {
		return r.dl
	}

	return time.Time{}
}

func (r *receiver) resume(now time.Time, _, _ bool) (Interest, bool) {
	for {
		var (
			interest *Interest
			done     bool
		)

		switch r.state {
		case stateSendReply:
			interest = r.stepSendReply(now)
		case stateAwaitData:
			interest = r.stepAwaitData(now)
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

func (r *receiver) stepSendReply(now time.Time) *Interest {
	if _, err := r.ep.SendTo(r.wire, r.peer); err != nil {
		if errors.Is(err, utils.ErrWouldBlock) {
			return &Interest{Write: true}
		}

		r.l.Errorf("error while writing ack packet: %s", err.Error())
		r.state = stateFailed

		return nil
	}

	if r.final {
		r.l.Debugf("received %d blocks, received %d bytes from %s", r.expected-1, r.received, r.peer)
		r.state = stateDone

		return nil
	}

	r.dl = now.Add(r.interval)
	r.state = stateAwaitData

	return nil
}

func (r *receiver) stepAwaitData(now time.Time) *Interest {
	for {
		n, from, err := r.ep.RecvFrom(r.recvBuf)
		if err != nil {
			if errors.Is(err, utils.ErrWouldBlock) {
				break
			}

			r.l.Errorf("error while reading data packet: %s", err.Error())
			r.state = stateFailed

			return nil
		}

		if from != r.peer {
			r.rejectForeign(from)

			continue
		}

		var data types.Data
		if data.UnmarshalBinary(r.recvBuf[:n]) == nil {
			if interest := r.consume(&data); interest == nil {
				return nil
			}

			continue
		}

		var errPacket types.Error
		if errPacket.UnmarshalBinary(r.recvBuf[:n]) == nil {
			r.l.Infof("peer %s aborted transfer: %s", r.peer, errPacket.ErrMsg)
			r.state = stateFailed

			return nil
		}
	}

	if r.state != stateAwaitData {
		return nil
	}

	if !now.Before(r.dl) {
		r.tries++

		if r.tries > r.numTries {
			r.sendError(types.NewErrorf("Data timeout"))
			r.state = stateFailed

			return nil
		}

		r.state = stateSendReply

		return nil
	}

	return &Interest{Read: true}
}

// consume handles one DATA frame from the correct TID. A nil return
// means the state changed and the resume loop should re-dispatch.
func (r *receiver) consume(data *types.Data) *Interest {
	switch data.BlockNum {
	case r.expected:
	case r.expected - 1:
		// the peer missed our ack, re-send it
		r.reack(data.BlockNum)

		return nil
	default:
		return &Interest{Read: true}
	}

	if len(data.Payload) > r.blkSize {
		r.l.Errorf("data block# %d has %d bytes, negotiated block size is %d",
			data.BlockNum, len(data.Payload), r.blkSize)
		r.sendError(types.NewError(types.ErrIllegalTftpOp))
		r.state = stateFailed

		return nil
	}

	last := len(data.Payload) < r.blkSize

	if !last && r.expected == types.MaxBlocks {
		r.sendError(types.NewErrorf("File too big."))
		r.state = stateFailed

		return nil
	}

	if err := r.sink(data.Payload, last); err != nil {
		r.l.Errorf("error while pushing block# %d to sink: %s", data.BlockNum, err.Error())
		r.sendError(types.NewErrorf("An unknown error occurred"))
		r.state = stateFailed

		return nil
	}

	if r.trace {
		r.l.Debugf("received block#=%d, received #bytes=%d", data.BlockNum, len(data.Payload))
	}

	r.received += len(data.Payload)
	r.final = last
	r.reack(data.BlockNum)
	r.expected++
	r.tries = 0

	return nil
}

func (r *receiver) reack(blockNum uint16) {
	ack := &types.Ack{Opcode: types.OpCodeACK, BlockNum: blockNum}

	b, err := ack.MarshalBinary()
	if err != nil {
		r.l.Errorf("error while marshalling ack: %s", err.Error())
		r.state = stateFailed

		return
	}

	r.wire = b
	r.state = stateSendReply
}

func (r *receiver) rejectForeign(from Addr) {
	r.l.Warnf("datagram from foreign tid %s on transfer with %s", from, r.peer)

	b, err := types.NewError(types.ErrUnknownTransferId).MarshalBinary()
	if err != nil {
		return
	}

	if _, err := r.ep.SendTo(b, from); err != nil && !errors.Is(err, utils.ErrWouldBlock) {
		r.l.Errorf("error while rejecting foreign tid %s: %s", from, err.Error())
	}
}

func (r *receiver) sendError(errPacket *types.Error) {
	b, err := errPacket.MarshalBinary()
	if err != nil {
		r.l.Errorf("error while marshalling error packet: %s", err.Error())

		return
	}

	if _, err := r.ep.SendTo(b, r.peer); err != nil && !errors.Is(err, utils.ErrWouldBlock) {
		r.l.Errorf("error while writing error packet: %s", err.Error())
	}
}
