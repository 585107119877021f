package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Wa4h1h/tftpd/pkg/types"
	"github.com/Wa4h1h/tftpd/pkg/utils"
)

type Connector interface {
	Connect(addr string) error
	Get(filename string) error
	Put(filename string) error
	SetTimeout(timeout uint)
	SetTrace()
	Close() error
}

// Client is a plain RFC 1350 client: octet mode, 512-byte blocks, no
// option negotiation. The server answers from an ephemeral port (its
// TID), so the client listens on an unconnected socket and latches the
// TID on the first response.
type Client struct {
	l        *zap.SugaredLogger
	conn     *net.UDPConn
	server   *net.UDPAddr
	timeout  time.Duration
	numTries int
	trace    bool
}

func NewClient(l *zap.SugaredLogger, numTries uint) *Client {
	return &Client{
		l:        l,
		numTries: int(numTries),
		timeout:  time.Duration(types.DefaultClientTimeout) * time.Second,
	}
}

func (c *Client) SetTimeout(timeout uint) {
	c.timeout = time.Duration(timeout) * time.Second
}

func (c *Client) SetTrace() {
	c.trace = !c.trace
}

func (c *Client) Connect(addr string) error {
	server, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("error while resolving %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("error while opening udp socket: %w", err)
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.conn = conn
	c.server = server

	return nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("error while closing connection: %w", err)
	}

	return nil
}

// Get downloads filename into the current directory.
func (c *Client) Get(filename string) error {
	if c.conn == nil {
		return errors.New("error: not connected")
	}

	req := &types.Request{Opcode: types.OpCodeRRQ, Filename: filename, Mode: types.ModeOctet}

	request, err := req.MarshalBinary()
	if err != nil {
		c.l.Error(err.Error())

		return utils.ErrPacketMarshall
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error while opening file: %w", err)
	}

	defer func() {
		if err := f.Close(); err != nil {
			c.l.Errorf("error while closing file: %s", err.Error())
		}
	}()

	var (
		tid      *net.UDPAddr
		blockNum uint16 = 1
		received int
	)

	dest := c.server
	buf := make([]byte, types.DatagramSize)

	for {
		data, from, err := c.awaitData(request, dest, tid, blockNum, buf)
		if err != nil {
			return err
		}

		if tid == nil {
			tid = from
		}

		if _, err := f.Write(data.Payload); err != nil {
			return fmt.Errorf("error while writing block to file: %w", err)
		}

		ack := &types.Ack{Opcode: types.OpCodeACK, BlockNum: blockNum}

		request, err = ack.MarshalBinary()
		if err != nil {
			c.l.Error(err.Error())

			return utils.ErrPacketMarshall
		}

		if c.trace {
			c.l.Debugf("received block#=%d, received #bytes=%d", blockNum, len(data.Payload))
		}

		received += len(data.Payload)
		dest = tid

		if len(data.Payload) < types.DefaultBlockSize {
			// final ack, sent once and not awaited
			if _, err := c.conn.WriteToUDP(request, tid); err != nil {
				return fmt.Errorf("error while writing ack: %w", err)
			}

			c.l.Debugf("received %d blocks, received %d bytes", blockNum, received)

			return nil
		}

		blockNum++
	}
}

// awaitData retransmits request until DATA(blockNum) arrives from the
// transfer TID (nil tid latches on the first response).
func (c *Client) awaitData(request []byte, dest, tid *net.UDPAddr,
	blockNum uint16, buf []byte,
) (*types.Data, *net.UDPAddr, error) {
	for i := c.numTries; i > 0; i-- {
		if _, err := c.conn.WriteToUDP(request, dest); err != nil {
			c.l.Errorf("error while writing request: %s", err.Error())

			continue
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, nil, fmt.Errorf("error while setting read timeout: %w", err)
		}

		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			return nil, nil, fmt.Errorf("error while reading response: %w", err)
		}

		if tid != nil && !sameAddr(from, tid) {
			c.rejectForeign(from)

			continue
		}

		var data types.Data
		if data.UnmarshalBinary(buf[:n]) == nil {
			if data.BlockNum != blockNum {
				continue
			}

			return &data, from, nil
		}

		var errPacket types.Error
		if errPacket.UnmarshalBinary(buf[:n]) == nil {
			return nil, nil, fmt.Errorf("server aborted transfer: %s", errPacket.ErrMsg)
		}
	}

	return nil, nil, utils.ErrPacketCanNotBeSent
}

// Put uploads filename from the current directory.
func (c *Client) Put(filename string) error {
	if c.conn == nil {
		return errors.New("error: not connected")
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("error while opening file: %w", err)
	}

	defer func() {
		if err := f.Close(); err != nil {
			c.l.Errorf("error while closing file: %s", err.Error())
		}
	}()

	req := &types.Request{Opcode: types.OpCodeWRQ, Filename: filename, Mode: types.ModeOctet}

	request, err := req.MarshalBinary()
	if err != nil {
		c.l.Error(err.Error())

		return utils.ErrPacketMarshall
	}

	tid, err := c.awaitAck(request, c.server, nil, 0)
	if err != nil {
		return err
	}

	var blockNum uint16 = 1

	block := make([]byte, types.DefaultBlockSize)
	sent := 0

	for {
		n, err := readFull(f, block)
		if err != nil {
			return fmt.Errorf("error while reading file block: %w", err)
		}

		data := &types.Data{Opcode: types.OpCodeDATA, BlockNum: blockNum, Payload: block[:n]}

		b, errM := data.MarshalBinary()
		if errM != nil {
			c.l.Error(errM.Error())

			return utils.ErrPacketMarshall
		}

		if _, err := c.awaitAck(b, tid, tid, blockNum); err != nil {
			return err
		}

		if c.trace {
			c.l.Debugf("sent block#=%d, sent #bytes=%d", blockNum, n)
		}

		sent += n

		if n < types.DefaultBlockSize {
			c.l.Debugf("sent %d blocks, sent %d bytes", blockNum, sent)

			return nil
		}

		blockNum++
	}
}

// awaitAck retransmits packet until ACK(blockNum) arrives, returning the
// responding TID.
func (c *Client) awaitAck(packet []byte, dest, tid *net.UDPAddr, blockNum uint16) (*net.UDPAddr, error) {
	buf := make([]byte, types.DatagramSize)

	for i := c.numTries; i > 0; i-- {
		if _, err := c.conn.WriteToUDP(packet, dest); err != nil {
			c.l.Errorf("error while writing data packet: %s", err.Error())

			continue
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("error while setting read timeout: %w", err)
		}

		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}

			return nil, fmt.Errorf("error while reading ack: %w", err)
		}

		if tid != nil && !sameAddr(from, tid) {
			c.rejectForeign(from)

			continue
		}

		var ack types.Ack
		if ack.UnmarshalBinary(buf[:n]) == nil {
			if ack.BlockNum != blockNum {
				c.l.Errorf("ack block# %d != expected block# %d", ack.BlockNum, blockNum)

				continue
			}

			return from, nil
		}

		var errPacket types.Error
		if errPacket.UnmarshalBinary(buf[:n]) == nil {
			return nil, fmt.Errorf("server aborted transfer: %s", errPacket.ErrMsg)
		}
	}

	return nil, utils.ErrPacketCanNotBeSent
}

func (c *Client) rejectForeign(from *net.UDPAddr) {
	c.l.Warnf("datagram from unexpected peer %s", from)

	b, err := types.NewError(types.ErrUnknownTransferId).MarshalBinary()
	if err != nil {
		return
	}

	if _, err := c.conn.WriteToUDP(b, from); err != nil {
		c.l.Errorf("error while rejecting peer %s: %s", from, err.Error())
	}
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// readFull fills block from f, returning the number of bytes read. A
// short count means end of file.
func readFull(f *os.File, block []byte) (int, error) {
	n, err := io.ReadFull(f, block)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, err
	}

	return n, nil
}
