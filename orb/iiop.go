package orb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/auriga-os/nucleus/corba"
	"github.com/auriga-os/nucleus/core"
	"github.com/auriga-os/nucleus/giop"
)

// DomainRemote is a cross-host peer reached over IIOP: the same request
// map and reply correlation as the shared-memory peer, framed GIOP over a
// TCP connection.
type DomainRemote struct {
	DomainBase

	orb  *ORB
	conn net.Conn

	wmu sync.Mutex
}

// RegisterIIOP installs the remote-domain factory: peers are dialed on
// first demand.
func RegisterIIOP(o *ORB) {
	o.binder.RegisterDomainFactory(DomainKindRemote, func(o *ORB, key DomainKey) (Domain, error) {
		conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", key.Host, key.Port))
		if err != nil {
			return nil, corba.TRANSIENT(0, corba.CompletionStatusNo)
		}
		d := &DomainRemote{orb: o, conn: conn}
		d.InitDomainBase(key, o.log.Named("iiop"), LocalPlatformSizes())
		go d.readLoop()
		return d, nil
	})
}

// SendRequest writes the framed request to the connection
func (d *DomainRemote) SendRequest(ed *core.ExecDomain, req *RequestGIOP) error {
	return d.write(req.MarshalMessage())
}

// SendCancel writes a CancelRequest message
func (d *DomainRemote) SendCancel(requestID uint32) {
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgCancelRequest, false, 4))
	m.WriteULong(requestID)
	_ = d.write(m.Bytes())
}

// FlushHeartbeat sends the batched DGC confirmations as a oneway request
// when the heartbeat schedule says one is due.
func (d *DomainRemote) FlushHeartbeat() {
	batch, due := d.HeartbeatDue()
	if !due {
		return
	}
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgRequest, false, 0))
	m.WriteRequestHeader(&giop.RequestHeader{
		RequestID: d.NextRequestID(),
		Operation: dgcConfirmOperation,
	})
	m.WriteULong(uint32(len(batch)))
	for _, k := range batch {
		m.WriteOctetSequence(k.Encode())
	}
	out := m.Bytes()
	binary.BigEndian.PutUint32(out[8:12], uint32(len(out)-giop.HeaderSize))
	if err := d.write(out); err != nil {
		d.log.Debug("heartbeat send failed", zap.String("host", d.key.Host), zap.Error(err))
	}
}

// ReleaseDGCReference sends nothing over IIOP; it only logs the release.
// Cross-host DGC relies on the heartbeat schedule.
func (d *DomainRemote) ReleaseDGCReference(key ObjectKey) {
	d.log.Debug("dgc release", zap.String("host", d.key.Host))
}

// Close tears the connection down and fails all pending requests
func (d *DomainRemote) Close(err error) {
	_ = d.conn.Close()
	d.FailAll(err)
}

func (d *DomainRemote) write(data []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.conn.Write(data); err != nil {
		return corba.COMM_FAILURE(0, corba.CompletionStatusMaybe)
	}
	return nil
}

// readLoop frames incoming GIOP messages and routes replies to their
// pending requests and requests into the object plane.
func (d *DomainRemote) readLoop() {
	for {
		message, err := readGIOPMessage(d.conn)
		if err != nil {
			d.FailAll(corba.COMM_FAILURE(0, corba.CompletionStatusMaybe))
			return
		}
		d.dispatch(message)
	}
}

func (d *DomainRemote) dispatch(message []byte) {
	switch message[7] {
	case giop.MsgReply:
		u := giop.NewCDRUnmarshaller(message, binary.BigEndian)
		if _, err := u.ReadMessageHeader(); err != nil {
			return
		}
		// Peek the request id without consuming the caller's stream.
		peek := giop.NewCDRUnmarshaller(message[giop.HeaderSize:], u.ByteOrder())
		id, err := peek.ReadULong()
		if err != nil {
			return
		}
		if req, ok := d.TakePending(id); ok {
			req.CompleteWithReply(message)
		}
	case giop.MsgRequest:
		if _, err := d.orb.HandleIncomingRequest(d, message, &connResponder{d: d}); err != nil {
			d.log.Warn("incoming IIOP request rejected", zap.Error(err))
		}
	case giop.MsgLocateRequest:
		d.handleLocate(message)
	case giop.MsgCloseConn:
		d.Close(corba.COMM_FAILURE(0, corba.CompletionStatusMaybe))
	}
}

func (d *DomainRemote) handleLocate(message []byte) {
	u := giop.NewCDRUnmarshaller(message, binary.BigEndian)
	if _, err := u.ReadMessageHeader(); err != nil {
		return
	}
	id, err := u.ReadULong()
	if err != nil {
		return
	}
	keyBytes, err := u.ReadOctetSequence()
	if err != nil {
		return
	}
	status := uint32(giop.LocateStatusUnknownObject)
	if key, err := DecodeObjectKey(keyBytes); err == nil {
		lookupErr := d.orb.RunSync(core.DeadlineIn(core.CrossDomainDeadline),
			func(ed *core.ExecDomain) error {
				_, err := d.orb.LookupLocal(ed, key)
				return err
			})
		if lookupErr == nil {
			status = giop.LocateStatusObjectHere
		}
	}
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgLocateReply, false, 8))
	m.WriteULong(id)
	m.WriteULong(status)
	_ = d.write(m.Bytes())
}

// readGIOPMessage reads one framed message off the wire
func readGIOPMessage(conn net.Conn) ([]byte, error) {
	header := make([]byte, giop.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	if string(header[:4]) != "GIOP" {
		return nil, corba.MARSHAL(0, corba.CompletionStatusNo)
	}
	order := binary.ByteOrder(binary.BigEndian)
	if header[6]&giop.FlagLittleEndian != 0 {
		order = binary.LittleEndian
	}
	size := order.Uint32(header[8:12])
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return append(header, body...), nil
}

// connResponder writes replies back onto the connection
type connResponder struct {
	d *DomainRemote
}

// SendReply writes the framed reply
func (r *connResponder) SendReply(requestID uint32, message []byte) error {
	return r.d.write(message)
}

// SendSystemException frames the standard GIOP system-exception reply
func (r *connResponder) SendSystemException(requestID uint32, ex *corba.SystemException) error {
	m := giop.NewCDRMarshaller(binary.BigEndian)
	m.WriteMessageHeader(giop.NewMessageHeader(giop.GIOP_1_2, giop.MsgReply, false, 0))
	m.WriteReplyHeader(&giop.ReplyHeader{
		RequestID:   requestID,
		ReplyStatus: giop.ReplyStatusSystemException,
	})
	m.WriteString(ex.ID())
	m.WriteULong(ex.Minor())
	m.WriteULong(uint32(ex.Completed()))
	out := m.Bytes()
	binary.BigEndian.PutUint32(out[8:12], uint32(len(out)-giop.HeaderSize))
	return r.d.write(out)
}

// IIOPServer accepts inbound IIOP connections for this domain
type IIOPServer struct {
	orb      *ORB
	listener net.Listener
	log      *zap.Logger
}

// ListenIIOP starts the IIOP acceptor on addr ("host:port")
func ListenIIOP(o *ORB, addr string) (*IIOPServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &IIOPServer{orb: o, listener: listener, log: o.log.Named("iiop")}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listen address
func (s *IIOPServer) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting connections
func (s *IIOPServer) Close() error {
	return s.listener.Close()
}

func (s *IIOPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		d := &DomainRemote{orb: s.orb, conn: conn}
		d.InitDomainBase(DomainKey{Kind: DomainKindRemote, Host: host}, s.log, LocalPlatformSizes())
		go d.readLoop()
	}
}
