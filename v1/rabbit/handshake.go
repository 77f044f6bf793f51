package rabbit

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandshakePhase identifies how far a probe connection progressed through
// the AMQP opening handshake before it failed. The phase is the primary
// input to failure classification: brokers commonly drop the socket instead
// of sending a structured error, and the drop point tells the two common
// misconfigurations apart.
type HandshakePhase int

const (
	// PhaseDial covers TCP/TLS connect and the protocol header exchange,
	// before any authentication material has been sent.
	PhaseDial HandshakePhase = iota

	// PhaseSecure begins once start-ok (carrying credentials) has been
	// sent. A drop in this phase means the server rejected authentication.
	PhaseSecure

	// PhaseTuned begins once tune-ok has been sent, which only happens
	// after the server accepted authentication. A drop in this phase means
	// the subsequent vhost open was rejected.
	PhaseTuned

	// PhaseOpen means open-ok was received and the handshake completed.
	PhaseOpen
)

func (p HandshakePhase) String() string {
	switch p {
	case PhaseDial:
		return "dial"
	case PhaseSecure:
		return "secure"
	case PhaseTuned:
		return "tuned"
	case PhaseOpen:
		return "open"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// HandshakeState is the probe's record of a connection attempt. Transport
// reports whether the target spoke a probeable AMQP scheme at all; Phase is
// only meaningful when it did.
type HandshakeState struct {
	// Transport is true when the target scheme is amqp or amqps. Other
	// transports are not probed and their failures are never classified.
	Transport bool

	// Phase is how far the handshake progressed
	Phase HandshakePhase

	// CloseCode is the reply code of a connection.close received from the
	// server, zero if the connection failed without one
	CloseCode int

	// CloseText is the reply text accompanying CloseCode
	CloseText string
}

// AMQP 0-9-1 wire constants for the subset of the protocol the probe speaks.
const (
	frameMethod    = 1
	frameHeartbeat = 8
	frameEnd       = 0xCE

	classConnection = 10

	methodStart    = 10
	methodStartOK  = 11
	methodSecure   = 20
	methodSecureOK = 21
	methodTune     = 30
	methodTuneOK   = 31
	methodOpen     = 40
	methodOpenOK   = 41
	methodClose    = 50
	methodCloseOK  = 51
)

var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// probe walks the AMQP opening handshake against the configured broker and
// records how far it got. On success it closes the connection cleanly and
// returns a state with Phase PhaseOpen and a nil error. On failure the
// returned state carries the phase reached and, when the server sent a
// structured connection.close, its reply code and text.
//
// The probe is not a usable AMQP client. It exists because the high-level
// client library reports every handshake failure uniformly, without exposing
// the phase in which the failure occurred.
func probe(cfg Config) (HandshakeState, error) {
	state := HandshakeState{Transport: true}

	dialer := net.Dialer{Timeout: cfg.dialTimeout()}
	rawConn, err := dialer.Dial("tcp", cfg.Connection.Addr())
	if err != nil {
		return state, err
	}
	defer rawConn.Close()

	// The deadline must cover the TLS handshake too, or a peer that accepts
	// TCP but never speaks TLS stalls the probe indefinitely.
	deadline := time.Now().Add(cfg.dialTimeout())
	if err := rawConn.SetDeadline(deadline); err != nil {
		return state, err
	}

	conn := rawConn
	if cfg.Connection.IsSSLEnabled {
		tlsConfig, err := buildTLSConfig(cfg.Connection)
		if err != nil {
			return state, err
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return state, err
		}
		conn = tlsConn
	}

	hs := handshaker{
		conn:  conn,
		r:     bufio.NewReader(conn),
		state: &state,
		cfg:   cfg,
	}
	return state, hs.run()
}

type handshaker struct {
	conn  net.Conn
	r     *bufio.Reader
	state *HandshakeState
	cfg   Config
}

func (h *handshaker) run() error {
	if _, err := h.conn.Write(protocolHeader); err != nil {
		return err
	}

	for {
		class, method, payload, err := h.readMethod()
		if err != nil {
			return err
		}
		if class != classConnection {
			return fmt.Errorf("unexpected class %d during handshake", class)
		}

		switch method {
		case methodStart:
			if err := h.sendStartOK(); err != nil {
				return err
			}
			h.state.Phase = PhaseSecure

		case methodSecure:
			// Resend the SASL response as a secure-ok challenge reply.
			if err := h.sendSecureOK(); err != nil {
				return err
			}

		case methodTune:
			if err := h.sendTuneOK(payload); err != nil {
				return err
			}
			h.state.Phase = PhaseTuned
			if err := h.sendOpen(); err != nil {
				return err
			}

		case methodOpenOK:
			h.state.Phase = PhaseOpen
			return h.closeCleanly()

		case methodClose:
			code, text := parseClose(payload)
			h.state.CloseCode = code
			h.state.CloseText = text
			h.writeMethod(methodCloseOK, nil) // best effort
			return &amqp.Error{Code: code, Reason: text, Server: true}

		default:
			return fmt.Errorf("unexpected connection method %d during handshake", method)
		}
	}
}

// readMethod reads frames until a method frame arrives on channel 0,
// skipping heartbeats, and returns its class, method and remaining payload.
func (h *handshaker) readMethod() (uint16, uint16, []byte, error) {
	for {
		var header [7]byte
		if _, err := io.ReadFull(h.r, header[:]); err != nil {
			return 0, 0, nil, err
		}
		frameType := header[0]
		size := binary.BigEndian.Uint32(header[3:7])
		if size > 1<<20 {
			return 0, 0, nil, fmt.Errorf("oversized frame of %d bytes during handshake", size)
		}

		payload := make([]byte, size+1)
		if _, err := io.ReadFull(h.r, payload); err != nil {
			return 0, 0, nil, err
		}
		if payload[size] != frameEnd {
			return 0, 0, nil, fmt.Errorf("missing frame end octet")
		}
		payload = payload[:size]

		switch frameType {
		case frameHeartbeat:
			continue
		case frameMethod:
			if len(payload) < 4 {
				return 0, 0, nil, fmt.Errorf("short method frame")
			}
			class := binary.BigEndian.Uint16(payload[0:2])
			method := binary.BigEndian.Uint16(payload[2:4])
			return class, method, payload[4:], nil
		default:
			return 0, 0, nil, fmt.Errorf("unexpected frame type %d during handshake", frameType)
		}
	}
}

func (h *handshaker) writeMethod(method uint16, args []byte) error {
	payload := make([]byte, 0, 4+len(args))
	payload = binary.BigEndian.AppendUint16(payload, classConnection)
	payload = binary.BigEndian.AppendUint16(payload, method)
	payload = append(payload, args...)

	frame := make([]byte, 0, 8+len(payload))
	frame = append(frame, frameMethod, 0, 0) // type, channel 0
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, frameEnd)

	_, err := h.conn.Write(frame)
	return err
}

func (h *handshaker) sendStartOK() error {
	var args []byte
	args = appendTable(args, map[string]string{
		"product": "rabbitharness",
		"version": "diagnoser",
	})
	args = appendShortStr(args, "PLAIN")
	args = appendLongStr(args, h.saslResponse())
	args = appendShortStr(args, "en_US")
	return h.writeMethod(methodStartOK, args)
}

func (h *handshaker) sendSecureOK() error {
	var args []byte
	args = appendLongStr(args, h.saslResponse())
	return h.writeMethod(methodSecureOK, args)
}

func (h *handshaker) saslResponse() []byte {
	c := h.cfg.Connection
	resp := make([]byte, 0, 2+len(c.User)+len(c.Password))
	resp = append(resp, 0)
	resp = append(resp, c.User...)
	resp = append(resp, 0)
	resp = append(resp, c.Password...)
	return resp
}

func (h *handshaker) sendTuneOK(tuneArgs []byte) error {
	// Echo the server's channel-max, cap frame-max at the client default,
	// and disable heartbeats for the short-lived probe.
	var channelMax uint16
	var frameMax uint32 = 131072
	if len(tuneArgs) >= 6 {
		channelMax = binary.BigEndian.Uint16(tuneArgs[0:2])
		if serverMax := binary.BigEndian.Uint32(tuneArgs[2:6]); serverMax > 0 && serverMax < frameMax {
			frameMax = serverMax
		}
	}

	var args []byte
	args = binary.BigEndian.AppendUint16(args, channelMax)
	args = binary.BigEndian.AppendUint32(args, frameMax)
	args = binary.BigEndian.AppendUint16(args, 0) // heartbeat off
	return h.writeMethod(methodTuneOK, args)
}

func (h *handshaker) sendOpen() error {
	vhost := h.cfg.Connection.Vhost
	if vhost == "" {
		vhost = "/"
	}
	var args []byte
	args = appendShortStr(args, vhost)
	args = appendShortStr(args, "") // reserved (capabilities)
	args = append(args, 0)          // reserved (insist)
	return h.writeMethod(methodOpen, args)
}

func (h *handshaker) closeCleanly() error {
	var args []byte
	args = binary.BigEndian.AppendUint16(args, 200)
	args = appendShortStr(args, "bye")
	args = binary.BigEndian.AppendUint16(args, 0)
	args = binary.BigEndian.AppendUint16(args, 0)
	if err := h.writeMethod(methodClose, args); err != nil {
		return nil // already diagnosed as healthy
	}
	for {
		class, method, _, err := h.readMethod()
		if err != nil || (class == classConnection && method == methodCloseOK) {
			return nil
		}
	}
}

func parseClose(args []byte) (int, string) {
	if len(args) < 3 {
		return 0, ""
	}
	code := int(binary.BigEndian.Uint16(args[0:2]))
	textLen := int(args[2])
	if len(args) < 3+textLen {
		return code, ""
	}
	return code, string(args[3 : 3+textLen])
}

func appendShortStr(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func appendLongStr(b []byte, s []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// appendTable encodes a field table of longstr values, which is all the
// probe's client-properties need.
func appendTable(b []byte, fields map[string]string) []byte {
	var table []byte
	for k, v := range fields {
		table = appendShortStr(table, k)
		table = append(table, 'S')
		table = appendLongStr(table, []byte(v))
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(table)))
	return append(b, table...)
}
