package gamequery

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/wakegate/wakegate/internal/model"
)

const (
	a2sInfoHeader      = 0x54 // 'T'
	a2sInfoReply       = 0x49 // 'I'
	a2sChallengeReply  = 0x41 // 'A'
	a2sMaxResponseSize = 1400
)

var a2sInfoPayload = append([]byte{0xff, 0xff, 0xff, 0xff, a2sInfoHeader}, "Source Engine Query\x00"...)

// ValveAdapter queries Source-engine servers (and the many games that
// reuse the protocol) over A2S_INFO.
type ValveAdapter struct {
	id   string
	spec GameSpec
}

// NewValveAdapter creates an A2S adapter for a given game.
func NewValveAdapter(id string, spec GameSpec) *ValveAdapter {
	if spec.Protocol == "" {
		spec.Protocol = model.ProtocolUDP
	}
	return &ValveAdapter{id: id, spec: spec}
}

func (a *ValveAdapter) ID() string     { return a.id }
func (a *ValveAdapter) Spec() GameSpec { return a.spec }

func (a *ValveAdapter) SelfTest(ctx context.Context) error {
	if a.id == "" || a.spec.DockerImage == "" {
		return fmt.Errorf("valve adapter spec incomplete")
	}
	return nil
}

// Players sends A2S_INFO and parses the player counts out of the reply.
// Servers behind challenge protection answer with 'A' first; the query is
// resent with the challenge appended.
func (a *ValveAdapter) Players(ctx context.Context, host string, port int) (*PlayerInfo, error) {
	dialer := net.Dialer{Timeout: queryTimeout}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(queryTimeout))

	resp, err := a2sExchange(conn, a2sInfoPayload)
	if err != nil {
		return nil, err
	}
	if resp[0] == a2sChallengeReply {
		if len(resp) < 5 {
			return nil, fmt.Errorf("short challenge reply")
		}
		challenged := append(append([]byte{}, a2sInfoPayload...), resp[1:5]...)
		if resp, err = a2sExchange(conn, challenged); err != nil {
			return nil, err
		}
	}
	if resp[0] != a2sInfoReply {
		return nil, fmt.Errorf("unexpected reply type %#x", resp[0])
	}
	return parseA2SInfo(resp[1:])
}

func a2sExchange(conn net.Conn, query []byte) ([]byte, error) {
	if _, err := conn.Write(query); err != nil {
		return nil, fmt.Errorf("sending query: %w", err)
	}
	buf := make([]byte, a2sMaxResponseSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading reply: %w", err)
	}
	if n < 5 || !bytes.Equal(buf[:4], []byte{0xff, 0xff, 0xff, 0xff}) {
		return nil, fmt.Errorf("malformed reply (%d bytes)", n)
	}
	return buf[4:n], nil
}

// parseA2SInfo walks the reply far enough to reach the player counts:
// protocol byte, four null-terminated strings, app id, then
// players/max_players bytes.
func parseA2SInfo(b []byte) (*PlayerInfo, error) {
	r := bytes.NewReader(b)
	if _, err := r.ReadByte(); err != nil { // protocol version
		return nil, fmt.Errorf("truncated info reply")
	}
	for i := 0; i < 4; i++ { // name, map, folder, game
		if _, err := readCString(r); err != nil {
			return nil, fmt.Errorf("truncated info reply")
		}
	}
	var appID uint16
	if err := binary.Read(r, binary.LittleEndian, &appID); err != nil {
		return nil, fmt.Errorf("truncated info reply")
	}
	players, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated info reply")
	}
	maxPlayers, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated info reply")
	}
	return &PlayerInfo{
		Online:  true,
		Current: int(players),
		Max:     int(maxPlayers),
	}, nil
}

func readCString(r *bytes.Reader) (string, error) {
	var sb bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}
