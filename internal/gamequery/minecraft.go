package gamequery

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/wakegate/wakegate/internal/model"
)

const (
	queryTimeout = 5 * time.Second

	// Handshake protocol version. Status pings work with any version the
	// server recognises; -1 is the conventional "just asking" value.
	mcHandshakeProto = -1
	mcStateStatus    = 1
	mcMaxStatusLen   = 1 << 20
)

// MinecraftAdapter queries Minecraft Java Edition servers over the
// server-list-ping protocol (the same exchange the in-game multiplayer
// screen performs).
type MinecraftAdapter struct {
	spec GameSpec
}

// NewMinecraftAdapter creates the Java Edition adapter.
func NewMinecraftAdapter() *MinecraftAdapter {
	return &MinecraftAdapter{
		spec: GameSpec{
			DockerImage: "itzg/minecraft-server:latest",
			DefaultPort: 25565,
			MinRAM:      "2g",
			MinCPU:      "1.0",
			Protocol:    model.ProtocolTCP,
			Description: "Minecraft Java Edition",
		},
	}
}

func (a *MinecraftAdapter) ID() string     { return "minecraft-java" }
func (a *MinecraftAdapter) Spec() GameSpec { return a.spec }

// SelfTest validates the static spec. The ping path has no external
// dependencies to check.
func (a *MinecraftAdapter) SelfTest(ctx context.Context) error {
	if a.spec.DockerImage == "" || a.spec.DefaultPort == 0 {
		return fmt.Errorf("minecraft adapter spec incomplete")
	}
	return nil
}

// statusPayload is the subset of the status JSON we read.
type statusPayload struct {
	Players struct {
		Online int `json:"online"`
		Max    int `json:"max"`
		Sample []struct {
			Name string `json:"name"`
		} `json:"sample"`
	} `json:"players"`
}

// Players performs a server-list ping and returns the population.
func (a *MinecraftAdapter) Players(ctx context.Context, host string, port int) (*PlayerInfo, error) {
	dialer := net.Dialer{Timeout: queryTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", host, port, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(queryTimeout))

	if err := writeHandshake(conn, host, port); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	// Status request: empty packet 0x00.
	if err := writePacket(conn, []byte{0x00}); err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}

	payload, err := readStatus(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("status response: %w", err)
	}

	info := &PlayerInfo{
		Online:  true,
		Current: payload.Players.Online,
		Max:     payload.Players.Max,
	}
	for _, p := range payload.Players.Sample {
		info.Players = append(info.Players, p.Name)
	}
	return info, nil
}

func writeHandshake(conn net.Conn, host string, port int) error {
	var body bytes.Buffer
	body.WriteByte(0x00)
	writeVarInt(&body, mcHandshakeProto)
	writeVarInt(&body, int32(len(host)))
	body.WriteString(host)
	binary.Write(&body, binary.BigEndian, uint16(port))
	writeVarInt(&body, mcStateStatus)
	return writePacket(conn, body.Bytes())
}

func writePacket(conn net.Conn, body []byte) error {
	var framed bytes.Buffer
	writeVarInt(&framed, int32(len(body)))
	framed.Write(body)
	_, err := conn.Write(framed.Bytes())
	return err
}

func readStatus(r *bufio.Reader) (*statusPayload, error) {
	if _, err := readVarInt(r); err != nil { // packet length
		return nil, err
	}
	id, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if id != 0x00 {
		return nil, fmt.Errorf("unexpected packet id %#x", id)
	}
	strLen, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if strLen < 0 || strLen > mcMaxStatusLen {
		return nil, fmt.Errorf("status payload length %d out of range", strLen)
	}
	raw := make([]byte, strLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	var payload statusPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing status json: %w", err)
	}
	return &payload, nil
}

// Protocol VarInts are little-endian base-128 with the sign bit carried in
// the two's-complement int32 representation.
func writeVarInt(buf *bytes.Buffer, v int32) {
	u := uint32(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if u == 0 {
			return
		}
	}
}

func readVarInt(r *bufio.Reader) (int32, error) {
	var value uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(value), nil
		}
	}
	return 0, fmt.Errorf("varint too long")
}
