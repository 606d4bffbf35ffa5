package gamequery

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/testutil"
)

// fakeMinecraftServer speaks just enough server-list ping to answer one
// status request per connection.
func fakeMinecraftServer(t *testing.T, statusJSON string) (host string, port int) {
	t.Helper()
	ln, _ := testutil.ListenTCP(t)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)

				// Handshake packet, then status request packet.
				for i := 0; i < 2; i++ {
					length, err := readVarInt(r)
					if err != nil {
						return
					}
					if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
						return
					}
				}

				var body bytes.Buffer
				body.WriteByte(0x00)
				writeVarInt(&body, int32(len(statusJSON)))
				body.WriteString(statusJSON)

				var framed bytes.Buffer
				writeVarInt(&framed, int32(body.Len()))
				framed.Write(body.Bytes())
				conn.Write(framed.Bytes())
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestMinecraftAdapter_ParsesPlayers(t *testing.T) {
	status := `{
		"version": {"name": "1.21", "protocol": 767},
		"players": {
			"online": 3,
			"max": 20,
			"sample": [{"name": "alice", "id": "u1"}, {"name": "bob", "id": "u2"}]
		},
		"description": {"text": "A Minecraft Server"}
	}`
	host, port := fakeMinecraftServer(t, status)

	a := NewMinecraftAdapter()
	info, err := a.Players(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, info.Online)
	require.Equal(t, 3, info.Current)
	require.Equal(t, 20, info.Max)
	require.Equal(t, []string{"alice", "bob"}, info.Players)
}

func TestMinecraftAdapter_EmptyServer(t *testing.T) {
	host, port := fakeMinecraftServer(t, `{"players": {"online": 0, "max": 10}}`)

	a := NewMinecraftAdapter()
	info, err := a.Players(context.Background(), host, port)
	require.NoError(t, err)
	require.Equal(t, 0, info.Current)
	require.Equal(t, 10, info.Max)
	require.Empty(t, info.Players)
}

func TestMinecraftAdapter_DeadServer(t *testing.T) {
	port := testutil.FreePort(t)

	a := NewMinecraftAdapter()
	_, err := a.Players(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
}

func TestMinecraftAdapter_MalformedJSON(t *testing.T) {
	host, port := fakeMinecraftServer(t, `{not json`)

	a := NewMinecraftAdapter()
	_, err := a.Players(context.Background(), host, port)
	require.Error(t, err)
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 255, 25565, 1<<20 - 1, -1} {
		var buf bytes.Buffer
		writeVarInt(&buf, v)
		got, err := readVarInt(bufio.NewReader(&buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}
