package gamequery

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wakegate/wakegate/internal/testutil"
)

func a2sInfoReplyBytes(players, maxPlayers byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0xff, 0xff, 0xff, 0xff, a2sInfoReply})
	b.WriteByte(17) // protocol version
	for _, s := range []string{"Test Server", "de_dust2", "csgo", "Counter-Strike"} {
		b.WriteString(s)
		b.WriteByte(0)
	}
	binary.Write(&b, binary.LittleEndian, uint16(730)) // app id
	b.WriteByte(players)
	b.WriteByte(maxPlayers)
	return b.Bytes()
}

// fakeValveServer answers A2S_INFO; with challenge=true the first query gets
// an 'A' challenge reply and only a challenged resend is answered.
func fakeValveServer(t *testing.T, challenge bool, players, maxPlayers byte) (host string, port int) {
	t.Helper()
	conn, _ := testutil.ListenUDP(t)

	go func() {
		buf := make([]byte, 2048)
		challengeToken := []byte{0xde, 0xad, 0xbe, 0xef}
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			query := buf[:n]
			if !bytes.HasPrefix(query, []byte{0xff, 0xff, 0xff, 0xff, a2sInfoHeader}) {
				continue
			}
			if challenge && !bytes.HasSuffix(query, challengeToken) {
				reply := append([]byte{0xff, 0xff, 0xff, 0xff, a2sChallengeReply}, challengeToken...)
				conn.WriteToUDP(reply, addr)
				continue
			}
			conn.WriteToUDP(a2sInfoReplyBytes(players, maxPlayers), addr)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	return "127.0.0.1", addr.Port
}

func TestValveAdapter_ParsesInfoReply(t *testing.T) {
	host, port := fakeValveServer(t, false, 12, 64)

	a := NewValveAdapter("csgo", GameSpec{DockerImage: "x", DefaultPort: 27015})
	info, err := a.Players(context.Background(), host, port)
	require.NoError(t, err)
	require.True(t, info.Online)
	require.Equal(t, 12, info.Current)
	require.Equal(t, 64, info.Max)
}

func TestValveAdapter_HandlesChallenge(t *testing.T) {
	host, port := fakeValveServer(t, true, 5, 32)

	a := NewValveAdapter("csgo", GameSpec{DockerImage: "x", DefaultPort: 27015})
	info, err := a.Players(context.Background(), host, port)
	require.NoError(t, err)
	require.Equal(t, 5, info.Current)
	require.Equal(t, 32, info.Max)
}

func TestValveAdapter_DeadServerTimesOut(t *testing.T) {
	t.Parallel()
	conn, _ := testutil.ListenUDP(t)
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close() // nothing will answer

	a := NewValveAdapter("csgo", GameSpec{DockerImage: "x", DefaultPort: 27015})
	_, err := a.Players(context.Background(), "127.0.0.1", addr.Port)
	require.Error(t, err)
}

func TestParseA2SInfo_Truncated(t *testing.T) {
	_, err := parseA2SInfo([]byte{17, 'T', 'e'})
	require.Error(t, err)
}
