package wireproto_test

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/everything-os/shift/pkg/wireproto"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)

	fileA := os.NewFile(uintptr(fds[0]), "a")
	fileB := os.NewFile(uintptr(fds[1]), "b")
	connA, err := net.FileConn(fileA)
	require.NoError(t, err)
	connB, err := net.FileConn(fileB)
	require.NoError(t, err)
	fileA.Close()
	fileB.Close()

	return connA.(*net.UnixConn), connB.(*net.UnixConn)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	payload, err := wireproto.EncodePayload(wireproto.AuthPayload{Token: "abc123"})
	require.NoError(t, err)

	require.NoError(t, wireproto.WriteFrame(a, wireproto.Frame{
		Header:  wireproto.HeaderAuth,
		Payload: payload,
	}))

	got, err := wireproto.ReadFrame(b)
	require.NoError(t, err)
	assert.Equal(t, wireproto.HeaderAuth, got.Header)

	var decoded wireproto.AuthPayload
	require.NoError(t, wireproto.DecodePayload(got.Payload, &decoded))
	assert.Equal(t, "abc123", decoded.Token)
}

func TestWriteReadFrameWithFDs(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, wireproto.WriteFrame(a, wireproto.Frame{
		Header: wireproto.HeaderFramebufferLink,
		FDs:    []int{int(w.Fd())},
	}))

	got, err := wireproto.ReadFrame(b)
	require.NoError(t, err)
	require.Len(t, got.FDs, 1)
	for _, fd := range got.FDs {
		unix.Close(fd)
	}
}
