package prefork

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDesiredDeltaRampsToMinServers(t *testing.T) {
	cfg := Config{MinServers: 3, MaxServers: 10, MinSpareServers: 1, MaxSpareServers: 3}
	require.Equal(t, 3, desiredDelta(0, 0, cfg))
	require.Equal(t, 1, desiredDelta(2, 0, cfg))
}

func TestDesiredDeltaGrowsSpareCapacity(t *testing.T) {
	cfg := Config{MinServers: 2, MaxServers: 10, MinSpareServers: 2, MaxSpareServers: 4}
	// at min_servers already, but no idle workers: need 2 more spares.
	require.Equal(t, 2, desiredDelta(2, 0, cfg))
}

func TestDesiredDeltaCapsGrowthAtMaxServers(t *testing.T) {
	cfg := Config{MinServers: 2, MaxServers: 5, MinSpareServers: 3, MaxSpareServers: 4}
	// total=4, idle=0: would want 3 spares -> total 7, but max_servers=5.
	require.Equal(t, 1, desiredDelta(4, 0, cfg))
}

func TestDesiredDeltaShedsExcessSpares(t *testing.T) {
	cfg := Config{MinServers: 1, MaxServers: 10, MinSpareServers: 1, MaxSpareServers: 2}
	// total=6, idle=5: too many idle, shed down to max_spare_servers=2.
	require.Equal(t, -3, desiredDelta(6, 5, cfg))
}

func TestDesiredDeltaShedNeverGoesBelowMinServers(t *testing.T) {
	cfg := Config{MinServers: 4, MaxServers: 10, MinSpareServers: 1, MaxSpareServers: 2}
	// total=5, idle=5: shedding to max_spare would drop below min_servers.
	require.Equal(t, -1, desiredDelta(5, 5, cfg))
}

func TestDesiredDeltaSteadyStateIsZero(t *testing.T) {
	cfg := Config{MinServers: 2, MaxServers: 10, MinSpareServers: 1, MaxSpareServers: 3}
	require.Equal(t, 0, desiredDelta(3, 2, cfg))
}

func TestNewRejectsNonTCPListener(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", dir+"/arc.sock")
	require.NoError(t, err)
	defer ln.Close()

	_, err = New(Config{}, []net.Listener{ln}, nil)
	require.Error(t, err)
}

func TestNewAcceptsTCPListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	p, err := New(Config{MinServers: 1, MaxServers: 2}, []net.Listener{ln}, nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}
