package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// RunServer starts an embedded NATS server on an ephemeral port.
func RunServer() (*server.Server, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, err
	}

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, nats.ErrNoServers
	}
	return s, nil
}

// StartNATS starts an embedded NATS server for a test and connects to it.
func StartNATS(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	s, err := RunServer()
	require.NoError(t, err)

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}
	return nc, cleanup
}

// CollectMessages subscribes to a subject and gathers payloads for the given
// duration.
func CollectMessages(t *testing.T, nc *nats.Conn, subject string, duration time.Duration) [][]byte {
	t.Helper()

	msgChan := make(chan *nats.Msg, 100)
	sub, err := nc.ChanSubscribe(subject, msgChan)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	var messages [][]byte
	for {
		select {
		case msg := <-msgChan:
			messages = append(messages, msg.Data)
		case <-timer.C:
			return messages
		}
	}
}
