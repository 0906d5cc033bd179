package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// testSSHServer is an in-process SSH server that runs exec requests with
// the local bash and serves the sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup
}

func newTestSSHServer(t *testing.T, password string) *testSSHServer {
	t.Helper()

	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testSSHServer{listener: listener, config: config}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = s.listener.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testSSHServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	var cmd *exec.Cmd
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			cmd = exec.Command("bash", "-c", payload.Command)
			cmd.Stdin = channel
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()
			if err := cmd.Start(); err != nil {
				cmd = nil
				sendExitStatus(channel, 127)
				continue
			}
			go func(cmd *exec.Cmd) {
				code := 0
				if err := cmd.Wait(); err != nil {
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) {
						code = exitErr.ExitCode()
					} else {
						code = 127
					}
				}
				sendExitStatus(channel, code)
			}(cmd)

		case "signal":
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(channel)
				if err != nil {
					_ = channel.Close()
					return
				}
				if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
					_ = server.Close()
				}
				_ = channel.Close()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// sendExitStatus reports a program's exit code and closes the channel.
func sendExitStatus(channel ssh.Channel, code int) {
	status := struct{ Status uint32 }{uint32(code)}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
	_ = channel.Close()
}

func testHost(s *testSSHServer) *engine.Host {
	return &engine.Host{Name: "web1", Address: "127.0.0.1", Port: s.port(), User: "tester", Password: "secret"}
}

func insecureBase() Config {
	return Config{ConnectionTimeout: 5 * time.Second, MaxKeepAliveRetries: 3}
}

func dialTest(t *testing.T, s *testSSHServer) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, testHost(s), insecureBase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnect(t *testing.T) {
	s := newTestSSHServer(t, "secret")
	client := dialTest(t, s)

	assert.True(t, client.IsConnected())
	require.NoError(t, client.HealthCheck(context.Background()))

	info := client.Info()
	assert.Equal(t, "127.0.0.1", info.Host)
	assert.Equal(t, s.port(), info.Port)
	assert.Equal(t, "tester", info.User)
	assert.False(t, info.ConnectedAt.IsZero())

	// Connecting again keeps the live connection.
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	require.NoError(t, client.Close())

	err := client.HealthCheck(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "healthcheck", te.Op)
}

func TestClientConnectWrongPassword(t *testing.T) {
	s := newTestSSHServer(t, "secret")
	h := testHost(s)
	h.Password = "wrong"

	_, err := Dial(context.Background(), h, insecureBase())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.IsAuthError)
	assert.Contains(t, err.Error(), "host web1")
}

func TestClientConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	h := &engine.Host{Name: "gone", Address: "127.0.0.1", Port: port, Password: "x"}
	_, err = Dial(context.Background(), h, insecureBase())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Temporary())
}

func TestClientRun(t *testing.T) {
	s := newTestSSHServer(t, "secret")
	client := dialTest(t, s)
	ctx := context.Background()

	t.Run("stdout and stderr", func(t *testing.T) {
		res, err := client.Run(ctx, "echo hello\necho oops >&2\n")
		require.NoError(t, err)
		assert.Equal(t, "hello\n", res.Stdout)
		assert.Equal(t, "oops\n", res.Stderr)
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("non-zero exit is a result", func(t *testing.T) {
		res, err := client.Run(ctx, "echo partial\nexit 3\n")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "partial\n", res.Stdout)
	})

	t.Run("program sees its own stdin", func(t *testing.T) {
		res, err := client.Run(ctx, "x=1\ny=$((x+41))\necho $y\n")
		require.NoError(t, err)
		assert.Equal(t, "42\n", res.Stdout)
	})

	t.Run("cancel", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		_, err := client.Run(cctx, "sleep 5\n")
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("not connected", func(t *testing.T) {
		idle, err := NewClient(ConfigFromHost(testHost(s), insecureBase()))
		require.NoError(t, err)
		_, err = idle.Run(ctx, "true\n")
		require.Error(t, err)
	})
}

func TestDialer(t *testing.T) {
	s := newTestSSHServer(t, "secret")
	dial := Dialer(insecureBase())

	shell, err := dial(context.Background(), testHost(s))
	require.NoError(t, err)
	defer shell.(*Client).Close()

	res, err := shell.Run(context.Background(), "printf ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}

func TestClientMarkers(t *testing.T) {
	s := newTestSSHServer(t, "secret")
	client := dialTest(t, s)
	ctx := context.Background()

	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write(engine.MarkerPrefix+"php8.2-fpm", "acme\n")
	write(engine.MarkerPrefix+"apache2", "")
	write("unrelated.conf", "x")
	require.NoError(t, os.Mkdir(filepath.Join(dir, engine.MarkerPrefix+"apache2.lock"), 0o755))

	markers, err := client.ListMarkers(ctx, dir)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "apache2", markers[0].Service)
	assert.True(t, markers[0].Locked)
	assert.Equal(t, "php8.2-fpm", markers[1].Service)
	assert.False(t, markers[1].Locked)
	assert.Equal(t, filepath.Join(dir, engine.MarkerPrefix+"php8.2-fpm"), markers[1].Path)

	require.NoError(t, client.ClearMarker(ctx, dir, "apache2"))
	require.NoError(t, client.ClearMarker(ctx, dir, "apache2"))
	_, err = os.Stat(filepath.Join(dir, engine.MarkerPrefix+"apache2.lock"))
	assert.True(t, os.IsNotExist(err))

	markers, err = client.ListMarkers(ctx, dir)
	require.NoError(t, err)
	require.Len(t, markers, 1)

	missing, err := client.ListMarkers(ctx, filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestTransportError(t *testing.T) {
	inner := errors.New("boom")
	err := &TransportError{Op: "exec", Err: inner, IsTemporary: true}
	assert.Equal(t, "exec: boom", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.True(t, err.Temporary())
	assert.Equal(t, "exec: boom", (&TransportError{Op: "exec", Err: inner}).Error())
}
