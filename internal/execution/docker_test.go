package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeAPIVersion = "1.47"

// fakeDaemon serves the subset of the Docker Engine API the runner uses for
// a single container.
type fakeDaemon struct {
	// streaming keeps the attach stream open and writing after the first frame.
	streaming bool
	// exitOnKill holds the container exit until it is signaled.
	exitOnKill bool
	exitCode   int

	started  chan struct{}
	exited   chan struct{}
	exitOnce sync.Once
	stop     chan struct{}
	removed  atomic.Bool
	signals  chan string
}

func newFakeDaemon(t *testing.T, d *fakeDaemon) *DockerRunner {
	t.Helper()
	d.started = make(chan struct{})
	d.exited = make(chan struct{})
	d.stop = make(chan struct{})
	d.signals = make(chan string, 4)

	r := chi.NewRouter()
	r.Route("/v"+fakeAPIVersion+"/containers", func(r chi.Router) {
		r.Post("/create", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"Id": "c1", "Warnings": []string{}})
		})
		r.Post("/{id}/attach", d.attach)
		r.Post("/{id}/wait", d.wait)
		r.Post("/{id}/start", func(w http.ResponseWriter, _ *http.Request) {
			close(d.started)
			if !d.exitOnKill {
				d.exit()
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/{id}/kill", func(w http.ResponseWriter, req *http.Request) {
			d.signals <- req.URL.Query().Get("signal")
			d.exit()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, _ *http.Request) {
			d.removed.Store(true)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		close(d.stop)
		srv.Close()
	})

	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion(fakeAPIVersion),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return newDockerRunner(cli, "busybox", "", slog.Default())
}

func (d *fakeDaemon) exit() {
	d.exitOnce.Do(func() { close(d.exited) })
}

func (d *fakeDaemon) attach(w http.ResponseWriter, _ *http.Request) {
	conn, rw, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	fmt.Fprint(rw, "HTTP/1.1 101 UPGRADED\r\n"+
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n"+
		"Connection: Upgrade\r\n"+
		"Upgrade: tcp\r\n\r\n")
	if err := rw.Flush(); err != nil {
		conn.Close()
		return
	}

	go func() {
		defer conn.Close()
		select {
		case <-d.started:
		case <-d.stop:
			return
		}
		out := stdcopy.NewStdWriter(conn, stdcopy.Stdout)
		if _, err := out.Write([]byte("hello\n")); err != nil || !d.streaming {
			return
		}
		for {
			select {
			case <-d.stop:
				return
			case <-time.After(time.Millisecond):
			}
			if _, err := out.Write([]byte("tick\n")); err != nil {
				return
			}
		}
	}()
}

func (d *fakeDaemon) wait(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()
	select {
	case <-d.exited:
	case <-req.Context().Done():
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"StatusCode": d.exitCode})
}

// sealedWriter counts writes that arrive after seal.
type sealedWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	sealed bool
	late   int
}

func (w *sealedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		w.late++
	}
	return w.buf.Write(p)
}

func (w *sealedWriter) seal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sealed = true
}

func (w *sealedWriter) snapshot() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String(), w.late
}

func waitProcess(t *testing.T, p Process) (int, error) {
	t.Helper()
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := p.Wait()
		done <- result{code, err}
	}()
	select {
	case res := <-done:
		return res.code, res.err
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
		return 0, nil
	}
}

func TestDockerRunner_WaitReturnsAfterOutputIsCopied(t *testing.T) {
	d := &fakeDaemon{}
	r := newFakeDaemon(t, d)
	stdout, stderr := &sealedWriter{}, &sealedWriter{}

	p, err := r.Start(context.Background(), Command{Argv: []string{"sh", "-s"}, Stdin: "echo hello\n"}, stdout, stderr)
	require.NoError(t, err)

	code, err := waitProcess(t, p)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	out, _ := stdout.snapshot()
	assert.Equal(t, "hello\n", out)
	assert.True(t, d.removed.Load())
}

func TestDockerRunner_WaitCutsOffOutputLeftOpen(t *testing.T) {
	d := &fakeDaemon{streaming: true, exitCode: 3}
	r := newFakeDaemon(t, d)
	r.waitDelay = 20 * time.Millisecond
	stdout, stderr := &sealedWriter{}, &sealedWriter{}

	p, err := r.Start(context.Background(), Command{Argv: []string{"sh", "-s"}}, stdout, stderr)
	require.NoError(t, err)

	code, err := waitProcess(t, p)
	stdout.seal()
	stderr.seal()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	// The stream is still being fed; nothing may reach the writers now.
	time.Sleep(50 * time.Millisecond)
	out, late := stdout.snapshot()
	assert.Contains(t, out, "hello\n")
	assert.Zero(t, late)
	_, late = stderr.snapshot()
	assert.Zero(t, late)
	assert.True(t, d.removed.Load())
}

func TestDockerRunner_SignaledExit(t *testing.T) {
	t.Run("killed by us", func(t *testing.T) {
		d := &fakeDaemon{exitOnKill: true, exitCode: exitSIGKILL}
		r := newFakeDaemon(t, d)

		p, err := r.Start(context.Background(), Command{Argv: []string{"sh", "-s"}}, &sealedWriter{}, &sealedWriter{})
		require.NoError(t, err)
		require.NoError(t, p.Kill())
		assert.Equal(t, "SIGKILL", <-d.signals)

		code, err := waitProcess(t, p)
		require.NoError(t, err)
		assert.Equal(t, ExitSignaled, code)
	})

	t.Run("same status without a signal", func(t *testing.T) {
		d := &fakeDaemon{exitCode: exitSIGKILL}
		r := newFakeDaemon(t, d)

		p, err := r.Start(context.Background(), Command{Argv: []string{"sh", "-s"}}, &sealedWriter{}, &sealedWriter{})
		require.NoError(t, err)

		code, err := waitProcess(t, p)
		require.NoError(t, err)
		assert.Equal(t, exitSIGKILL, code)
	})
}
