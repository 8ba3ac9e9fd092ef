package uds

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func shortTempSockPath(t *testing.T, name string) string {
	t.Helper()
	// /tmp keeps the path under the unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "tw-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

func setupTestServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := shortTempSockPath(t, "t.sock")

	server := NewServer(sockPath)
	server.SetLogger(log.New(io.Discard, "", 0))
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, _ := NewRequest("status", map[string]string{"execution_id": "exec_1"})
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	var got Request
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Command != "status" || got.ProtocolVersion != ProtocolVersion {
		t.Errorf("unexpected request: %+v", got)
	}

	var params struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := got.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	if params.ExecutionID != "exec_1" {
		t.Errorf("execution_id: got %q", params.ExecutionID)
	}
}

func TestFraming_LargePayload(t *testing.T) {
	var buf bytes.Buffer
	large := strings.Repeat("x", 1024*1024)
	if err := WriteFrame(&buf, map[string]string{"content": large}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	var got map[string]string
	if err := ReadFrame(&buf, &got); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got["content"]) != len(large) {
		t.Errorf("content length: got %d", len(got["content"]))
	}
}

func TestFraming_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxFrameSize+1))
	var v any
	if err := ReadFrame(&buf, &v); err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Errorf("expected frame too large error, got %v", err)
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "pong"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.Send(&Request{ProtocolVersion: 999, Command: "ping"})
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected protocol mismatch, got %+v", resp)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client, _ := setupTestServer(t)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("nonexistent", nil)
	if err != nil {
		t.Fatalf("client send: %v", err)
	}
	if resp.Success {
		t.Error("expected failure for unknown command")
	}
	var detail *ErrorDetail
	if !errors.As(resp.Err(), &detail) || detail.Code != ErrCodeUnknownCommand {
		t.Errorf("expected %s, got %v", ErrCodeUnknownCommand, resp.Err())
	}
}

func TestServer_HandlerExecution(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("echo", func(req *Request) *Response {
		var params map[string]string
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(params)
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("echo", map[string]string{"msg": "hello"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	var data map[string]string
	if err := resp.Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data["msg"] != "hello" {
		t.Errorf("echo: got %q", data["msg"])
	}
}

func TestServer_PanicInHandlerKeepsServing(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.Handle("boom", func(req *Request) *Response { panic("boom") })
	server.Handle("ping", func(req *Request) *Response { return SuccessResponse(nil) })
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	resp, err := client.SendCommand("boom", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR after handler panic, got %+v", resp)
	}
	resp, err = client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		t.Fatalf("ping after panic: resp=%+v err=%v", resp, err)
	}
}

func TestServer_MultipleClients(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "pong"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			resp, err := c.SendCommand("ping", nil)
			if err == nil {
				err = resp.Err()
			}
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}
}

func TestServer_Stream(t *testing.T) {
	server, client, _ := setupTestServer(t)
	server.HandleStream("count", func(ctx context.Context, req *Request, send func(any) error) *Response {
		var params struct {
			N int `json:"n"`
		}
		if err := req.DecodeParams(&params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		for i := 1; i <= params.N; i++ {
			if err := send(map[string]int{"i": i}); err != nil {
				return nil
			}
		}
		return SuccessResponse(map[string]int{"total": params.N})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	var seen []int
	resp, err := client.Stream(context.Background(), "count", map[string]int{"n": 3}, func(raw json.RawMessage) error {
		var item map[string]int
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		seen = append(seen, item["i"])
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("items: got %v", seen)
	}
	var final map[string]int
	resp.Decode(&final)
	if final["total"] != 3 {
		t.Errorf("final: got %+v", final)
	}
}

func TestServer_StreamClientDisconnectCancelsHandler(t *testing.T) {
	server, client, _ := setupTestServer(t)
	cancelled := make(chan struct{})
	server.HandleStream("follow", func(ctx context.Context, req *Request, send func(any) error) *Response {
		if err := send("first"); err != nil {
			t.Errorf("send first: %v", err)
		}
		<-ctx.Done()
		close(cancelled)
		return nil
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.Stream(ctx, "follow", nil, func(json.RawMessage) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled after client disconnect")
	}
}

func TestServer_StopEndsStreams(t *testing.T) {
	server, client, _ := setupTestServer(t)
	started := make(chan struct{})
	server.HandleStream("follow", func(ctx context.Context, req *Request, send func(any) error) *Response {
		close(started)
		<-ctx.Done()
		return ErrorResponse(ErrCodeUnavailable, "daemon shutting down")
	})
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}

	result := make(chan *Response, 1)
	go func() {
		resp, err := client.Stream(context.Background(), "follow", nil, func(json.RawMessage) error { return nil })
		if err != nil {
			t.Errorf("stream: %v", err)
		}
		result <- resp
	}()

	<-started
	server.Stop()

	select {
	case resp := <-result:
		if resp == nil || resp.Error == nil || resp.Error.Code != ErrCodeUnavailable {
			t.Errorf("expected UNAVAILABLE final frame, got %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after server stop")
	}
}

func TestClient_DaemonNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	client.SetTimeout(1 * time.Second)

	_, err := client.SendCommand("ping", nil)
	if err == nil {
		t.Fatal("expected error when daemon not running")
	}
	if !strings.Contains(err.Error(), "failed to connect to daemon") {
		t.Errorf("expected daemon connection error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "taskweave daemon") {
		t.Errorf("expected hint about 'taskweave daemon', got: %v", err)
	}
}

func TestServer_ConnectionTimeout(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	server.SetConnTimeout(300 * time.Millisecond)
	server.Handle("ping", func(req *Request) *Response { return SuccessResponse(nil) })
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	defer server.Stop()

	// An idle connection is closed by the server.
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected read error on timed-out connection")
	}

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		t.Fatalf("client after timeout: resp=%+v err=%v", resp, err)
	}
}

func TestServer_SocketLifecycle(t *testing.T) {
	server, _, sockPath := setupTestServer(t)
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}

	server.Stop()
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResponseHelpers(t *testing.T) {
	resp := ErrorResponse(ErrCodeNotFound, "no such execution")
	if resp.Success || resp.Err() == nil || resp.Err().Error() != "NOT_FOUND: no such execution" {
		t.Errorf("unexpected error response: %+v", resp)
	}

	ok := SuccessResponse(map[string]int{"count": 42})
	var data map[string]int
	if err := ok.Decode(&data); err != nil || data["count"] != 42 || ok.Err() != nil {
		t.Errorf("unexpected success response: %+v", ok)
	}

	empty := SuccessResponse(nil)
	if empty.Data != nil {
		t.Errorf("expected nil data, got %s", string(empty.Data))
	}
	if (&Response{}).Err() == nil {
		t.Error("failed response without details should still be an error")
	}
}
