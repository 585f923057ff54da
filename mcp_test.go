package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/odai-mcp"
	"github.com/tmaxmax/go-sse"
)

// testSuite runs a Server over a real transport and talks to it with raw JSON-RPC messages.
type testSuite struct {
	cfg testSuiteConfig

	server          mcp.Server
	serverTransport mcp.ServerTransport

	incoming chan mcp.JSONRPCMessage
	cancel   context.CancelFunc

	// SSE
	httpServer *httptest.Server
	messageURL string

	// stdio
	clientWriter *io.PipeWriter
	clientReader *io.PipeReader
}

type testSuiteConfig struct {
	transportName string
	serverOptions []mcp.ServerOption
}

var transportNames = []string{"SSE", "StdIO"}

func TestInitialize(t *testing.T) {
	type testCase struct {
		name          string
		params        string
		serverOptions []mcp.ServerOption
		wantErrCode   int
		check         func(*testing.T, json.RawMessage)
	}

	testCases := []testCase{
		{
			name:   "success with no capabilities",
			params: `{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}`,
			check: func(t *testing.T, raw json.RawMessage) {
				var res struct {
					ProtocolVersion string                     `json:"protocolVersion"`
					Capabilities    map[string]json.RawMessage `json:"capabilities"`
					ServerInfo      mcp.Info                   `json:"serverInfo"`
				}
				if err := json.Unmarshal(raw, &res); err != nil {
					t.Fatalf("failed to unmarshal result: %v", err)
				}
				if res.ProtocolVersion != "2024-11-05" {
					t.Errorf("unexpected protocol version %q", res.ProtocolVersion)
				}
				if len(res.Capabilities) != 0 {
					t.Errorf("expected no capabilities, got %v", res.Capabilities)
				}
				if res.ServerInfo.Name != "test-server" {
					t.Errorf("unexpected server info %+v", res.ServerInfo)
				}
			},
		},
		{
			name:   "success with resources and tools",
			params: `{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}`,
			serverOptions: []mcp.ServerOption{
				mcp.WithResourceServer(&mockResourceServer{}),
				mcp.WithToolServer(&mockToolServer{}),
				mcp.WithInstructions("draw something"),
			},
			check: func(t *testing.T, raw json.RawMessage) {
				var res struct {
					Capabilities mcp.ServerCapabilities `json:"capabilities"`
					Instructions string                 `json:"instructions"`
				}
				if err := json.Unmarshal(raw, &res); err != nil {
					t.Fatalf("failed to unmarshal result: %v", err)
				}
				if res.Capabilities.Resources == nil || res.Capabilities.Tools == nil {
					t.Errorf("expected resources and tools capabilities, got %+v", res.Capabilities)
				}
				if res.Instructions != "draw something" {
					t.Errorf("unexpected instructions %q", res.Instructions)
				}
			},
		},
		{
			name:        "protocol version mismatch",
			params:      `{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"c","version":"1"}}`,
			wantErrCode: -32602,
		},
		{
			name:        "malformed params",
			params:      `[]`,
			wantErrCode: -32602,
		},
	}

	for _, transportName := range transportNames {
		for _, tc := range testCases {
			cfg := testSuiteConfig{transportName: transportName, serverOptions: tc.serverOptions}
			t.Run(fmt.Sprintf("%s/%s", transportName, tc.name), testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
				s.send(t, mcp.JSONRPCMessage{
					JSONRPC: mcp.JSONRPCVersion,
					ID:      "init",
					Method:  "initialize",
					Params:  json.RawMessage(tc.params),
				})
				res := s.receive(t)
				if res.ID != "init" {
					t.Fatalf("expected response to init, got %+v", res)
				}

				if tc.wantErrCode != 0 {
					if res.Error == nil || res.Error.Code != tc.wantErrCode {
						t.Fatalf("expected error code %d, got %+v", tc.wantErrCode, res.Error)
					}
					return
				}
				if res.Error != nil {
					t.Fatalf("unexpected error: %v", res.Error)
				}
				tc.check(t, res.Result)
			}))
		}
	}
}

func TestRequestBeforeInitialized(t *testing.T) {
	for _, transportName := range transportNames {
		cfg := testSuiteConfig{
			transportName: transportName,
			serverOptions: []mcp.ServerOption{mcp.WithToolServer(&mockToolServer{})},
		}
		t.Run(transportName, testSuiteCase(cfg, func(t *testing.T, s *testSuite) {
			s.send(t, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: mcp.MethodToolsList})
			res := s.receive(t)
			if res.Error == nil || res.Error.Code != -32600 {
				t.Fatalf("expected invalid request error, got %+v", res)
			}

			// Ping is served regardless of initialization.
			s.send(t, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "2", Method: "ping"})
			res = s.receive(t)
			if res.ID != "2" || res.Error != nil || string(res.Result) != "{}" {
				t.Fatalf("unexpected pong: %+v", res)
			}
		}))
	}
}

func testSuiteCase(cfg testSuiteConfig, test func(*testing.T, *testSuite)) func(*testing.T) {
	return func(t *testing.T) {
		s := &testSuite{
			cfg: cfg,
		}
		s.setup(t)
		defer s.teardown(t)

		test(t, s)
	}
}

func (s *testSuite) setup(t *testing.T) {
	t.Helper()

	s.incoming = make(chan mcp.JSONRPCMessage, 100)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.transportName == "SSE" {
		s.setupSSE(t)
	} else {
		s.setupStdIO()
	}

	// Pings are disabled unless a test asks for them; options apply in order.
	options := append([]mcp.ServerOption{mcp.WithServerPingInterval(-1)}, s.cfg.serverOptions...)
	s.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, s.serverTransport, options...)
	go s.server.Serve()

	if s.cfg.transportName == "SSE" {
		s.connectSSE(ctx, t)
	}
}

func (s *testSuite) setupSSE(t *testing.T) {
	t.Helper()

	sseServer := mcp.NewSSEServer("/sse")
	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer)

	s.serverTransport = sseServer
	s.httpServer = httptest.NewServer(mux)
}

func (s *testSuite) connectSSE(ctx context.Context, t *testing.T) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.httpServer.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := s.httpServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	endpoints := make(chan string, 1)
	go func() {
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			switch ev.Type {
			case "endpoint":
				endpoints <- ev.Data
			case "message":
				var msg mcp.JSONRPCMessage
				if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
					continue
				}
				s.incoming <- msg
			}
		}
	}()

	select {
	case endpoint := <-endpoints:
		s.messageURL = s.httpServer.URL + endpoint
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for endpoint event")
	}
}

func (s *testSuite) setupStdIO() {
	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	s.serverTransport = mcp.NewStdIO(srvReader, srvWriter)
	s.clientWriter = cliWriter
	s.clientReader = cliReader

	go func() {
		reader := bufio.NewReader(cliReader)
		for {
			line, err := reader.ReadString('\n')
			if line = strings.TrimSpace(line); line != "" {
				var msg mcp.JSONRPCMessage
				if json.Unmarshal([]byte(line), &msg) == nil {
					s.incoming <- msg
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// send delivers msg to the server. Over SSE a request POST only returns once its response is
// written, so requests are posted in the background.
func (s *testSuite) send(t *testing.T, msg mcp.JSONRPCMessage) {
	t.Helper()

	bs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}

	if s.cfg.transportName != "SSE" {
		if _, err := s.clientWriter.Write(append(bs, '\n')); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}
		return
	}

	post := func() (int, error) {
		resp, err := s.httpServer.Client().Post(s.messageURL, "application/json", strings.NewReader(string(bs)))
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	if msg.Method != "" && msg.ID != "" {
		go func() { _, _ = post() }()
		return
	}
	code, err := post()
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
}

func (s *testSuite) receive(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()

	select {
	case msg := <-s.incoming:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message from server")
		return mcp.JSONRPCMessage{}
	}
}

// initialize performs the handshake, so the session serves every method afterwards.
func (s *testSuite) initialize(t *testing.T) {
	t.Helper()

	s.send(t, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "init",
		Method:  "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},` +
			`"clientInfo":{"name":"test-client","version":"1.0"}}`),
	})
	if res := s.receive(t); res.ID != "init" || res.Error != nil {
		t.Fatalf("initialize failed: %+v", res)
	}
	s.send(t, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: "notifications/initialized"})
}

func (s *testSuite) teardown(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shutdown server: %v", err)
	}
	s.cancel()

	if s.cfg.transportName == "SSE" {
		s.httpServer.Close()
		return
	}
	s.clientWriter.Close()
	s.clientReader.Close()
}
