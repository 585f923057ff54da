package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes resources and tools
// to clients connected through a ServerTransport. It manages the session lifecycle, handles
// protocol messages, and dispatches requests to the configured ResourceServer and ToolServer.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	resourceServer ResourceServer
	toolServer     ToolServer

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	// sessionsMu orders sessionsWaitGroup.Add in Serve against the close of done in Shutdown.
	sessionsMu        *sync.Mutex
	sessionsWaitGroup *sync.WaitGroup
	shutdownOnce      *sync.Once

	done chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	resourceServer ResourceServer
	toolServer     ToolServer
}

// inflightRequests holds the cancellation and client-result channel of every request that
// is being handled by a server implementation.
type inflightRequests struct {
	mu       sync.Mutex
	requests map[MustString]inflightRequest
}

type inflightRequest struct {
	cancel  context.CancelFunc
	results chan JSONRPCMessage
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")

	errResourcesUnsupported = JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "resources not supported by server"}
	errToolsUnsupported     = JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "tools not supported by server"}
)

// NewServer creates a new Model Context Protocol (MCP) server with the specified configuration.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsMu:        &sync.Mutex{},
		sessionsWaitGroup: &sync.WaitGroup{},
		shutdownOnce:      &sync.Once{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// The served data never changes at runtime, so no list-changed or subscribe flags are advertised.
	s.capabilities = ServerCapabilities{}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}

	return s
}

// WithResourceServer returns a ServerOption that configures the resource server implementation.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
// A negative interval disables server-initiated pings.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive failed pings exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the session ID of the client.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the session ID of the client.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Serve starts the MCP server and manages its lifecycle. Every session produced by the
// transport gets its own message loop.
//
// Serve blocks until the transport stops producing sessions. Sessions that arrive once
// Shutdown has started are stopped without being served.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		if !s.track() {
			s.logger.Info("server is shutting down, stopping session", slog.String("sessionID", sess.ID()))
			sess.Stop()
			continue
		}

		ss := serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			resourceServer:       s.resourceServer,
			toolServer:           s.toolServer,
		}

		// This session would close itself when the client disconnects or when
		// consecutive pings fail beyond threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID())
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by stopping all active sessions and the transport.
// It returns an error if ctx ends before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	s.shutdownOnce.Do(func() {
		s.sessionsMu.Lock()
		close(s.done)
		s.sessionsMu.Unlock()
	})

	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsClosed:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// track registers a new session with the wait group, unless Shutdown has already closed done.
func (s Server) track() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.sessionsWaitGroup.Add(1)
	return true
}

func (s serverSession) start(done <-chan struct{}) {
	// This channel is used to feed the ping goroutine a message ID we received from the client.
	pingMessageIDs := make(chan MustString, 10)
	loopDone := make(chan struct{})
	// Spawn a goroutine to handle the session's lifetime with ping.
	go s.ping(pingMessageIDs, done, loopDone)

	inflight := &inflightRequests{
		requests: make(map[MustString]inflightRequest),
	}
	// This base context is to make sure all the operations in the loop below is cancelled
	// when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	// Every goroutine that may still answer the client is tracked, so the session is not
	// stopped before its last response is written.
	handlers := &sync.WaitGroup{}
	spawn := func(f func()) {
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			f()
		}()
	}
	// Before the client sends notifications/initialized, only ping and initialize are served.
	initialized := false

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		// Validate JSON-RPC version before processing any message
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			if msg.ID != "" {
				spawn(func() { s.sendError(msg.ID, jsonRPCInvalidRequestCode, "invalid jsonrpc version") })
			}
			continue
		}
		// Notifications never get a response, so one carrying an ID is rejected rather than
		// leaving the sender waiting.
		if msg.ID != "" && strings.HasPrefix(msg.Method, notificationMethodPrefix) {
			spawn(func() {
				s.sendError(msg.ID, jsonRPCInvalidRequestCode, fmt.Sprintf("notification must not carry an id: %s", msg.Method))
			})
			continue
		}
		switch msg.Method {
		case methodPing:
			spawn(func() {
				// Send pong back to the client
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.pingTimeout)
				defer pongCancel()
				if err := s.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msg.ID,
					Result:  json.RawMessage("{}"),
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			})
		case methodInitialize:
			spawn(func() { s.handleInitializeRequest(msg) })
		case MethodResourcesList, MethodResourcesRead, MethodResourcesTemplatesList,
			MethodToolsList, MethodToolsCall, MethodCompletionComplete:
			if msg.ID == "" {
				s.logger.Warn("dropping request without id", slog.String("method", msg.Method))
				continue
			}
			if !initialized {
				spawn(func() { s.sendError(msg.ID, jsonRPCInvalidRequestCode, "session is not initialized") })
				continue
			}
			// All the methods above call the server implementation, and all the calls are cancellable,
			// so we register them, so we can cancel them if the client requests it.
			serverCtx, serverCancel := context.WithCancel(baseCtx)
			results := make(chan JSONRPCMessage, 1)
			inflight.add(msg.ID, inflightRequest{cancel: serverCancel, results: results})
			spawn(func() {
				defer inflight.remove(msg.ID)
				defer serverCancel()
				s.handleServerImplementationMessage(serverCtx, msg, results)
			})
		case methodNotificationsInitialized:
			// Successfully established the session with the client
			initialized = true
		case methodNotificationsCancelled:
			if !initialized {
				continue
			}
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancellation params", slog.String("err", err.Error()))
				continue
			}
			inflight.cancel(params.RequestID)
			s.logger.Debug("request cancelled by client",
				slog.String("requestID", string(params.RequestID)),
				slog.String("reason", params.Reason))
		case "":
			// This is the response from the client, it can be from a ping request or
			// clientRequester that called by the server implementation.
			if !initialized && msg.Error != nil {
				s.logger.Error("initialization failed with error from client",
					slog.String("err", msg.Error.Error()))
				break
			}
			// Feed the ping goroutine with the message ID we received from the client.
			select {
			case <-done:
			case pingMessageIDs <- msg.ID:
			default:
			}
			inflight.deliver(msg)
		default:
			if msg.ID == "" {
				s.logger.Debug("ignoring unknown notification", slog.String("method", msg.Method))
				continue
			}
			spawn(func() {
				s.sendError(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method))
			})
		}
	}
	// Cancel all the contexts that we created
	baseCancel()
	// Unblock every handler still waiting on a client response, then let them finish.
	inflight.closeResults()
	handlers.Wait()
	close(loopDone)
}

func (s serverSession) sendError(msgID MustString, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		s.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	// Verify client's initialization request
	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		jsonErr := JSONRPCError{Code: jsonRPCInvalidParamsCode, Message: err.Error()}
		errors.As(err, &jsonErr)
		// Initialization failed, send the error to the client to notify them to close the session.
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &jsonErr,
		}); err != nil {
			s.logger.Error("failed to send initialization error", slog.String("err", err.Error()))
		}
		return
	}
	resBs, _ := json.Marshal(res)
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
	}
}

func (s serverSession) ping(messageIDs <-chan MustString, done, loopDone <-chan struct{}) {
	defer s.session.Stop()

	var tick <-chan time.Time
	if s.pingInterval > 0 {
		pingTicker := time.NewTicker(s.pingInterval)
		defer pingTicker.Stop()
		tick = pingTicker.C
	}
	failedPings := 0
	var msgID MustString

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-loopDone:
			return
		case id := <-messageIDs:
			// Received id from client response, check whether it's the same as the one we sent.
			if id != msgID {
				continue
			}
			s.logger.Debug("received ping response, resetting failed ping counter")
			failedPings = 0
			continue
		case <-tick:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)

		// Send the ping message to the client.
		msgID = MustString(uuid.New().String())

		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		}); err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			failedPings++
		}
		cancel()
	}
}

func (s serverSession) handleServerImplementationMessage(
	ctx context.Context,
	msg JSONRPCMessage,
	results <-chan JSONRPCMessage,
) {
	result, err := s.dispatch(ctx, msg, results)

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}
	if err == nil {
		resMsg.Result, err = json.Marshal(result)
		if err != nil {
			err = internalError(fmt.Errorf("failed to marshal result: %w", err))
		}
	}
	if err != nil {
		s.logger.Error("failed to call server implementation",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		jsonErr := internalError(err)
		errors.As(err, &jsonErr)
		resMsg.Result = nil
		resMsg.Error = &jsonErr
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(sendCtx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

// dispatch runs the implementation method named by msg. Every error it returns is a JSONRPCError.
func (s serverSession) dispatch(ctx context.Context, msg JSONRPCMessage, results <-chan JSONRPCMessage) (any, error) {
	progress := s.progressReporter()
	requester := s.clientRequester(msg.ID, results)
	rs, ts := s.resourceServer, s.toolServer

	switch msg.Method {
	case MethodResourcesList, MethodResourcesRead, MethodResourcesTemplatesList:
		if rs == nil {
			return nil, errResourcesUnsupported
		}
	case MethodToolsList, MethodToolsCall:
		if ts == nil {
			return nil, errToolsUnsupported
		}
	}

	switch msg.Method {
	case MethodResourcesList:
		return callWithParams(msg.Params, "failed to list resources",
			func(p ListResourcesParams) (ListResourcesResult, error) {
				return rs.ListResources(ctx, p, progress, requester)
			})
	case MethodResourcesRead:
		return callWithParams(msg.Params, "failed to read resource",
			func(p ReadResourceParams) (ReadResourceResult, error) {
				return rs.ReadResource(ctx, p, progress, requester)
			})
	case MethodResourcesTemplatesList:
		return callWithParams(msg.Params, "failed to list resource templates",
			func(p ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
				return rs.ListResourceTemplates(ctx, p, progress, requester)
			})
	case MethodCompletionComplete:
		return s.complete(ctx, msg.Params, requester)
	case MethodToolsList:
		return callWithParams(msg.Params, "failed to list tools",
			func(p ListToolsParams) (ListToolsResult, error) {
				return ts.ListTools(ctx, p, progress, requester)
			})
	case MethodToolsCall:
		return callWithParams(msg.Params, "",
			func(p CallToolParams) (CallToolResult, error) {
				res, err := ts.CallTool(ctx, p, progress, requester)
				if err != nil {
					// Tool failures are results the model can read, not protocol errors.
					return CallToolResult{
						Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
						IsError: true,
					}, nil
				}
				return res, nil
			})
	default:
		return nil, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	s.logger.Info("client initialized",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s serverSession) progressReporter() ProgressReporter {
	return func(params ProgressParams) {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}

		// Progress is a notification, it must not carry the request ID.
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, msg); err != nil {
			s.logger.Error("failed to send progress", slog.String("err", err.Error()))
		}
	}
}

func (s serverSession) clientRequester(msgID MustString, results <-chan JSONRPCMessage) RequestClientFunc {
	return func(msg JSONRPCMessage) (JSONRPCMessage, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		// Override the message ID, so we can intercept the result correctly in the main loop.
		msg.ID = msgID
		if err := s.session.Send(ctx, msg); err != nil {
			return JSONRPCMessage{}, err
		}

		res, ok := <-results
		if !ok {
			return JSONRPCMessage{}, ErrSessionClosed
		}
		return res, nil
	}
}

func (s serverSession) complete(
	ctx context.Context,
	raw json.RawMessage,
	requester RequestClientFunc,
) (CompletionResult, error) {
	var params CompletesCompletionParams
	if err := unmarshalParams(raw, &params); err != nil {
		return CompletionResult{}, err
	}
	if params.Ref.Type != CompletionRefResource {
		return CompletionResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unsupported completion ref type: %q", params.Ref.Type),
		}
	}
	if s.resourceServer == nil {
		return CompletionResult{}, errResourcesUnsupported
	}

	result, err := s.resourceServer.CompletesResourceTemplate(ctx, params, requester)
	if err != nil {
		return CompletionResult{}, internalError(fmt.Errorf("failed to complete resource template: %w", err))
	}
	return result, nil
}

// callWithParams decodes raw into the method's params and runs call. Errors from call are
// reported as internal errors prefixed with failure.
func callWithParams[P, R any](raw json.RawMessage, failure string, call func(P) (R, error)) (R, error) {
	var params P
	var zero R
	if err := unmarshalParams(raw, &params); err != nil {
		return zero, err
	}

	res, err := call(params)
	if err != nil {
		return zero, internalError(fmt.Errorf("%s: %w", failure, err))
	}
	return res, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	// Params are optional for the list methods.
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	return nil
}

func internalError(err error) JSONRPCError {
	return JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: err.Error(),
	}
}

func (r *inflightRequests) add(id MustString, req inflightRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[id] = req
}

func (r *inflightRequests) remove(id MustString) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.requests, id)
}

func (r *inflightRequests) cancel(id MustString) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req, ok := r.requests[id]; ok {
		req.cancel()
	}
}

// deliver hands a client response to the handler waiting on it. It is dropped when nobody waits.
func (r *inflightRequests) deliver(msg JSONRPCMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[msg.ID]
	if !ok {
		return
	}
	select {
	case req.results <- msg:
	default:
	}
}

func (r *inflightRequests) closeResults() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, req := range r.requests {
		close(req.results)
		delete(r.requests, id)
	}
}
