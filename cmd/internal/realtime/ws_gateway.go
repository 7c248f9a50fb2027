package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// Authenticator resolves a bearer token to a user id.
// It is called on the handshake and again for every inbound action.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, now time.Time) (string, error)
}

// WSGateway is the WebSocket entrypoint of the relay.
//
// It enforces origin policy, handshake authentication, subprotocol selection,
// rate limits and heartbeats, re-authenticates every action and dispatches
// validated envelopes to the Relay.
type WSGateway struct {
	log   *slog.Logger
	relay *Relay
	auth  Authenticator
	cfg   GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. A nil relay falls back to an in-memory one for dev.
func NewWSGateway(log *slog.Logger, relay *Relay, auth Authenticator, cfg GatewayConfig) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if relay == nil {
		relay = NewRelay(log, NewInMemoryStore())
	}

	cfg = cfg.normalized()
	return &WSGateway{
		log:            log,
		relay:          relay,
		auth:           auth,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades it and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token := handshakeToken(r)
	userID, err := g.authenticate(r.Context(), token, time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(userID, token, g.cfg.SendQueueSize)
	log := g.log.With("conn_id", client.ID, "user_id", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Token checks, store calls and delivery are not cancelled once issued: a
	// disconnect mid-action lets the action finish, and late delivery to an
	// unregistered handle is a no-op.
	actionCtx := context.WithoutCancel(ctx)

	// busy is set while an action runs. Pongs are only read by conn.Read, so pings
	// time out during a slow action and must not count against the peer.
	var busy atomic.Bool

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Presence removal happens before client.Close so routing stops first.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.relay.Disconnect(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					if busy.Load() {
						log.Debug("ws.ping.skip", "reason", "action in flight", "err", err)
						continue
					}
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	log.Info("ws.connect")
	busy.Store(true)
	g.relay.Connect(actionCtx, client)
	busy.Store(false)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				if !rl.Allow(time.Now().UTC()) {
					g.closeRateLimited(ctx, conn, shutdown)
					break readLoop
				}
				g.relay.SendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			log.Info("ws.rate_limited")
			g.closeRateLimited(ctx, conn, shutdown)
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.relay.SendError(client, "bad_envelope", err.Error())
			continue readLoop
		}
		if !v1.IsInbound(env.Type) {
			g.relay.SendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
			continue readLoop
		}

		busy.Store(true)
		g.runAction(actionCtx, log, client, env, now)
		busy.Store(false)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.disconnect")
}

// runAction re-authorizes env and dispatches it, reporting failures to the sender.
func (g *WSGateway) runAction(ctx context.Context, log *slog.Logger, client *Client, env v1.Envelope, now time.Time) {
	actingUser, err := g.authorizeAction(ctx, client, env, now)
	if err != nil {
		log.Info("ws.action.unauthorized", "type", env.Type, "err", err)
		g.relay.SendError(client, "unauthorized", "Unauthorized")
		return
	}

	g.relay.metrics.event(env.Type)
	if err := g.dispatch(ctx, client, actingUser, env); err != nil {
		code, msg := actionError(env.Type, err)
		if !errors.Is(err, ErrInvalidPayload) {
			log.Warn("ws.action.fail", "type", env.Type, "err", err)
		}
		g.relay.SendError(client, code, msg)
	}
}

// closeRateLimited writes the error frame directly, since the writer goroutine stops on
// shutdown and may never drain the queue, then closes with policy violation.
func (g *WSGateway) closeRateLimited(ctx context.Context, conn *websocket.Conn, shutdown func(websocket.StatusCode, string)) {
	g.relay.metrics.errorSent("rate_limited")
	if env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: "rate_limited", Message: "too many events"}, time.Now().UTC()); err == nil {
		_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
	}
	shutdown(websocket.StatusPolicyViolation, "rate limited")
}

// ---- auth ----

func (g *WSGateway) authenticate(ctx context.Context, token string, now time.Time) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenBytes {
		return "", ErrUnauthenticated
	}
	uid, err := g.auth.Authenticate(ctx, token, now)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if uid == "" {
		return "", ErrUnauthenticated
	}
	return uid, nil
}

// authorizeAction re-verifies the action's token. The envelope token wins over the
// handshake token, and either way it must belong to the connection's user.
func (g *WSGateway) authorizeAction(ctx context.Context, client *Client, env v1.Envelope, now time.Time) (string, error) {
	token := env.Token
	if strings.TrimSpace(token) == "" {
		token = client.Token
	}
	uid, err := g.authenticate(ctx, token, now)
	if err != nil {
		return "", err
	}
	if uid != client.UserID {
		return "", fmt.Errorf("%w: token user does not own this connection", ErrUnauthenticated)
	}
	return uid, nil
}

func handshakeToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ---- dispatch ----

func (g *WSGateway) dispatch(ctx context.Context, client *Client, userID string, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeSendMessage:
		var p v1.SendMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return g.relay.SendMessage(ctx, client, userID, p)

	case v1.TypeGetMessages:
		var p v1.GetMessagesPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return g.relay.History(ctx, client, userID, p)

	case v1.TypeMarkMessagesRead:
		var p v1.MarkMessagesReadPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return g.relay.MarkRead(ctx, client, userID, p)

	case v1.TypeSetActiveChat:
		var p v1.SetActiveChatPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return err
		}
		return g.relay.SetActiveChat(ctx, client, userID, p)

	case v1.TypeGetUnreadCounts:
		return g.relay.SendUnreadCounts(ctx, client, userID)
	}
	return fmt.Errorf("%w: unsupported type %q", ErrInvalidPayload, env.Type)
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// actionError maps a handler failure to the code and client-safe message sent back.
func actionError(typ string, err error) (string, string) {
	if errors.Is(err, ErrInvalidPayload) {
		return "invalid_payload", invalidPayloadMessage(err)
	}

	switch typ {
	case v1.TypeSendMessage:
		return "send_failed", "Failed to send message"
	case v1.TypeGetMessages:
		return "history_failed", "Failed to fetch messages"
	case v1.TypeMarkMessagesRead:
		return "mark_read_failed", "Failed to mark messages as read"
	case v1.TypeSetActiveChat:
		return "set_active_chat_failed", "Failed to set active chat"
	case v1.TypeGetUnreadCounts:
		return "unread_counts_failed", "Failed to fetch unread counts"
	}
	return "internal", "Internal error"
}

// invalidPayloadMessage strips the sentinel prefix; the rest describes the client's own input.
func invalidPayloadMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), ErrInvalidPayload.Error()+": ")
	if msg == "" || msg == err.Error() {
		return "Invalid payload"
	}
	return msg
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns so the
// two origin layers agree. Accept matches against host:port, so every host also gets a
// port wildcard. A "*" entry authorizes any host.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
