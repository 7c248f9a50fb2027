// Package main provides a CI-friendly WebSocket smoke test for the dmrelay gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - send_message -> message_sent for the sender
//   - receive_message + unread_counts for an online receiver
//   - mark_messages_read receipts on both sides
//   - get_messages history and get_unread_counts after the read
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"dmrelay/cmd/internal/auth/session"
	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-a", "User ID of the sending client")
		userB   = flag.String("user-b", "smoke-b", "User ID of the receiving client")
		tokenA  = flag.String("token-a", os.Getenv("RELAY_SMOKE_TOKEN_A"), "Access token for user A (minted locally when empty)")
		tokenB  = flag.String("token-b", os.Getenv("RELAY_SMOKE_TOKEN_B"), "Access token for user B (minted locally when empty)")
		text    = flag.String("text", "hello dmrelay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ")
	}

	if *tokenA == "" || *tokenB == "" {
		*tokenA, *tokenB = mintTokens(*userA, *userB, *tokenA, *tokenB)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	msgID := mustSendAndAssertSent(root, a, b.userID, *text, *timeout)
	mustAssertReceived(root, b, msgID, a.userID, *text, *timeout)

	counts := b.mustReadUnreadCounts(root, *timeout)
	if counts[a.userID] < 1 {
		fatalf("unread_counts after delivery missing sender (%s): %v", b.name, counts)
	}

	mustMarkRead(root, a, b, *timeout)
	mustHistoryContains(root, b, a.userID, msgID, *text, *timeout)

	mustWriteWithTimeout(root, b.conn, action(v1.TypeGetUnreadCounts, struct{}{}), *timeout)
	counts = b.mustReadUnreadCounts(root, *timeout)
	if n, ok := counts[a.userID]; ok {
		fatalf("sender still unread after mark_messages_read (%s): %d", b.name, n)
	}

	fmt.Printf("OK: A=%s B=%s message_id=%s\n", a.userID, b.userID, msgID)
}

// mintTokens issues dev tokens from the RELAY_* auth config. Paseto minting needs
// RELAY_PASETO_V4_SECRET_KEY_HEX; a public-key-only config fails with ErrNoSigningKey.
func mintTokens(userA, userB, tokenA, tokenB string) (string, string) {
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		fatalf("no -token-a/-token-b and no usable RELAY_* auth config: %v", err)
	}
	tokens, err := session.NewAccessTokenManager(cfg)
	if err != nil {
		fatalf("token manager: %v", err)
	}
	svc := session.NewService(cfg, nil, tokens)

	now := time.Now().UTC()
	if tokenA == "" {
		if tokenA, _, err = svc.IssueAccessToken(userA, "", now); err != nil {
			fatalf("issue token A: %v", err)
		}
	}
	if tokenB == "" {
		if tokenB, _, err = svc.IssueAccessToken(userB, "", now); err != nil {
			fatalf("issue token B: %v", err)
		}
	}
	return tokenA, tokenB
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: status=%d: %v", name, resp.StatusCode, err)
		}
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	// Every connection starts with an unread snapshot.
	_ = c.mustReadUnreadCounts(parent, stepTimeout)
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSendAndAssertSent(parent context.Context, c *smokeClient, receiverID, text string, stepTimeout time.Duration) string {
	mustWriteWithTimeout(parent, c.conn, action(v1.TypeSendMessage, v1.SendMessagePayload{
		ReceiverID: receiverID,
		Content:    text,
	}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout)

	var p v1.MessagePayload
	mustDecode(env, &p, c.name)
	if strings.TrimSpace(p.ID) == "" {
		fatalf("message_sent missing id (%s)", c.name)
	}
	if p.SenderID != c.userID || p.ReceiverID != receiverID || p.Content != text {
		fatalf("message_sent mismatch (%s): %+v", c.name, p)
	}
	if p.IsRead || p.IsNewMessage {
		fatalf("message_sent flags (%s): isRead=%v isNewMessage=%v", c.name, p.IsRead, p.IsNewMessage)
	}
	return p.ID
}

func mustAssertReceived(parent context.Context, c *smokeClient, msgID, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout)

	var p v1.MessagePayload
	mustDecode(env, &p, c.name)
	if p.ID != msgID || p.SenderID != senderID || p.ReceiverID != c.userID || p.Content != text {
		fatalf("receive_message mismatch (%s): %+v", c.name, p)
	}
	if !p.IsNewMessage {
		fatalf("receive_message missing isNewMessage (%s)", c.name)
	}
	if p.CreatedAt.IsZero() {
		fatalf("receive_message createdAt missing/zero (%s)", c.name)
	}
}

// mustMarkRead has reader mark everything from sender read and checks both receipts.
func mustMarkRead(parent context.Context, sender, reader *smokeClient, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, reader.conn, action(v1.TypeMarkMessagesRead, v1.MarkMessagesReadPayload{
		SenderID: sender.userID,
	}), stepTimeout)

	for _, c := range []*smokeClient{reader, sender} {
		env := c.mustReadUntilType(parent, v1.TypeMessagesMarkedRead, stepTimeout)

		var p v1.MessagesMarkedReadPayload
		mustDecode(env, &p, c.name)
		if p.SenderID != sender.userID || p.ReceiverID != reader.userID {
			fatalf("messages_marked_read mismatch (%s): %+v", c.name, p)
		}
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, otherUserID, msgID, text string, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, action(v1.TypeGetMessages, v1.GetMessagesPayload{
		OtherUserID: otherUserID,
	}), stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMessagesHistory, stepTimeout)

	var p v1.MessagesHistoryPayload
	mustDecode(env, &p, c.name)
	for _, m := range p {
		if m.ID == msgID {
			if m.Content != text || !m.IsRead {
				fatalf("history entry mismatch (%s): %+v", c.name, m)
			}
			return
		}
	}
	fatalf("messages_history missing %s (%s)", msgID, c.name)
}

func (c *smokeClient) mustReadUnreadCounts(parent context.Context, stepTimeout time.Duration) v1.UnreadCountsPayload {
	env := c.mustReadUntilType(parent, v1.TypeUnreadCounts, stepTimeout)

	var p v1.UnreadCountsPayload
	mustDecode(env, &p, c.name)
	return p
}

// mustReadUntilType skips unrelated pushes (unread snapshots, receipts) but fails on error frames.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func action(typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustDecode(env v1.Envelope, dst any, name string) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		fatalf("unmarshal %s payload (%s): %v", env.Type, name, err)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
