package websocket

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/skobelin/duelbroker/backend/model"
	"github.com/skobelin/duelbroker/backend/registry"
	"github.com/skobelin/duelbroker/backend/service"
	sw "github.com/skobelin/duelbroker/backend/switch"
)

const testReadDeadline = 3 * time.Second

func newTestServer(t *testing.T, authCfg AuthConfig) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		Registry: registry.New(),
		Switch:   sw.NewSwitch(&logger),
		Logger:   &logger,
	})
	srv := NewServer(Config{
		Logger: &logger,
		Broker: svc,
		Auth:   authCfg,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, payload string) {
	t.Helper()
	msg := model.Message{Type: typ}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}
	if err := conn.WriteJSON(&msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil skips unrelated broadcasts until a message of the wanted type
// arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) model.Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(testReadDeadline)); err != nil {
		t.Fatal(err)
	}
	for {
		var msg model.Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func TestSignalingSession(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnon: true})

	host := dial(t, ts, "")
	send(t, host, model.TypeCreateRoom, "")
	var created model.RoomReply
	if err := json.Unmarshal(readUntil(t, host, model.TypeRoomCreated).Payload, &created); err != nil {
		t.Fatal(err)
	}
	if !created.OK || created.RoomID == "" || created.Role != registry.RoleHost {
		t.Fatalf("unexpected create reply: %+v", created)
	}

	guest := dial(t, ts, "")
	send(t, guest, model.TypeJoinRoom, `{"roomId":"`+created.RoomID+`"}`)
	var joined model.RoomReply
	if err := json.Unmarshal(readUntil(t, guest, model.TypeRoomJoined).Payload, &joined); err != nil {
		t.Fatal(err)
	}
	if !joined.OK || joined.Role != registry.RoleGuest {
		t.Fatalf("unexpected join reply: %+v", joined)
	}
	readUntil(t, host, model.TypePeerJoined)

	send(t, guest, model.TypeSignal, `{"data":{"kind":"hit","targetId":"t9"}}`)
	var env model.SignalEnvelope
	if err := json.Unmarshal(readUntil(t, host, model.TypeSignal).Payload, &env); err != nil {
		t.Fatal(err)
	}
	if string(env.Data) != `{"kind":"hit","targetId":"t9"}` {
		t.Fatalf("unexpected relayed data: %s", env.Data)
	}
	var update model.RoomView
	if err := json.Unmarshal(readUntil(t, host, model.TypeRoomUpdate).Payload, &update); err != nil {
		t.Fatal(err)
	}
	if len(update.Removed) != 1 || update.Removed[0] != "t9" {
		t.Fatalf("expected ledger update, got %v", update.Removed)
	}

	// guest disconnect vacates the slot
	_ = guest.Close()
	readUntil(t, host, model.TypePeerLeft)
}

func TestJoinUnknownRoom(t *testing.T) {
	ts := newTestServer(t, AuthConfig{AllowAnon: true})

	conn := dial(t, ts, "")
	send(t, conn, model.TypeJoinRoom, `{"roomId":"nope"}`)
	var reply model.RoomReply
	if err := json.Unmarshal(readUntil(t, conn, model.TypeRoomError).Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Code != model.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", reply)
	}
}

func TestHandshakeAuth(t *testing.T) {
	const secret = "bot:secret"
	ts := newTestServer(t, AuthConfig{Secret: secret})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %+v", resp)
	}

	assertion := signAssertion(secret, url.Values{
		"user":      []string{`{"id":42,"first_name":"Ann"}`},
		"auth_date": []string{fmt.Sprintf("%d", time.Now().Unix())},
	})
	conn := dial(t, ts, "?assertion="+url.QueryEscape(assertion))
	send(t, conn, model.TypeCreateRoom, "")
	var created model.RoomReply
	if err = json.Unmarshal(readUntil(t, conn, model.TypeRoomCreated).Payload, &created); err != nil {
		t.Fatal(err)
	}
	if created.Host == nil || created.Host.DisplayName != "Ann" {
		t.Fatalf("expected verified profile, got %+v", created.Host)
	}
}

func signAssertion(secret string, fields url.Values) string {
	pairs := make([]string, 0, len(fields))
	for key, vals := range fields {
		for _, v := range vals {
			pairs = append(pairs, key+"="+v)
		}
	}
	sort.Strings(pairs)

	kdf := hmac.New(sha256.New, []byte("WebAppData"))
	kdf.Write([]byte(secret))
	mac := hmac.New(sha256.New, kdf.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))

	fields.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return fields.Encode()
}
