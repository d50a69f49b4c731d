package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"termbridge/internal/bridge"
	"termbridge/internal/protocol"
	"termbridge/internal/session"
)

const (
	wsReadLimitBytes int64 = 1 << 20 // 1 MiB
	wsWriteTimeout         = 2 * time.Second
	wsMaxReasonBytes       = 120

	defaultConnectTimeout = 20 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
)

// wsTransport is the client side of one terminal session.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) Send(msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, raw)
}

func (t *wsTransport) Close(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		if len(reason) > wsMaxReasonBytes {
			reason = reason[:wsMaxReasonBytes]
		}
		err = t.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (t *wsTransport) fail(err error, reason string) {
	_ = t.Send(protocol.Fatal(err))
	_ = t.Close(reason)
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// handleTerminalWS opens the inventory server named by serverId and bridges
// it to the websocket until either side goes away.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.URL.Query().Get("serverId"))
	cols, rows := queryInt(r, "cols"), queryInt(r, "rows")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimitBytes)
	tr := &wsTransport{conn: conn}
	ctx := r.Context()

	if s.deps.Inventory == nil || s.deps.Dialer == nil {
		tr.fail(errors.New("no inventory configured"), "unavailable")
		return
	}
	target, err := s.deps.Inventory.Target(serverID)
	if err != nil {
		tr.fail(fmt.Errorf("server %q: %w", serverID, err), "server not found")
		return
	}
	openCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	ch, err := s.deps.Dialer.Open(openCtx, target, cols, rows)
	cancel()
	if err != nil {
		s.logger.Warn("open shell failed", "server_id", target.ServerID, "err", err)
		tr.fail(err, "connect failed")
		return
	}

	sess := session.New(uuid.NewString(), session.Origin{
		ServerID:   target.ServerID,
		ServerName: target.Name,
		ServerHost: target.Host,
		OS:         target.OS,
	}, time.Now().UTC())
	b := bridge.New(sess, ch, tr, s.bridgeOptions())
	sess.Bind(b)
	s.deps.Registry.Add(sess)
	logger := s.logger.With("session_id", sess.ID, "server_id", target.ServerID)
	logger.Info("terminal session opened")

	if err := tr.Send(protocol.Session(sess.ID)); err != nil {
		logger.Debug("send session id failed", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readTerminal(ctx, conn, b)
	}()
	go func() {
		defer wg.Done()
		s.heartbeat(ctx, conn, b)
	}()

	if err := b.Run(ctx); err != nil {
		logger.Warn("terminal session failed", "err", err)
	}
	_ = tr.Close("session ended")
	wg.Wait()
	logger.Info("terminal session closed")
}

func (s *Server) readTerminal(ctx context.Context, conn *websocket.Conn, b *bridge.Bridge) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			b.TransportClosed(err)
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			s.logger.Debug("drop malformed client message", "err", err)
			continue
		}
		b.HandleClientMessage(msg)
	}
}

func (s *Server) heartbeat(ctx context.Context, conn *websocket.Conn, b *bridge.Bridge) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				b.TransportClosed(fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}
