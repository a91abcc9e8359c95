package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chat-relay/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 50 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// ErrBackpressure is returned by Push when a client's send buffer is full. The
// fanout engine treats it as a transient failure.
var ErrBackpressure = errors.New("devserver: client send buffer full")

// RouteHandler is the WebSocket route handler the gateway forwards
// $connect, $disconnect and $default events to.
type RouteHandler interface {
	Handle(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error)
}

type client struct {
	id   string
	send chan []byte

	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Gateway plays the part of API Gateway for local development: it upgrades
// HTTP requests to WebSockets, raises route events and delivers pushed frames.
type Gateway struct {
	routes   RouteHandler
	logger   *slog.Logger
	upgrader websocket.Upgrader
	domain   string

	mu      sync.RWMutex
	clients map[string]*client

	newID func() string
}

func NewGateway(routes RouteHandler, logger *slog.Logger, domainName string) (*Gateway, error) {
	if routes == nil {
		return nil, errors.New("devserver: route handler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		routes: routes,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		domain:  domainName,
		clients: make(map[string]*client),
		newID:   uuid.NewString,
	}, nil
}

// Push queues payload for the connection. Unknown connections report
// domain.ErrConnectionGone.
func (g *Gateway) Push(ctx context.Context, connectionID string, payload []byte) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, ok := g.clients[connectionID]
	if !ok {
		return fmt.Errorf("devserver: push %s: %w", connectionID, domain.ErrConnectionGone)
	}
	select {
	case c.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeWS handles a WebSocket handshake. The connection is registered with
// the gateway before $connect runs so frames fanned out in between are not
// lost; a refused $connect answers the handshake with the handler's status.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	c := &client{id: g.newID(), send: make(chan []byte, sendBufferSize)}
	g.add(c)

	resp, err := g.routes.Handle(r.Context(), g.event("$connect", c.id, r, ""))
	if err != nil || resp.StatusCode != http.StatusOK {
		g.remove(c)
		status := resp.StatusCode
		if err != nil || status == 0 {
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Body))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("connection_id", c.id), slog.Any("err", err))
		g.disconnect(c)
		return
	}
	g.logger.Info("websocket connected", slog.String("connection_id", c.id))

	go g.writePump(c, conn)
	g.readPump(c, conn)
}

func (g *Gateway) event(route, connectionID string, r *http.Request, body string) events.APIGatewayWebsocketProxyRequest {
	req := events.APIGatewayWebsocketProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:     route,
			ConnectionID: connectionID,
			DomainName:   g.domain,
			Stage:        "local",
		},
	}
	if r != nil {
		q := r.URL.Query()
		req.QueryStringParameters = make(map[string]string, len(q))
		for k := range q {
			req.QueryStringParameters[k] = q.Get(k)
		}
	}
	return req
}

func (g *Gateway) readPump(c *client, conn *websocket.Conn) {
	defer func() {
		g.disconnect(c)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Warn("websocket read failed", slog.String("connection_id", c.id), slog.Any("err", err))
			}
			return
		}
		resp, err := g.routes.Handle(context.Background(), g.event("$default", c.id, nil, string(frame)))
		if err != nil {
			g.logger.Error("$default route failed", slog.String("connection_id", c.id), slog.Any("err", err))
			continue
		}
		if resp.Body != "" {
			_ = g.Push(context.Background(), c.id, []byte(resp.Body))
		}
	}
}

// frameWriter is the write half of a WebSocket connection.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// writePump drains the client's send buffer. A failed write unregisters the
// client so later pushes report the connection gone, and closes the
// connection so the read pump raises $disconnect.
func (g *Gateway) writePump(c *client, conn frameWriter) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.logger.Warn("websocket write failed", slog.String("connection_id", c.id), slog.Any("err", err))
				g.remove(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.remove(c)
				return
			}
		}
	}
}

func (g *Gateway) disconnect(c *client) {
	g.remove(c)
	if _, err := g.routes.Handle(context.Background(), g.event("$disconnect", c.id, nil, "")); err != nil {
		g.logger.Error("$disconnect route failed", slog.String("connection_id", c.id), slog.Any("err", err))
	}
	g.logger.Info("websocket disconnected", slog.String("connection_id", c.id))
}

func (g *Gateway) add(c *client) {
	g.mu.Lock()
	g.clients[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) remove(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	g.mu.Unlock()
	c.close()
}
