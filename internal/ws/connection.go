package ws

import (
	"context"
	"errors"
	"sync"

	"clubhouse/internal/models"
)

const outboundBuffer = 256

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type eventGateway interface {
	HandleEvent(c *Connection, ev models.ClientEvent)
	Disconnect(c *Connection)
}

// Connection owns one authenticated websocket for its lifetime: a read pump
// feeding client events to the gateway and a write loop draining the
// outbound buffer. It is the models.EventSink the registry, router and
// pipeline fan out to.
type Connection struct {
	ws         wsConnection
	gw         eventGateway
	user       models.User
	fromClient chan models.ClientEvent
	out        chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(gw eventGateway, ws wsConnection, user models.User) *Connection {
	return &Connection{
		ws:         ws,
		gw:         gw,
		user:       user,
		fromClient: make(chan models.ClientEvent),
		out:        make(chan models.ServerEvent, outboundBuffer),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) UserID() string {
	return c.user.ID
}

func (c *Connection) User() models.User {
	return c.user
}

// Close drops the underlying socket. The pumps observe the read error and
// unwind through Handle, which unsubscribes the connection everywhere.
// Called by the registry when a newer connection from the same user takes
// over.
func (c *Connection) Close() {
	_ = c.ws.Close()
}

// Send queues an event for delivery without blocking. A full buffer means
// the client is too slow to keep up; the event is dropped and the client
// repairs itself by resyncing on reconnect.
func (c *Connection) Send(ev models.ServerEvent) bool {
	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.errorCh)
		c.gw.Disconnect(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.gw.HandleEvent(c, ev)
		case ev := <-c.out:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
