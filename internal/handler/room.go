package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/live-tours/internal/model"
	"github.com/iliyamo/live-tours/internal/realtime"
	"github.com/iliyamo/live-tours/internal/repository"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 16 << 10
	defaultPageLen = 50
)

// RoomHandler bridges websocket clients to the room coordinator and
// serves the HTTP views of a room.
type RoomHandler struct {
	Rooms    *realtime.Coordinator
	Bookings realtime.BookingStore
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewRoomHandler constructs a RoomHandler.  rooms and bookings must be
// non-nil.
func NewRoomHandler(rooms *realtime.Coordinator, bookings realtime.BookingStore, log *slog.Logger) *RoomHandler {
	if rooms == nil || bookings == nil {
		panic("nil dependency passed to NewRoomHandler")
	}
	if log == nil {
		log = slog.Default()
	}
	return &RoomHandler{
		Rooms:    rooms,
		Bookings: bookings,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Stream handles GET /v1/rooms/ws.  After the upgrade every text frame is
// one room event; the client joins rooms with join-room.
func (h *RoomHandler) Stream(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.log.Debug("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	conn := h.Rooms.NewConn(ident)
	log := h.log.With(slog.String("conn", conn.ID()), slog.String("user_id", ident.UserID))
	log.Debug("room stream opened")

	written := make(chan struct{})
	go func() {
		defer close(written)
		writePump(ws, conn)
	}()

	ctx := context.WithoutCancel(c.Request().Context())
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("room stream read failed", slog.Any("error", err))
			}
			break
		}
		h.Rooms.Handle(ctx, conn, raw)
	}

	h.Rooms.Disconnect(conn)
	<-written
	_ = ws.Close()
	log.Debug("room stream closed")
	return nil
}

// writePump is the only writer of ws.  It drains the connection's queue,
// pings on idle and sends a close frame once the connection is done.
func writePump(ws *websocket.Conn, conn *realtime.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-conn.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Participants handles GET /v1/bookings/:id/participants.
func (h *RoomHandler) Participants(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	if err := h.visible(c.Request().Context(), ident, id); err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, h.Rooms.Roster(id))
}

// Messages handles GET /v1/bookings/:id/messages?limit=&before=&before_id=.
// It pages backwards from the (before, before_id) cursor, where before is
// RFC 3339 and before_id the id of the oldest message already seen, and
// returns the page oldest first.
func (h *RoomHandler) Messages(c echo.Context) error {
	ident, ok := currentIdentity(c)
	if !ok {
		return nil
	}
	id := c.Param("id")
	limit, err := parseIntParam(c, "limit", defaultPageLen)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_request"})
	}
	before, err := parseTimeParam(c, "before")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error(), "code": "invalid_request"})
	}
	var cursor *repository.ChatCursor
	if !before.IsZero() {
		cursor = &repository.ChatCursor{At: before, ID: c.QueryParam("before_id")}
	}

	ctx := c.Request().Context()
	if err := h.visible(ctx, ident, id); err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	msgs, err := h.Rooms.History(ctx, id, limit, cursor)
	if err != nil {
		return writeError(c, err, http.StatusConflict)
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

// visible allows the booking's viewer, its guide and admins to read a
// room.  While the session is live the room is open to everyone, as it is
// over the stream.
func (h *RoomHandler) visible(ctx context.Context, ident model.Identity, bookingID string) error {
	b, err := h.Bookings.FindBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status == model.BookingLive || ident.Role == model.RoleAdmin ||
		ident.UserID == b.UserID || ident.IsGuideOf(b.GuideID) {
		return nil
	}
	return repository.ErrForbidden
}
