package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"blobgate/pkg/httpx"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Handler serves the hub over a websocket. Client messages are read and
// discarded so close frames are noticed.
type Handler struct {
	Hub            *Hub
	OriginPatterns []string
	Buffer         int
	WriteTimeout   time.Duration
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(h.OriginPatterns) > 0 {
		opts.OriginPatterns = h.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	writeTimeout := h.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	buffer := h.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	sub := h.Hub.Subscribe(buffer)
	defer h.Hub.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, NewEvent(TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// OriginPatterns splits a comma-separated WS_ALLOWED_ORIGINS value.
func OriginPatterns(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
