package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// StreamHandler pushes the live snapshot over a websocket every interval
// until the client disconnects.
func (r *Reporter) StreamHandler(interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			log.Printf("[metrics] Failed to accept websocket: %v", err)
			return
		}
		defer conn.CloseNow()

		// the stream is push-only; CloseRead handles control frames
		ctx := conn.CloseRead(req.Context())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, r.agg.Snapshot())
			cancel()
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-ticker.C:
			}
		}
	}
}
