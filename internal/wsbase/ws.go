package wsbase

import (
	"net/http"

	"nhooyr.io/websocket"
)

// AcceptWebSocket upgrades the request. Same-host origins are always
// allowed; originPatterns adds cross-origin hosts (filepath.Match syntax).
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, originPatterns []string) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
}
