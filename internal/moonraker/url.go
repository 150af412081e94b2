package moonraker

import "strings"

// WebSocketURL maps a controller base URL to its websocket endpoint.
func WebSocketURL(base string) string {
	u := base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/websocket") {
		u = strings.TrimRight(u, "/") + "/websocket"
	}
	return u
}
