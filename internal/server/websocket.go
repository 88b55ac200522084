package server

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentboard/internal/model"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func (r *Runtime) handleBoardStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	entity := model.BoardEntity(strings.TrimSpace(req.URL.Query().Get("entity")))
	switch entity {
	case "", model.BoardEntityTicket, model.BoardEntityRun:
	default:
		writeAPIError(w, http.StatusBadRequest, "invalid_entity", "entity must be ticket or run")
		return
	}
	heartbeatMS := parsePositiveInt(req.URL.Query().Get("heartbeat_ms"), 5000)

	conn, err := upgradeWebSocket(w, req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "websocket_upgrade_failed", err.Error())
		return
	}
	defer conn.Close()

	events, cancel := r.core.SubscribeEvents(entity)
	defer cancel()

	if err := r.streamBoardEvents(conn, events, time.Duration(heartbeatMS)*time.Millisecond); err != nil {
		_ = writeWebSocketJSON(conn, map[string]any{
			"type":    "error",
			"message": err.Error(),
		})
	}
}

// streamBoardEvents forwards broker events as JSON frames, emitting a
// heartbeat with the last-seen cursor during quiet periods so the
// client can detect a dead connection.
func (r *Runtime) streamBoardEvents(conn net.Conn, events <-chan model.BoardEvent, heartbeat time.Duration) error {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	var cursor int64
	for {
		select {
		case event, open := <-events:
			if !open {
				return nil
			}
			cursor = event.Sequence
			if err := writeWebSocketJSON(conn, map[string]any{
				"type":    "board.event",
				"event":   event,
				"cursor":  cursor,
				"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := writeWebSocketJSON(conn, map[string]any{
				"type":    "heartbeat",
				"cursor":  cursor,
				"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return err
			}
		}
	}
}

func upgradeWebSocket(w http.ResponseWriter, req *http.Request) (net.Conn, error) {
	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") {
		return nil, fmt.Errorf("connection header must include Upgrade")
	}
	if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket") {
		return nil, fmt.Errorf("upgrade header must be websocket")
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")) != "13" {
		return nil, fmt.Errorf("sec-websocket-version must be 13")
	}
	websocketKey := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if websocketKey == "" {
		return nil, fmt.Errorf("sec-websocket-key is required")
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}

	accept := websocketAcceptKey(websocketKey)
	response := strings.Builder{}
	response.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	response.WriteString("Upgrade: websocket\r\n")
	response.WriteString("Connection: Upgrade\r\n")
	response.WriteString("Sec-WebSocket-Accept: ")
	response.WriteString(accept)
	response.WriteString("\r\n")
	response.WriteString("\r\n")
	if _, err := rw.WriteString(response.String()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func websocketAcceptKey(key string) string {
	hash := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

func writeWebSocketJSON(conn net.Conn, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeWebSocketFrame(conn, 0x1, body)
}

func writeWebSocketFrame(conn net.Conn, opcode byte, payload []byte) error {
	header := make([]byte, 0, 10)
	header = append(header, 0x80|opcode)
	size := len(payload)
	switch {
	case size <= 125:
		header = append(header, byte(size))
	case size <= 65535:
		header = append(header, 126)
		header = append(header, byte(size>>8), byte(size))
	default:
		header = append(header, 127)
		extended := make([]byte, 8)
		binary.BigEndian.PutUint64(extended, uint64(size))
		header = append(header, extended...)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return err
	}
	return nil
}

func headerContainsToken(header string, token string) bool {
	parts := strings.Split(header, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), strings.TrimSpace(token)) {
			return true
		}
	}
	return false
}

func parsePositiveInt(raw string, fallback int) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
