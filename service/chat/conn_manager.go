package chat

import (
	"strconv"
	"time"

	"Meower/service/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	closeNormal          = websocket.CloseNormalClosure
	closeGoingAway       = websocket.CloseGoingAway
	closePolicyViolation = websocket.ClosePolicyViolation
	closeTooBig          = websocket.CloseMessageTooBig
	closeInternal        = websocket.CloseInternalServerErr
	closeSessionRevoked  = 3000
)

// writePump 每连接唯一写协程：业务帧、心跳、收尾
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.finish()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close(CloseReason{})
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Close(CloseReason{})
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues(strconv.Itoa(c.Proto)).Inc()
	return nil
}

// finish 按 CloseReason 收尾：可选冲刷队列 -> 最终 statuscode -> close 帧 -> 关闭连接
func (c *Client) finish() {
	defer close(c.stopped)
	r := c.closeReason()
	ok := true
	if r.Flush {
	drain:
		for {
			select {
			case data := <-c.send:
				if err := c.write(data); err != nil {
					ok = false
					break drain
				}
			default:
				break drain
			}
		}
	}
	if ok && r.Status != "" {
		if data, encoded := c.codecs.Packet("statuscode", Statuscode(r.Status), "").Bytes(c.Proto); encoded {
			ok = c.write(data) == nil
		}
	}
	if ok && r.Code != 0 {
		msg := websocket.FormatCloseMessage(r.Code, r.Text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	}
	_ = c.conn.Close()
	c.log.Debug("socket closed", zap.String("status", r.Status), zap.Int("code", r.Code), zap.String("text", r.Text))
}

// readPump 只读；每帧交给 onFrame，出错即关闭
func (c *Client) readPump(maxFrame int64, onFrame func([]byte)) {
	pongWait := 2 * c.pingInterval
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeOnReadError(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		onFrame(data)
		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Client) closeOnReadError(err error) {
	switch {
	case err == websocket.ErrReadLimit:
		c.log.Info("frame too large")
		c.Close(CloseReason{Status: CodeTooLarge, Code: closeTooBig, Text: "frame too large"})
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("peer closed", zap.Error(err))
		c.Close(CloseReason{Code: closeNormal})
	default:
		c.log.Debug("read error", zap.Error(err))
		c.Close(CloseReason{})
	}
}
