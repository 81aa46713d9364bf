package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"net"
	"strings"
	"time"

	"PeopleDetServer/detect"
	"PeopleDetServer/logger"
	"PeopleDetServer/monitor"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Base64ToImage decodes a base64 frame, with or without a data URL prefix.
func Base64ToImage(b64 string) (image.Image, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", detect.ErrInvalidImage, err)
	}
	return detect.DecodeBytes(data)
}

// handleStream answers every frame on the socket with one detection payload.
// Text frames carry base64 images, binary frames raw encoded bytes.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	// base64 inflates payloads by a third
	conn.SetReadLimit(s.opts.MaxUploadBytes * 4 / 3)

	id := c.GetString("requestID")
	ctx := c.Request.Context()
	for {
		if s.opts.WSIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.WSIdleTimeout))
		}
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"),
					time.Now().Add(time.Second))
			}
			logger.Log().Debug("stream closed", zap.String("id", id), zap.Error(err))
			return
		}

		var img image.Image
		switch mt {
		case websocket.TextMessage:
			img, err = Base64ToImage(string(msg))
		case websocket.BinaryMessage:
			img, err = detect.DecodeBytes(msg)
		default:
			err = fmt.Errorf("unsupported message type %d", mt)
		}
		if err != nil {
			s.observe(monitor.SurfaceWS, 400)
			if werr := conn.WriteJSON(detect.ErrorResponse(MsgInvalidImage)); werr != nil {
				return
			}
			continue
		}

		resp, err := s.Detect(ctx, img)
		if err != nil {
			logger.Log().Error("stream prediction failed", zap.String("id", id), zap.Error(err))
			s.report(err, map[string]string{"surface": monitor.SurfaceWS, "request_id": id})
			s.observe(monitor.SurfaceWS, 500)
			if werr := conn.WriteJSON(detect.ErrorResponse(err.Error())); werr != nil {
				return
			}
			continue
		}
		s.observe(monitor.SurfaceWS, 200)
		if err := conn.WriteJSON(resp); err != nil {
			logger.Log().Debug("stream write failed", zap.String("id", id), zap.Error(err))
			return
		}
	}
}
