// Package server exposes the detection pipeline over HTTP and websocket.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"image"
	"net/http"
	"strconv"
	"time"

	"PeopleDetServer/detect"
	iface "PeopleDetServer/interface"
	"PeopleDetServer/logger"
	"PeopleDetServer/monitor"

	"github.com/getsentry/raven-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MsgNoImage      = "No image file provided"
	MsgInvalidImage = "Invalid image format"
	MsgTooLarge     = "File too large"

	RequestIDHeader = "X-Request-ID"
	imageField      = "image"
)

//go:embed static/index.html
var static embed.FS

type Options struct {
	MaxUploadBytes int64
	WSIdleTimeout  time.Duration
	ReleaseMode    bool
	// ReportErrors forwards internal failures to Sentry.
	ReportErrors bool
}

type Server struct {
	proc     *detect.Processor
	mon      *monitor.Monitor
	opts     Options
	upgrader websocket.Upgrader
}

// New builds a server around proc. mon may be nil.
func New(proc *detect.Processor, mon *monitor.Monitor, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	return &Server{
		proc: proc,
		mon:  mon,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Router() *gin.Engine {
	if s.opts.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.MaxMultipartMemory = s.opts.MaxUploadBytes
	r.Use(requestID(), accessLog(), gin.Recovery())

	r.GET("/", s.handleIndex)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.POST("/predict", s.handlePredict)
	r.GET("/ws", s.handleStream)
	if s.mon != nil {
		r.GET("/metrics", gin.WrapH(s.mon.Handler()))
	}
	return r
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("requestID", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log().Info("request",
			zap.String("id", c.GetString("requestID")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func (s *Server) handlePredict(c *gin.Context) {
	if c.Request.ContentLength > s.opts.MaxUploadBytes {
		s.fail(c, monitor.SurfaceHTTP, http.StatusRequestEntityTooLarge, MsgTooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)

	fh, err := c.FormFile(imageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(c, monitor.SurfaceHTTP, http.StatusRequestEntityTooLarge, MsgTooLarge)
			return
		}
		s.fail(c, monitor.SurfaceHTTP, http.StatusBadRequest, MsgNoImage)
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.internal(c, err)
		return
	}
	defer f.Close()

	img, err := detect.Decode(f)
	if err != nil {
		logger.Log().Debug("rejected upload", zap.String("file", fh.Filename), zap.Error(err))
		s.fail(c, monitor.SurfaceHTTP, http.StatusBadRequest, MsgInvalidImage)
		return
	}
	resp, err := s.Detect(c.Request.Context(), img)
	if err != nil {
		s.internal(c, err)
		return
	}
	s.observe(monitor.SurfaceHTTP, http.StatusOK)
	c.JSON(http.StatusOK, resp)
}

// Detect runs one pass and builds the client payload. It is shared by every
// transport.
func (s *Server) Detect(ctx context.Context, img image.Image) (*iface.PredictResponse, error) {
	start := time.Now()
	res, err := s.proc.Process(ctx, img)
	if err != nil {
		return nil, err
	}
	if s.mon != nil {
		s.mon.ObserveResult(res, time.Since(start))
	}
	return detect.BuildResponse(res)
}

func (s *Server) fail(c *gin.Context, surface string, code int, msg string) {
	s.observe(surface, code)
	c.AbortWithStatusJSON(code, detect.ErrorResponse(msg))
}

func (s *Server) internal(c *gin.Context, err error) {
	logger.Log().Error("prediction failed", zap.String("id", c.GetString("requestID")), zap.Error(err))
	s.report(err, map[string]string{"surface": monitor.SurfaceHTTP, "request_id": c.GetString("requestID")})
	s.fail(c, monitor.SurfaceHTTP, http.StatusInternalServerError, err.Error())
}

func (s *Server) report(err error, tags map[string]string) {
	if s.opts.ReportErrors {
		raven.CaptureError(err, tags)
	}
}

func (s *Server) observe(surface string, code int) {
	if s.mon != nil {
		s.mon.ObserveRequest(surface, strconv.Itoa(code))
	}
}
