package devserver

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
)

// maxBodySize matches the largest WebSocket frame the gateway accepts.
const maxBodySize = maxFrameSize

// ProxyHandler is the REST handler as deployed behind API Gateway.
type ProxyHandler interface {
	Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
}

// NewRouter serves GET /ws through the gateway and every other request
// through rest, translated to and from API Gateway proxy events.
func NewRouter(rest ProxyHandler, gw *Gateway, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/ws", func(c *gin.Context) {
		gw.ServeWS(c.Writer, c.Request)
	})
	r.NoRoute(proxy(rest, logger))
	return r
}

func proxy(rest ProxyHandler, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		req, err := proxyRequest(c.Request)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "INVALID_REQUEST", "reason": "body_too_large"})
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_REQUEST", "reason": "invalid_body"})
			return
		}
		resp, err := rest.Handle(c.Request.Context(), req)
		if err != nil {
			logger.Error("rest handler failed", slog.Any("err", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR"})
			return
		}
		writeProxyResponse(c, resp)
	}
}

func proxyRequest(r *http.Request) (events.APIGatewayProxyRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return events.APIGatewayProxyRequest{}, err
	}
	req := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               make(map[string]string, len(r.Header)),
		MultiValueHeaders:     make(map[string][]string, len(r.Header)),
		QueryStringParameters: make(map[string]string),
		RequestContext:        events.APIGatewayProxyRequestContext{Stage: "$default", HTTPMethod: r.Method, Path: r.URL.Path},
	}
	for k, vs := range r.Header {
		req.Headers[k] = vs[0]
		req.MultiValueHeaders[k] = vs
	}
	for k, vs := range r.URL.Query() {
		req.QueryStringParameters[k] = vs[0]
	}
	if utf8.Valid(body) {
		req.Body = string(body)
	} else {
		req.Body = base64.StdEncoding.EncodeToString(body)
		req.IsBase64Encoded = true
	}
	return req, nil
}

func writeProxyResponse(c *gin.Context, resp events.APIGatewayProxyResponse) {
	for k, v := range resp.Headers {
		c.Header(k, v)
	}
	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err == nil {
			body = decoded
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	c.Data(status, resp.Headers["Content-Type"], body)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
