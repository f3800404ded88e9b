package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"photo-colorizer/internal/core"
	"photo-colorizer/internal/grading"
	"photo-colorizer/internal/scratch"
	"photo-colorizer/internal/service"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 1 << 20

type dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type colorizeResponse struct {
	Success        bool       `json:"success"`
	RequestID      string     `json:"request_id"`
	Image          string     `json:"image"`
	ContentType    string     `json:"content_type"`
	Dimensions     dimensions `json:"dimensions"`
	ProcessingTime float64    `json:"processing_time"`
	Quality        any        `json:"quality,omitempty"`
}

func (s *Server) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Photo Colorizer API",
		"version": Version,
		"endpoints": []string{
			"GET /health", "GET /models", "GET /parameters", "POST /colorize", "GET /metrics",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.manager.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": st.Ready,
		"state":        st.State,
		"error":        st.Error,
		"backend":      s.svc.Backend().Name(),
		"version":      Version,
	})
}

func (s *Server) handleModels(c *gin.Context) {
	st := s.manager.Status()
	if !st.Ready || st.Model == nil {
		failure(c, http.StatusServiceUnavailable, fmt.Errorf("%w: model is %s", service.ErrModelUnavailable, st.State))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"models": []any{st.Model},
		"status": st,
	})
}

func (s *Server) handleParameters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"parameters": grading.Catalogue(),
		"defaults":   grading.Default(),
	})
}

func (s *Server) handleColorize(c *gin.Context) {
	if s.telemetry != nil {
		s.telemetry.InFlight.Inc()
		defer s.telemetry.InFlight.Dec()
	}

	if !s.svc.Backend().Ready() {
		failure(c, http.StatusServiceUnavailable, fmt.Errorf("%w: model is %s", service.ErrModelUnavailable, s.manager.State()))
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.svc.MaxUploadBytes()+formOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			failure(c, http.StatusRequestEntityTooLarge, fmt.Errorf("%w: limit is %d bytes", scratch.ErrTooLarge, s.svc.MaxUploadBytes()))
			return
		}
		failure(c, http.StatusBadRequest, fmt.Errorf("%w: missing multipart field \"file\"", core.ErrEmptyImage))
		return
	}

	params, err := parseParameters(c)
	if err != nil {
		failure(c, http.StatusBadRequest, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		failure(c, http.StatusBadRequest, fmt.Errorf("%w: %v", core.ErrInvalidImage, err))
		return
	}
	defer file.Close()

	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := s.svc.Colorize(ctx, service.Request{
		ID:       c.GetString(requestIDKey),
		Image:    file,
		Filename: header.Filename,
		Params:   params,
	})
	if err != nil {
		failure(c, statusFor(err), err)
		return
	}

	out := colorizeResponse{
		Success:        true,
		RequestID:      resp.ID,
		Image:          base64.StdEncoding.EncodeToString(resp.Image),
		ContentType:    resp.ContentType,
		Dimensions:     dimensions{Width: resp.Width, Height: resp.Height},
		ProcessingTime: resp.ProcessingTime.Seconds(),
	}
	if resp.Quality != nil {
		out.Quality = resp.Quality
	}
	c.JSON(http.StatusOK, out)
}

// parseParameters reads the optional grading form fields over the defaults
func parseParameters(c *gin.Context) (grading.Parameters, error) {
	params := grading.Default()
	for _, info := range grading.Catalogue() {
		raw, ok := c.GetPostForm(info.Name)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return params, fmt.Errorf("%w: %s=%q is not a number", grading.ErrInvalidParameters, info.Name, raw)
		}
		if err := params.Set(info.Name, v); err != nil {
			return params, err
		}
	}
	return params, params.Validate()
}
