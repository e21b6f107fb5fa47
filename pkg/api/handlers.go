package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/api/middleware"
	"github.com/night-slayer18/dtypes/pkg/auth"
	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/barrier"
	"github.com/night-slayer18/dtypes/pkg/clockvalue"
	"github.com/night-slayer18/dtypes/pkg/list"
	"github.com/night-slayer18/dtypes/pkg/mutex"
	"github.com/night-slayer18/dtypes/pkg/resilience"
	"github.com/night-slayer18/dtypes/pkg/rwlock"
)

type LockResponse struct {
	Key   string `json:"key"`
	Held  bool   `json:"held"`
	Token uint64 `json:"token,omitempty"`
}

type RWLockResponse struct {
	Key            string `json:"key"`
	Readers        int    `json:"readers"`
	Writer         bool   `json:"writer"`
	WriterToken    uint64 `json:"writer_token,omitempty"`
	WaitingWriters int    `json:"waiting_writers"`
}

type BarrierResponse struct {
	Key        string `json:"key"`
	Generation uint64 `json:"generation"`
	Waiting    int    `json:"waiting"`
}

type ClockResponse struct {
	Key     string          `json:"key"`
	Found   bool            `json:"found"`
	Counter uint64          `json:"counter"`
	Value   json.RawMessage `json:"value,omitempty"`
}

type ListResponse struct {
	Key     string            `json:"key"`
	Version uint64            `json:"version"`
	Length  int               `json:"length"`
	Items   []json.RawMessage `json:"items"`
}

type ItemResponse struct {
	Key   string          `json:"key"`
	Index int             `json:"index"`
	Value json.RawMessage `json:"value"`
}

type CreateAPIKeyRequest struct {
	Name string    `json:"name" binding:"required,max=128"`
	Role auth.Role `json:"role" binding:"required"`
	TTL  string    `json:"ttl,omitempty"`
}

type CreateAPIKeyResponse struct {
	Key  string           `json:"key"`
	Info *auth.APIKeyInfo `json:"info"`
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

// fail maps an error to a status code and writes it.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var ve *middleware.ValidationError
	switch {
	case errors.As(err, &ve):
		c.AbortWithStatusJSON(http.StatusBadRequest, ve)
		return
	case errors.Is(err, backend.ErrInvalidArgument), errors.Is(err, auth.ErrInvalidRole):
		status = http.StatusBadRequest
	case errors.Is(err, backend.ErrIndexOutOfRange), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusNotFound
	case backend.IsConnectionError(err), errors.Is(err, resilience.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) getLock(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	m, err := mutex.New(s.store, c.Param("key"), mutex.WithLogger(s.log))
	if err != nil {
		s.fail(c, err)
		return
	}
	token, held, err := m.Holder(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, LockResponse{Key: c.Param("key"), Held: held, Token: token})
}

func (s *Server) getRWLock(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	l, err := rwlock.New(s.store, c.Param("key"), rwlock.WithLogger(s.log))
	if err != nil {
		s.fail(c, err)
		return
	}
	st, err := l.Status(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RWLockResponse{
		Key:            c.Param("key"),
		Readers:        st.Readers,
		Writer:         st.Writer,
		WriterToken:    st.WriterToken,
		WaitingWriters: st.WaitingWriters,
	})
}

// getBarrier only reads, so the party count given to New is irrelevant.
func (s *Server) getBarrier(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	b, err := barrier.New(s.store, c.Param("key"), 1, barrier.WithLogger(s.log))
	if err != nil {
		s.fail(c, err)
		return
	}
	gen, err := b.Generation(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	waiting, err := b.Waiting(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, BarrierResponse{Key: c.Param("key"), Generation: gen, Waiting: waiting})
}

func (s *Server) getClock(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	v, err := clockvalue.New(s.store, c.Param("key"), clockvalue.WithLogger[json.RawMessage](s.log))
	if err != nil {
		s.fail(c, err)
		return
	}
	val, counter, found, err := v.Read(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ClockResponse{Key: c.Param("key"), Found: found, Counter: counter, Value: val})
}

// getList returns the whole list, or a single item with ?index=n.
func (s *Server) getList(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	// A cached list serves both reads below from one snapshot.
	l, err := list.New(s.store, c.Param("key"),
		list.WithCacheTTL[json.RawMessage](requestTimeout),
		list.WithLogger[json.RawMessage](s.log),
	)
	if err != nil {
		s.fail(c, err)
		return
	}

	if raw, ok := c.GetQuery("index"); ok {
		i, err := strconv.Atoi(raw)
		if err != nil {
			s.fail(c, &middleware.ValidationError{Field: "index", Message: "index must be an integer"})
			return
		}
		item, err := l.Get(ctx, i)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ItemResponse{Key: c.Param("key"), Index: i, Value: item})
		return
	}

	items, err := l.Items(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	version, err := l.Version(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	c.JSON(http.StatusOK, ListResponse{Key: c.Param("key"), Version: version, Length: len(items), Items: items})
}

func (s *Server) createAPIKey(c *gin.Context) {
	var req CreateAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, &middleware.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.fail(c, &middleware.ValidationError{Field: "ttl", Message: "ttl must be a duration such as 720h"})
			return
		}
		ttl = d
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	plain, info, err := s.apiKeys.CreateKey(ctx, req.Name, req.Role, ttl)
	if err != nil {
		s.fail(c, err)
		return
	}
	by := ""
	if caller, ok := middleware.GetUserFromContext(c); ok {
		by = caller.Subject
	}
	s.log.Info("api key created",
		zap.String("id", info.ID),
		zap.String("name", info.Name),
		zap.String("role", string(info.Role)),
		zap.String("by", by),
	)
	c.JSON(http.StatusCreated, CreateAPIKeyResponse{Key: plain, Info: info})
}

func (s *Server) revokeAPIKey(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	id := c.Param("id")
	if err := s.apiKeys.RevokeKey(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("api key revoked", zap.String("id", id))
	c.Status(http.StatusNoContent)
}
