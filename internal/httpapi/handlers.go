package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/version"
)

type errorResponse struct {
	Error string `json:"error"`
}

type quotesResponse struct {
	Quotes []model.WireQuote `json:"quotes"`
	Count  int               `json:"count"`
}

type statusResponse struct {
	State               model.ConnectionState `json:"state"`
	IsConnected         bool                  `json:"is_connected"`
	LastUpdated         *time.Time            `json:"last_updated,omitempty"`
	Error               string                `json:"error,omitempty"`
	PollError           string                `json:"poll_error,omitempty"`
	Degraded            bool                  `json:"degraded"`
	EndpointUnavailable bool                  `json:"endpoint_unavailable"`
	Attempts            int                   `json:"attempts"`
	Watching            int                   `json:"watching"`
	Subscriptions       int                   `json:"subscriptions"`
	PollingActive       bool                  `json:"polling_active"`
	PollTicks           int64                 `json:"poll_ticks"`
	PollFailures        int64                 `json:"poll_failures"`
}

type refreshResponse struct {
	Quotes  int  `json:"quotes"`
	Fetched int  `json:"fetched"`
	Cached  int  `json:"cached"`
	Limited bool `json:"limited"`
	Deduped bool `json:"deduped"`
}

type watchRequest struct {
	Instruments []model.InstrumentKey `json:"instruments" binding:"required"`
}

type watchResponse struct {
	Instruments []model.InstrumentKey `json:"instruments"`
	Changed     int                   `json:"changed,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get(),
	})
}

func (s *Server) status(c *gin.Context) {
	st := s.svc.Status()
	resp := statusResponse{
		State:               st.State,
		IsConnected:         st.Connected,
		Error:               st.Error,
		PollError:           st.PollError,
		Degraded:            st.Degraded,
		EndpointUnavailable: st.EndpointUnavailable,
		Attempts:            st.Attempts,
		Watching:            st.Watching,
		Subscriptions:       st.Subscriptions,
		PollingActive:       st.Polling.Running,
		PollTicks:           st.Polling.Ticks,
		PollFailures:        st.Polling.Failures,
	}
	if !st.LastUpdated.IsZero() {
		resp.LastUpdated = &st.LastUpdated
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listQuotes(c *gin.Context) {
	quotes := s.svc.Quotes()
	resp := quotesResponse{Quotes: make([]model.WireQuote, 0, len(quotes)), Count: len(quotes)}
	for _, q := range quotes {
		resp.Quotes = append(resp.Quotes, model.FromQuote(q))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getQuote(c *gin.Context) {
	key := model.KeyFor(c.Param("chain"), c.Param("id"))
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	q, ok := s.svc.GetQuote(key)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no quote for " + key.ID()})
		return
	}
	c.JSON(http.StatusOK, model.FromQuote(q))
}

func (s *Server) refresh(c *gin.Context) {
	res := s.svc.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, refreshResponse{
		Quotes:  len(res.Quotes),
		Fetched: res.Fetched,
		Cached:  res.Cached,
		Limited: res.Limited,
		Deduped: res.Deduped,
	})
}

func (s *Server) reconnect(c *gin.Context) {
	if err := s.svc.Reconnect(); err != nil {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}

func (s *Server) watchSet(c *gin.Context) {
	c.JSON(http.StatusOK, watchResponse{Instruments: s.svc.WatchSet()})
}

func (s *Server) watch(c *gin.Context) {
	keys, ok := bindKeys(c)
	if !ok {
		return
	}
	n := s.svc.Watch(keys...)
	c.JSON(http.StatusOK, watchResponse{Instruments: s.svc.WatchSet(), Changed: n})
}

func (s *Server) unwatch(c *gin.Context) {
	keys, ok := bindKeys(c)
	if !ok {
		return
	}
	n := s.svc.Unwatch(keys...)
	c.JSON(http.StatusOK, watchResponse{Instruments: s.svc.WatchSet(), Changed: n})
}

// bindKeys decodes and validates a watch request, writing a 400 on failure.
func bindKeys(c *gin.Context) ([]model.InstrumentKey, bool) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return nil, false
	}
	for _, k := range req.Instruments {
		if err := k.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return nil, false
		}
	}
	return req.Instruments, true
}
