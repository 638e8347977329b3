package portalclient

import (
	"context"
	"errors"
	"net/http"
)

// executeShared coalesces concurrent identical GETs into one pipeline run.
// The shared run ignores the first caller's cancellation; every caller stops
// waiting when its own ctx ends. Each caller gets its own copy of the response,
// or of the error stamped with its own request ID and timing.
func (c *Client) executeShared(ctx context.Context, cl *call) (*Response, error) {
	key := CacheKey(cl.req)
	var leader bool
	ch := c.inflightGets.DoChan(key, func() (any, error) {
		leader = true
		resp, err := c.execute(context.WithoutCancel(ctx), cl)
		if err != nil {
			return nil, err
		}
		c.updateCache(cl, resp)
		return resp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if leader {
				return nil, res.Err
			}
			return nil, c.restamp(cl, res.Err)
		}
		resp := res.Val.(*Response)
		if res.Shared {
			resp = resp.clone()
		}
		if !leader {
			c.metrics.RecordDeduplicated(cl.req.Path)
			cl.logger.Debug().Str("cache_key", key).Msg("joined in-flight request")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, c.canceled(cl, ctx.Err(), nil)
	}
}

// restamp copies a shared error for a joined caller.
func (c *Client) restamp(cl *call, err error) error {
	var shared *Error
	if !errors.As(err, &shared) {
		return err
	}
	e := *shared
	e.RequestID = cl.requestID
	e.Timestamp = c.now()
	e.Duration = e.Timestamp.Sub(cl.start)
	return &e
}

func (c *Client) dedupable(req Request) bool {
	return c.deduplicate && req.Method == http.MethodGet && !req.NoCache
}
