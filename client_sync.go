package goAuthSync

import (
	"context"
	"errors"

	"github.com/MrEthical07/goAuthSync/channel"
	"github.com/MrEthical07/goAuthSync/endpoint"
	"github.com/MrEthical07/goAuthSync/scheduler"
	"github.com/MrEthical07/goAuthSync/store"
)

// fetch is the scheduler's FetchFunc. It returns an error only when the session is
// unknown afterwards; a definitive "no session" is applied and reported as success.
func (c *Client) fetch(ctx context.Context, req scheduler.Request) error {
	if c.closed.Load() {
		return ErrClosed
	}

	stamp := c.clock.Next()
	c.stampMu.Lock()
	c.fetchStamp = stamp
	c.stampMu.Unlock()
	defer func() {
		c.stampMu.Lock()
		c.fetchStamp = channel.Stamp{}
		c.stampMu.Unlock()
	}()

	sess, err := c.load(ctx, req)
	switch {
	case err == nil:
		c.metrics.Inc(MetricFetchSuccess)
		status := StatusAuthenticated
		if sess == nil {
			status = StatusUnauthenticated
		}
		c.apply(req, stamp, sess, status)
		return nil

	case errors.Is(err, endpoint.ErrUnauthenticated):
		c.metrics.Inc(MetricFetchUnauthenticated)
		c.apply(req, stamp, nil, StatusUnauthenticated)
		return nil

	default:
		c.metrics.Inc(MetricFetchFailure)
		c.emit(SessionEvent{
			EventType: EventFetchFailed,
			Reason:    string(req.Reason),
			Status:    c.Status().String(),
			Error:     err.Error(),
		})
		if !errors.Is(ctx.Err(), context.Canceled) {
			c.resolveUnreachable(stamp)
		}
		return err
	}
}

// resolveUnreachable settles a context that has never seen the backend answer.
// There is no cached state to keep, so it becomes unauthenticated; siblings are
// not told, since nothing about the session is known to have changed.
func (c *Client) resolveUnreachable(stamp channel.Stamp) {
	if c.closed.Load() || c.store.Snapshot().Status != StatusPending {
		return
	}
	c.stampMu.Lock()
	if stamp.Before(c.stamp) {
		c.stampMu.Unlock()
		return
	}
	c.stamp = stamp
	c.stampMu.Unlock()

	if err := c.store.Set(nil, StatusUnauthenticated); err != nil {
		c.log.Error("goauthsync: could not resolve pending session", "error", err)
		return
	}
	c.log.Warn("goauthsync: first session fetch failed, treating context as unauthenticated")
}

func (c *Client) load(ctx context.Context, req scheduler.Request) (*Session, error) {
	if req.Payload == nil {
		return c.endpoint.GetSession(ctx)
	}
	token, err := c.endpoint.CSRFToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.endpoint.UpdateSession(ctx, token, req.Payload)
}

// apply writes a fetch result to the store and publishes it when siblings need to
// hear about it: never for fetches caused by a notification, otherwise when the
// resolved state changed or a caller asked for the fetch.
func (c *Client) apply(req scheduler.Request, stamp channel.Stamp, sess *Session, status Status) {
	if c.closed.Load() {
		return
	}

	prev := c.store.Snapshot()

	// Expiry never moves backwards for the same user, whatever happened to its data.
	if sess != nil && prev.Session != nil && sess.SameUser(prev.Session) && sess.Expires.Before(prev.Session.Expires) {
		sess = sess.Clone()
		sess.Expires = prev.Session.Expires
	}

	// Fetches never overlap, so only onMessage races on the stamp.
	c.stampMu.Lock()
	if stamp.Before(c.stamp) {
		c.stampMu.Unlock()
		return
	}
	c.stamp = stamp
	c.stampMu.Unlock()

	if err := c.store.Set(sess, status); err != nil {
		c.log.Error("goauthsync: rejected session update", "status", status.String(), "error", err)
		return
	}

	changed := prev.Status != StatusPending &&
		(prev.Status != status || !prev.Session.SameIdentity(sess))

	if req.Reason == scheduler.ReasonBroadcast {
		return
	}
	if changed || req.Reason.CallerInitiated() {
		c.publish(stamp, triggerOf(req.Reason))
	}
}

func triggerOf(r scheduler.Reason) channel.Trigger {
	switch r {
	case scheduler.ReasonSignIn:
		return channel.TriggerSignIn
	case scheduler.ReasonSignOut:
		return channel.TriggerSignOut
	case scheduler.ReasonUpdate:
		return channel.TriggerUpdate
	default:
		return channel.TriggerGetSession
	}
}

func (c *Client) publish(stamp channel.Stamp, trigger channel.Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Channel.PublishTimeout)
	defer cancel()

	err := c.channel.Publish(ctx, channel.Message{
		Event:   channel.EventSession,
		Origin:  c.id,
		Stamp:   stamp,
		Trigger: trigger,
	})
	if err != nil {
		c.metrics.Inc(MetricNotificationPublishFailed)
		c.log.Warn("goauthsync: publish failed", "trigger", string(trigger), "error", err)
		return
	}
	c.metrics.Inc(MetricNotificationPublished)
}

// onMessage handles a notification from another context. Notifications not newer
// than the applied state are stale. One newer than the fetch in flight asks for a
// single follow-up fetch so the change is not lost.
func (c *Client) onMessage(msg channel.Message) {
	if c.closed.Load() || msg.Origin == c.id || msg.Event != channel.EventSession {
		return
	}
	c.metrics.Inc(MetricNotificationReceived)
	c.clock.Observe(msg.Stamp)

	c.stampMu.Lock()
	applied, inflight := c.stamp, c.fetchStamp
	c.stampMu.Unlock()

	if !applied.Before(msg.Stamp) {
		c.metrics.Inc(MetricNotificationStale)
		c.log.Debug("goauthsync: ignoring stale notification", "origin", msg.Origin, "trigger", string(msg.Trigger))
		return
	}
	if !inflight.IsZero() && !inflight.Before(msg.Stamp) {
		c.metrics.Inc(MetricNotificationStale)
		return
	}

	c.sched.Resync(scheduler.ReasonBroadcast)
}

func (c *Client) onStoreChange(prev, next store.Snapshot) {
	if prev.Status != next.Status {
		c.metrics.Inc(MetricStatusChanged)
		c.log.Info("goauthsync: session status changed", "from", prev.Status.String(), "to", next.Status.String())
		c.emit(SessionEvent{
			EventType: EventStatusChanged,
			Status:    next.Status.String(),
			UserID:    userID(next.Session),
			Success:   true,
			Metadata:  map[string]string{"previous": prev.Status.String()},
		})
	} else if !prev.Session.SameIdentity(next.Session) {
		c.emit(SessionEvent{
			EventType: EventSessionChanged,
			Status:    next.Status.String(),
			UserID:    userID(next.Session),
			Success:   true,
		})
	}

	c.checkRequired(stateOf(next))
}

func userID(s *Session) string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}
