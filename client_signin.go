package goAuthSync

import (
	"context"
	"net/url"

	"github.com/MrEthical07/goAuthSync/scheduler"
)

// SignIn describes the signin operation and its observable behavior.
//
// SignIn posts to the provider identified by providerID. An empty or unknown provider
// yields the backend's sign-in page URL (navigated to when Redirect is set). Providers
// other than credentials and email always navigate, since completing them requires
// leaving the context. A successful sign-in refreshes the session and notifies the
// other contexts.
//
// A rejected sign-in is not an error: it is reported through SignInResult.Error.
func (c *Client) SignIn(ctx context.Context, providerID string, opts SignInOptions) (SignInResult, error) {
	if c.closed.Load() {
		return SignInResult{}, ErrClosed
	}

	callbackURL := opts.CallbackURL
	if callbackURL == "" {
		callbackURL = c.cfg.Endpoint.BaseURL
	}

	providers, err := c.endpoint.Providers(ctx)
	if err != nil {
		c.metrics.Inc(MetricSignInFailure)
		c.emitSignIn(providerID, false, err.Error())
		return SignInResult{}, err
	}

	provider, ok := providers[providerID]
	if providerID == "" || !ok {
		target := c.endpoint.URL("signin") + "?" + url.Values{"callbackUrl": {callbackURL}}.Encode()
		if opts.Redirect {
			c.navigate(target)
		}
		return SignInResult{URL: target, Status: 200, OK: true}, nil
	}

	token, err := c.endpoint.CSRFToken(ctx)
	if err != nil {
		c.metrics.Inc(MetricSignInFailure)
		c.emitSignIn(providerID, false, err.Error())
		return SignInResult{}, err
	}

	form := url.Values{}
	for k, v := range opts.Fields {
		form.Set(k, v)
	}
	form.Set("csrfToken", token)
	form.Set("callbackUrl", callbackURL)

	resp, err := c.endpoint.SignIn(ctx, provider.ID, provider.Credentials(), form)
	if err != nil {
		c.metrics.Inc(MetricSignInFailure)
		c.emitSignIn(providerID, false, err.Error())
		return SignInResult{Status: resp.Status}, err
	}

	code := errorCode(resp.URL)
	res := SignInResult{
		Error:  code,
		Status: resp.Status,
		OK:     resp.OK() && code == "",
	}
	if code == "" {
		res.URL = resp.URL
	}

	navigates := opts.Redirect || (!provider.Credentials() && provider.Type != "email")
	if navigates {
		c.navigate(resp.URL)
	}

	if !res.OK {
		c.metrics.Inc(MetricSignInFailure)
		c.log.Info("goauthsync: sign-in rejected", "provider", providerID, "status", resp.Status, "code", code)
		c.emitSignIn(providerID, false, code)
		return res, nil
	}

	if err := c.sched.Do(ctx, scheduler.Request{Reason: scheduler.ReasonSignIn}); err != nil {
		c.log.Warn("goauthsync: refresh after sign-in failed", "provider", providerID, "error", err)
	}
	c.metrics.Inc(MetricSignInSuccess)
	c.emitSignIn(providerID, true, "")
	return res, nil
}

// SignOut ends the session on the backend, clears it locally, and notifies the
// other contexts. It navigates to the backend's URL when Redirect is set.
func (c *Client) SignOut(ctx context.Context, opts SignOutOptions) (SignOutResult, error) {
	if c.closed.Load() {
		return SignOutResult{}, ErrClosed
	}

	callbackURL := opts.CallbackURL
	if callbackURL == "" {
		callbackURL = c.cfg.Endpoint.BaseURL
	}

	token, err := c.endpoint.CSRFToken(ctx)
	if err != nil {
		return SignOutResult{}, err
	}

	target, err := c.endpoint.SignOut(ctx, url.Values{
		"csrfToken":   {token},
		"callbackUrl": {callbackURL},
	})
	if err != nil {
		c.emit(SessionEvent{EventType: EventSignOut, Error: err.Error()})
		return SignOutResult{}, err
	}
	if target == "" {
		target = callbackURL
	}

	if err := c.sched.Do(ctx, scheduler.Request{Reason: scheduler.ReasonSignOut}); err != nil {
		c.log.Warn("goauthsync: refresh after sign-out failed", "error", err)
	}

	c.metrics.Inc(MetricSignOut)
	c.emit(SessionEvent{EventType: EventSignOut, Status: c.Status().String(), Success: true})

	if opts.Redirect {
		c.navigate(target)
	}
	return SignOutResult{URL: target}, nil
}

func (c *Client) emitSignIn(provider string, ok bool, reason string) {
	c.emit(SessionEvent{
		EventType: EventSignIn,
		Success:   ok,
		Error:     reason,
		Metadata:  map[string]string{"provider": provider},
	})
}

func errorCode(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("error")
}

/*
====================================
REQUIRED SESSION
====================================
*/

// Required returns the cached state and whether the caller should render a loading
// affordance instead of protected content. In required mode an unauthenticated
// context keeps loading while the redirect happens.
func (c *Client) Required() (SessionState, bool) {
	state := c.Session()
	loading := state.Status == StatusPending ||
		(c.cfg.Required.Enabled && state.Status == StatusUnauthenticated)
	return state, loading
}

// checkRequired fires the required-session callback on the first unauthenticated
// state. It never fires while pending.
func (c *Client) checkRequired(state SessionState) {
	if !c.cfg.Required.Enabled || state.Status != StatusUnauthenticated {
		return
	}
	c.required.Do(func() {
		c.metrics.Inc(MetricRequiredRedirect)
		c.emit(SessionEvent{EventType: EventRequiredRedirect, Status: state.Status.String(), Success: true})

		if c.onRequired != nil {
			c.onRequired()
			return
		}
		c.navigate(c.requiredURL())
	})
}

func (c *Client) requiredURL() string {
	callbackURL := c.cfg.Required.CallbackURL
	if callbackURL == "" {
		callbackURL = c.cfg.Endpoint.BaseURL
	}
	q := url.Values{
		"error":       {"SessionRequired"},
		"callbackUrl": {callbackURL},
	}
	return c.endpoint.Base() + c.cfg.Required.SignInPath + "?" + q.Encode()
}
