// Package flowstep is the public client API: create a client, register
// durable functions on it, and mount the returned handler in any net/http
// server. The Executor drives registered functions by calling that handler;
// handlers use the step package for durable operations.
package flowstep

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowstep/flowstep-go/internal/airouter"
	"github.com/flowstep/flowstep-go/internal/apiclient"
	"github.com/flowstep/flowstep-go/internal/comm"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/middleware"
	"github.com/flowstep/flowstep-go/internal/realtime"
)

// Opts configures a Client. Zero values fall back to the environment
// variables listed on each field, then to defaults.
type Opts struct {
	// AppID identifies this app to the control plane. Required.
	AppID string

	// Framework names the HTTP framework the handler is mounted in, for
	// diagnostics only.
	Framework string

	// EventKey authorizes event sending. Env: INNGEST_EVENT_KEY.
	EventKey string

	// SigningKey authenticates Executor requests and registration pushes.
	// Env: INNGEST_SIGNING_KEY.
	SigningKey string

	// SigningKeyFallback is accepted during key rotation.
	// Env: INNGEST_SIGNING_KEY_FALLBACK.
	SigningKeyFallback string

	// Env names the deploy environment. Env: INNGEST_ENV.
	Env string

	// Dev forces dev mode: no request authentication, local dev server
	// URLs. Env: INNGEST_DEV. Nil means "use the environment".
	Dev *bool

	// BaseURL overrides the control plane URL. Env: INNGEST_BASE_URL.
	BaseURL string

	// ServeHost and ServePath form the externally reachable URL of the
	// mounted handler. Env: INNGEST_SERVE_HOST, INNGEST_SERVE_PATH.
	ServeHost string
	ServePath string

	// AIAPIKey and AIBaseURL configure the AI router behind step.AIInfer.
	// Without a key AIInfer returns an error when executed; step.AIWrap does
	// not use the router.
	AIAPIKey  string
	AIBaseURL string

	// StepNotFoundTimeout bounds how long an invocation waits for an
	// Executor-requested step to be discovered. Zero means 10s.
	StepNotFoundTimeout time.Duration

	// Middleware is the registered-order middleware chain.
	Middleware []Middleware
}

// Client owns the middleware chain, the control plane connection, and the
// functions registered on it.
type Client struct {
	opts Opts
	mw   *middleware.Manager
	api  *apiclient.Client
	hub  *realtime.Hub
	ai   *airouter.Router
	fns  []fn.ServableFunction
}

// NewClient resolves configuration from opts and the environment and
// returns a Client ready to register functions on.
func NewClient(opts Opts) (*Client, error) {
	if opts.AppID == "" {
		return nil, errors.New("flowstep: an app ID is required")
	}
	resolveEnv(&opts)

	return &Client{
		opts: opts,
		mw:   middleware.New(opts.Middleware),
		api:  apiclient.New(opts.BaseURL, opts.EventKey),
		hub:  realtime.NewHub(),
		ai:   airouter.New(airouter.Config{APIKey: opts.AIAPIKey, BaseURL: opts.AIBaseURL}),
	}, nil
}

// servableFn binds a handler and its configuration into the shape the comm
// handler dispatches on.
type servableFn struct {
	opts     fn.Opts
	triggers []fn.Trigger
	handler  fn.Handler
}

func (f *servableFn) Config() fn.Opts        { return f.opts }
func (f *servableFn) Triggers() []fn.Trigger { return f.triggers }
func (f *servableFn) Handle(ctx context.Context, fctx fn.Context) (any, error) {
	return f.handler(ctx, fctx)
}

// CreateFunction registers a durable function on the client and returns it.
// The function is served once the client's handler is mounted.
func (c *Client) CreateFunction(opts FunctionOpts, triggers []Trigger, handler Handler) (Function, error) {
	if opts.ID == "" {
		return nil, errors.New("flowstep: a function ID is required")
	}
	if len(triggers) == 0 {
		return nil, fmt.Errorf("flowstep: function %q needs at least one trigger", opts.ID)
	}
	if handler == nil {
		return nil, fmt.Errorf("flowstep: function %q needs a handler", opts.ID)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	for _, existing := range c.fns {
		if existing.Config().ID == opts.ID {
			return nil, fmt.Errorf("flowstep: function %q is already registered", opts.ID)
		}
	}

	f := &servableFn{opts: opts, triggers: triggers, handler: handler}
	c.fns = append(c.fns, f)
	return f, nil
}

// Serve returns the HTTP handler implementing the execution protocol for
// every function registered so far. Mount it at the client's serve path.
func (c *Client) Serve() http.Handler {
	return comm.NewHandler(comm.Options{
		AppName:             c.opts.AppID,
		Framework:           c.opts.Framework,
		SigningKey:          c.opts.SigningKey,
		SigningKeyFallback:  c.opts.SigningKeyFallback,
		Env:                 c.opts.Env,
		Dev:                 c.IsDev(),
		ServeURL:            c.ServeURL(),
		StepNotFoundTimeout: c.opts.StepNotFoundTimeout,
		API:                 c.api,
		AI:                  c.ai,
		Hub:                 c.hub,
	}, c.fns, c.mw)
}

// Send delivers events to the Executor's event ingest API outside of any
// run, applying the sendEvent middleware hooks. Events without an ID get a
// generated one so retried sends deduplicate server-side.
func (c *Client) Send(ctx context.Context, events ...Event) ([]string, error) {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	evts, err := c.mw.TransformSendEvent(ctx, events)
	if err != nil {
		return nil, err
	}
	return c.mw.WrapSendEvent(ctx, evts, func() ([]string, error) {
		return c.api.Send(ctx, evts)
	})
}

// IsDev reports whether the client runs against a local dev server.
func (c *Client) IsDev() bool {
	if c.opts.Dev != nil {
		return *c.opts.Dev
	}
	return false
}

// ServeURL is the externally reachable URL registration advertises.
func (c *Client) ServeURL() string {
	host := strings.TrimSuffix(c.opts.ServeHost, "/")
	path := c.opts.ServePath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return host + path
}

// NoRetryError marks err as permanent so the Executor records the failure
// without scheduling another attempt.
func NoRetryError(err error) error {
	return &fn.NonRetriableError{Err: err}
}
