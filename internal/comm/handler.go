// Package comm is the framework-agnostic HTTP entry point: it parses and
// authenticates Executor requests, dispatches execution to the engine, and
// serializes results back with the protocol's status codes and headers.
package comm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/flowstep/flowstep-go/internal/apiclient"
	"github.com/flowstep/flowstep-go/internal/engine"
	"github.com/flowstep/flowstep-go/internal/fn"
	"github.com/flowstep/flowstep-go/internal/middleware"
	"github.com/flowstep/flowstep-go/internal/sdkrequest"
)

// Protocol headers.
const (
	HeaderSignature          = "X-Inngest-Signature"
	HeaderSDK                = "X-Inngest-SDK"
	HeaderFramework          = "X-Inngest-Framework"
	HeaderServerKind         = "X-Inngest-Server-Kind"
	HeaderExpectedServerKind = "X-Inngest-Expected-Server-Kind"
)

const (
	ServerKindCloud = "cloud"
	ServerKindDev   = "dev"
)

// retryAfterSeconds is the backoff hint attached to retriable failures.
const retryAfterSeconds = 30

// Options configures a Handler. All values arrive resolved; env parsing is
// the client's job.
type Options struct {
	AppName            string
	Framework          string
	SigningKey         string
	SigningKeyFallback string
	Env                string
	Dev                bool

	// ServeURL is the externally reachable URL of this handler, pushed to
	// the control plane at registration so the Executor knows where to
	// call back.
	ServeURL string

	StepNotFoundTimeout time.Duration

	API *apiclient.Client
	AI  sdkrequest.Inferencer
	Hub Hub
}

// Hub is the realtime backend the handler exposes at /realtime/{runID}.
type Hub interface {
	sdkrequest.Publisher
	Subscribe(w http.ResponseWriter, r *http.Request, topic string)
}

// Handler serves the three protocol endpoints plus realtime subscriptions.
type Handler struct {
	opts   Options
	fns    []fn.ServableFunction
	byID   map[string]fn.ServableFunction
	mw     *middleware.Manager
	router http.Handler
}

// NewHandler builds the HTTP handler for the given functions, with the
// middleware's WrapRequest hooks outermost.
func NewHandler(opts Options, fns []fn.ServableFunction, mw *middleware.Manager) *Handler {
	h := &Handler{
		opts: opts,
		fns:  fns,
		byID: make(map[string]fn.ServableFunction, len(fns)),
		mw:   mw,
	}
	for _, f := range fns {
		h.byID[f.Config().ID] = f
	}

	r := chi.NewRouter()
	r.Get("/", h.introspect)
	r.Put("/", h.register)
	r.Post("/", h.invoke)
	if opts.Hub != nil {
		r.Get("/realtime/{runID}", func(w http.ResponseWriter, req *http.Request) {
			opts.Hub.Subscribe(w, req, chi.URLParam(req, "runID"))
		})
	}
	h.router = mw.WrapRequest(r)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderSDK, fmt.Sprintf("%s:%s", fn.SDKLanguage, fn.SDKVersion))
	w.Header().Set(HeaderFramework, h.opts.Framework)
	w.Header().Set(HeaderServerKind, h.serverKind())
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serverKind() string {
	if h.opts.Dev {
		return ServerKindDev
	}
	return ServerKindCloud
}

// introspect answers GET / with the function list and enough configuration
// state for the dev server UI to diagnose a misconfigured app.
func (h *Handler) introspect(w http.ResponseWriter, r *http.Request) {
	type fnInfo struct {
		ID       string       `json:"id"`
		Name     string       `json:"name"`
		Triggers []fn.Trigger `json:"triggers"`
	}
	infos := make([]fnInfo, 0, len(h.fns))
	for _, f := range h.fns {
		cfg := f.Config()
		infos = append(infos, fnInfo{ID: cfg.ID, Name: cfg.Name, Triggers: f.Triggers()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"function_count":  len(h.fns),
		"has_signing_key": h.opts.SigningKey != "",
		"mode":            h.serverKind(),
		"env":             h.opts.Env,
		"sdk_language":    fn.SDKLanguage,
		"sdk_version":     fn.SDKVersion,
		"functions":       infos,
	})
}

// register answers PUT / by validating and pushing the app's function
// configuration to the control plane.
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	req := buildRegisterRequest(h.opts.AppName, h.opts.Framework, h.opts.ServeURL, h.fns)
	if err := validateRegisterRequest(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if h.opts.API == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no control plane configured"})
		return
	}
	if err := h.opts.API.Register(r.Context(), h.opts.SigningKey, req); err != nil {
		log.Printf("flowstep: registration push failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// invoke answers POST /?fnId=...&stepId=...: one execution request.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if expected := r.Header.Get(HeaderExpectedServerKind); expected != "" && expected != h.serverKind() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("request expected a %s server, this is a %s server", expected, h.serverKind()),
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reading request body"})
		return
	}

	if !h.opts.Dev && h.opts.SigningKey != "" {
		sig := r.Header.Get(HeaderSignature)
		if sig == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing request signature"})
			return
		}
		if err := ValidateSignature(sig, h.opts.SigningKey, h.opts.SigningKeyFallback, body, time.Now()); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
	}
	authDone := time.Now()

	fnID := r.URL.Query().Get("fnId")
	f, ok := h.byID[fnID]
	if !ok {
		writeJSON(w, http.StatusGone, map[string]string{"error": fmt.Sprintf("unknown function %q", fnID)})
		return
	}

	req, err := sdkrequest.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if stepID := r.URL.Query().Get("stepId"); stepID != "" && stepID != "step" {
		req.RequestedRunStep = stepID
	}
	if req.RunID == "" && h.opts.Dev {
		req.RunID = ulid.Make().String()
	}
	parseDone := time.Now()

	var events sdkrequest.EventSender
	if h.opts.API != nil {
		events = h.opts.API
	}

	cfg := f.Config()
	res := engine.Run(r.Context(), engine.Options{
		Handler: f.Handle,
		FnCtx: fn.Context{
			Event:   req.Event,
			Events:  req.Events,
			RunID:   req.RunID,
			Attempt: req.Attempt,
		},
		Req:                 req,
		MW:                  h.mw,
		FnInfo:              middleware.FunctionInfo{ID: cfg.ID, Name: cfg.Name},
		StepNotFoundTimeout: h.opts.StepNotFoundTimeout,
		Retries:             cfg.Retries,
		Events:              events,
		Inference:           h.opts.AI,
		Realtime:            h.opts.Hub,
	})
	runDone := time.Now()

	w.Header().Set("Server-Timing", strings.Join([]string{
		fmt.Sprintf("auth;dur=%d", authDone.Sub(started).Milliseconds()),
		fmt.Sprintf("parse;dur=%d", parseDone.Sub(authDone).Milliseconds()),
		fmt.Sprintf("run;dur=%d", runDone.Sub(parseDone).Milliseconds()),
	}, ", "))

	h.writeResult(w, res)
}

// writeResult maps an engine result to the protocol's status codes and
// bodies, flushing eagerly when the underlying writer supports streaming.
func (h *Handler) writeResult(w http.ResponseWriter, res engine.Result) {
	switch res.Kind {
	case engine.ResultFunctionResolved:
		writeJSON(w, http.StatusOK, json.RawMessage(orNull(res.Data)))
	case engine.ResultStepRan:
		writeJSON(w, http.StatusPartialContent, res.Ops[0])
	case engine.ResultStepsFound:
		writeJSON(w, http.StatusPartialContent, res.Ops)
	case engine.ResultStepNotFound:
		writeJSON(w, http.StatusNotFound, res.Ops)
	case engine.ResultFunctionRejected:
		status := http.StatusBadRequest
		if res.Retriable {
			status = http.StatusInternalServerError
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		writeJSON(w, status, res.Err)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unknown result kind"})
	}
}

func orNull(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("flowstep: writing response: %v", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Register pushes this app's configuration to the control plane outside of
// a PUT request, with the same validation the PUT endpoint applies.
func (h *Handler) Register(ctx context.Context) error {
	req := buildRegisterRequest(h.opts.AppName, h.opts.Framework, h.opts.ServeURL, h.fns)
	if err := validateRegisterRequest(req); err != nil {
		return err
	}
	if h.opts.API == nil {
		return fmt.Errorf("registration: no control plane configured")
	}
	return h.opts.API.Register(ctx, h.opts.SigningKey, req)
}
