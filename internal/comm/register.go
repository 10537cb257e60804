package comm

import (
	"fmt"
	"strings"

	"github.com/flowstep/flowstep-go/internal/durationutil"
	"github.com/flowstep/flowstep-go/internal/exprutil"
	"github.com/flowstep/flowstep-go/internal/fn"
)

// RegisterRequest is the payload pushed to the control plane on PUT /,
// describing every function this app serves.
type RegisterRequest struct {
	AppName   string           `json:"app_name"`
	Framework string           `json:"framework"`
	SDK       string           `json:"sdk"`
	URL       string           `json:"url"`
	Functions []FunctionConfig `json:"functions"`
}

// FunctionConfig is the registration shape of one function.
type FunctionConfig struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Triggers    []fn.Trigger          `json:"triggers"`
	Steps       map[string]StepConfig `json:"steps"`
	Concurrency []ConcurrencyConfig   `json:"concurrency,omitempty"`
	RateLimit   *RateLimitConfig      `json:"rateLimit,omitempty"`
	Throttle    *ThrottleConfig       `json:"throttle,omitempty"`
	Debounce    *DebounceConfig       `json:"debounce,omitempty"`
	Singleton   *SingletonConfig      `json:"singleton,omitempty"`
	Timeouts    *TimeoutsConfig       `json:"timeouts,omitempty"`
	Priority    *PriorityConfig       `json:"priority,omitempty"`
	CancelOn    []CancelOnConfig      `json:"cancelOn,omitempty"`
}

// StepConfig names the single HTTP step runtime every function exposes.
type StepConfig struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Runtime RuntimeConfig `json:"runtime"`
	Retries RetriesConfig `json:"retries"`
}

type RuntimeConfig struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type RetriesConfig struct {
	Attempts int `json:"attempts"`
}

type ConcurrencyConfig struct {
	Scope string `json:"scope,omitempty"`
	Key   string `json:"key,omitempty"`
	Limit int    `json:"limit"`
}

type RateLimitConfig struct {
	Limit  int    `json:"limit"`
	Period string `json:"period"`
	Key    string `json:"key,omitempty"`
}

type ThrottleConfig struct {
	Limit  int    `json:"limit"`
	Period string `json:"period"`
	Burst  int    `json:"burst,omitempty"`
	Key    string `json:"key,omitempty"`
}

type DebounceConfig struct {
	Period string `json:"period"`
	Key    string `json:"key,omitempty"`
}

type SingletonConfig struct {
	Key  string `json:"key,omitempty"`
	Mode string `json:"mode"`
}

type TimeoutsConfig struct {
	Start  string `json:"start,omitempty"`
	Finish string `json:"finish,omitempty"`
}

type PriorityConfig struct {
	Run string `json:"run,omitempty"`
}

type CancelOnConfig struct {
	Event   string `json:"event"`
	If      string `json:"if,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// buildRegisterRequest assembles the registration payload for the given
// functions, with every run routed back to stepURL.
func buildRegisterRequest(appName, framework, stepURL string, fns []fn.ServableFunction) RegisterRequest {
	out := RegisterRequest{
		AppName:   appName,
		Framework: framework,
		SDK:       fmt.Sprintf("%s:%s", fn.SDKLanguage, fn.SDKVersion),
		URL:       stepURL,
		Functions: make([]FunctionConfig, 0, len(fns)),
	}
	for _, f := range fns {
		cfg := f.Config()
		fc := FunctionConfig{
			ID:       cfg.ID,
			Name:     cfg.Name,
			Triggers: f.Triggers(),
			Steps: map[string]StepConfig{
				"step": {
					ID:      "step",
					Name:    "step",
					Runtime: RuntimeConfig{Type: "http", URL: fmt.Sprintf("%s?fnId=%s&stepId=step", stepURL, cfg.ID)},
					Retries: RetriesConfig{Attempts: cfg.Retries},
				},
			},
		}
		for _, c := range cfg.Concurrency {
			fc.Concurrency = append(fc.Concurrency, ConcurrencyConfig{Scope: c.Scope, Key: c.Key, Limit: c.Limit})
		}
		if rl := cfg.RateLimit; rl != nil {
			fc.RateLimit = &RateLimitConfig{Limit: rl.Limit, Period: durationutil.Format(rl.Period), Key: rl.Key}
		}
		if th := cfg.Throttle; th != nil {
			fc.Throttle = &ThrottleConfig{Limit: th.Limit, Period: durationutil.Format(th.Period), Burst: th.Burst, Key: th.Key}
		}
		if db := cfg.Debounce; db != nil {
			fc.Debounce = &DebounceConfig{Period: durationutil.Format(db.Period), Key: db.Key}
		}
		if sg := cfg.Singleton; sg != nil {
			fc.Singleton = &SingletonConfig{Key: sg.Key, Mode: sg.Mode}
		}
		if to := cfg.Timeouts; to != nil {
			tc := &TimeoutsConfig{}
			if to.Start > 0 {
				tc.Start = durationutil.Format(to.Start)
			}
			if to.Finish > 0 {
				tc.Finish = durationutil.Format(to.Finish)
			}
			fc.Timeouts = tc
		}
		if pr := cfg.Priority; pr != nil {
			fc.Priority = &PriorityConfig{Run: pr.Run}
		}
		for _, co := range cfg.CancelOn {
			cc := CancelOnConfig{Event: co.Event, If: co.If}
			if co.Timeout > 0 {
				cc.Timeout = durationutil.Format(co.Timeout)
			}
			fc.CancelOn = append(fc.CancelOn, cc)
		}
		out.Functions = append(out.Functions, fc)
	}
	return out
}

// validateRegisterRequest enforces the registration schema strictly, so a
// misconfigured function fails the PUT instead of surfacing as undefined
// Executor behavior later.
func validateRegisterRequest(req RegisterRequest) error {
	if req.AppName == "" {
		return fmt.Errorf("registration: app name is required")
	}
	seen := make(map[string]bool, len(req.Functions))
	for _, f := range req.Functions {
		if f.ID == "" {
			return fmt.Errorf("registration: a function is missing an ID")
		}
		if seen[f.ID] {
			return fmt.Errorf("registration: duplicate function ID %q", f.ID)
		}
		seen[f.ID] = true
		if len(f.Triggers) == 0 {
			return fmt.Errorf("registration: function %q has no triggers", f.ID)
		}
		for _, tr := range f.Triggers {
			if err := validateTrigger(f.ID, tr); err != nil {
				return err
			}
		}
		for _, c := range f.Concurrency {
			if c.Limit <= 0 {
				return fmt.Errorf("registration: function %q concurrency limit must be positive", f.ID)
			}
		}
		if f.Singleton != nil && f.Singleton.Mode != "skip" && f.Singleton.Mode != "cancel" {
			return fmt.Errorf("registration: function %q singleton mode %q is not one of skip, cancel", f.ID, f.Singleton.Mode)
		}
		if f.Priority != nil && f.Priority.Run != "" {
			if err := exprutil.Validate(f.Priority.Run); err != nil {
				// Priority expressions evaluate to a number, not a bool;
				// only reject outright compile failures.
				if strings.Contains(err.Error(), "compiling") {
					return fmt.Errorf("registration: function %q priority: %w", f.ID, err)
				}
			}
		}
		for _, co := range f.CancelOn {
			if co.Event == "" {
				return fmt.Errorf("registration: function %q cancelOn requires an event", f.ID)
			}
			if co.If != "" {
				if err := exprutil.Validate(co.If); err != nil {
					return fmt.Errorf("registration: function %q cancelOn: %w", f.ID, err)
				}
			}
		}
	}
	return nil
}

func validateTrigger(fnID string, tr fn.Trigger) error {
	switch {
	case tr.Event == "" && tr.Cron == "":
		return fmt.Errorf("registration: function %q trigger needs an event or a cron schedule", fnID)
	case tr.Event != "" && tr.Cron != "":
		return fmt.Errorf("registration: function %q trigger cannot have both an event and a cron schedule", fnID)
	case tr.Cron != "":
		if fields := strings.Fields(tr.Cron); len(fields) != 5 {
			return fmt.Errorf("registration: function %q cron %q must have 5 fields", fnID, tr.Cron)
		}
	case tr.Expression != "":
		if err := exprutil.Validate(tr.Expression); err != nil {
			return fmt.Errorf("registration: function %q trigger: %w", fnID, err)
		}
	}
	return nil
}
