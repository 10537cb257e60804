package flowstep

import (
	"time"

	"github.com/spf13/viper"
)

// Default endpoints used when neither opts nor environment override them.
const (
	defaultCloudBaseURL = "https://api.flowstep.dev"
	defaultDevBaseURL   = "http://localhost:8288"
	defaultServeHost    = "http://localhost:8080"
	defaultServePath    = "/api/flowstep"
)

// resolveEnv layers environment variables under explicit opts, the same way
// the server binary layers config file < env < flags: an explicitly set
// field always wins over its environment variable, which wins over the
// default.
func resolveEnv(opts *Opts) {
	v := viper.New()
	v.AutomaticEnv()
	for _, key := range []string{
		"INNGEST_EVENT_KEY",
		"INNGEST_SIGNING_KEY",
		"INNGEST_SIGNING_KEY_FALLBACK",
		"INNGEST_ENV",
		"INNGEST_BASE_URL",
		"INNGEST_SERVE_HOST",
		"INNGEST_SERVE_PATH",
		"INNGEST_DEV",
		"INNGEST_LOG_LEVEL",
	} {
		v.BindEnv(key)
	}

	if opts.EventKey == "" {
		opts.EventKey = v.GetString("INNGEST_EVENT_KEY")
	}
	if opts.SigningKey == "" {
		opts.SigningKey = v.GetString("INNGEST_SIGNING_KEY")
	}
	if opts.SigningKeyFallback == "" {
		opts.SigningKeyFallback = v.GetString("INNGEST_SIGNING_KEY_FALLBACK")
	}
	if opts.Env == "" {
		opts.Env = v.GetString("INNGEST_ENV")
	}
	if opts.Dev == nil && v.IsSet("INNGEST_DEV") {
		dev := v.GetBool("INNGEST_DEV")
		opts.Dev = &dev
	}

	dev := opts.Dev != nil && *opts.Dev
	if opts.BaseURL == "" {
		opts.BaseURL = v.GetString("INNGEST_BASE_URL")
	}
	if opts.BaseURL == "" {
		if dev {
			opts.BaseURL = defaultDevBaseURL
		} else {
			opts.BaseURL = defaultCloudBaseURL
		}
	}
	if opts.ServeHost == "" {
		opts.ServeHost = v.GetString("INNGEST_SERVE_HOST")
	}
	if opts.ServeHost == "" {
		opts.ServeHost = defaultServeHost
	}
	if opts.ServePath == "" {
		opts.ServePath = v.GetString("INNGEST_SERVE_PATH")
	}
	if opts.ServePath == "" {
		opts.ServePath = defaultServePath
	}
	if opts.Framework == "" {
		opts.Framework = "http"
	}
	if opts.StepNotFoundTimeout <= 0 {
		opts.StepNotFoundTimeout = 10 * time.Second
	}
}
