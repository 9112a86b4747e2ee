package config

const (
	defaultLogDir             = "~/.local/share/chorus/logs"
	defaultDataDir            = "~/.local/share/chorus/data"
	defaultAPIBind            = "127.0.0.1:8452"
	defaultMaxConcurrency     = 4
	defaultQueueDepth         = 64
	defaultSyncTimeout        = 120
	defaultFetchTimeout       = 120
	defaultFetchMaxBytes      = 512 << 20
	defaultFetchMaxAttempts   = 3
	defaultDiarizerBaseURL    = "http://127.0.0.1:8388"
	defaultDiarizerTimeout    = 300
	defaultTranscriberBaseURL = "http://127.0.0.1:8390"
	defaultTranscriberModel   = "base"
	defaultTranscriberLang    = "en"
	defaultTranscriberTimeout = 300
	defaultMatcherTimeout     = 60
	defaultWebhookAttempts    = 3
	defaultWebhookTimeout     = 30
	defaultWebhookWorkers     = 2
	defaultWebhookQueueDepth  = 128
	defaultStoreBackend       = "memory"
	defaultRetentionDays      = 7
	defaultGCInterval         = 3600
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
)

func defaultStages() []string {
	return []string{"diarize", "transcribe", "align"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LogDir:  defaultLogDir,
			DataDir: defaultDataDir,
			APIBind: defaultAPIBind,
		},
		Pipeline: Pipeline{
			MaxConcurrency: defaultMaxConcurrency,
			QueueDepth:     defaultQueueDepth,
			SyncTimeout:    defaultSyncTimeout,
			DefaultStages:  defaultStages(),
		},
		Fetch: Fetch{
			Timeout:     defaultFetchTimeout,
			MaxBytes:    defaultFetchMaxBytes,
			MaxAttempts: defaultFetchMaxAttempts,
		},
		Diarizer: Diarizer{
			BaseURL: defaultDiarizerBaseURL,
			Timeout: defaultDiarizerTimeout,
		},
		Transcriber: Transcriber{
			BaseURL:  defaultTranscriberBaseURL,
			Model:    defaultTranscriberModel,
			Language: defaultTranscriberLang,
			Timeout:  defaultTranscriberTimeout,
		},
		Matcher: Matcher{
			Timeout: defaultMatcherTimeout,
		},
		Webhook: Webhook{
			MaxAttempts:    defaultWebhookAttempts,
			RequestTimeout: defaultWebhookTimeout,
			Workers:        defaultWebhookWorkers,
			QueueDepth:     defaultWebhookQueueDepth,
		},
		Store: Store{
			Backend:       defaultStoreBackend,
			RetentionDays: defaultRetentionDays,
			GCInterval:    defaultGCInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
