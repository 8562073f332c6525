package config

const (
	defaultCatalogURL         = "https://a.4cdn.org/{board}/catalog.json"
	defaultThreadURL          = "https://a.4cdn.org/{board}/thread"
	defaultMediaURL           = "https://i.4cdn.org"
	defaultBoard              = "vt"
	defaultRequestsPerSecond  = 1.0
	defaultHTTPTimeoutSeconds = 30

	defaultIntervalSeconds  = 60
	minIntervalSeconds      = 15
	defaultFetchConcurrency = 4

	defaultLocalPath  = "~/.local/share/otk-tracker"
	defaultSQLitePath = "~/.local/share/otk-tracker/state.db"
	defaultPort       = "8080"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Remote: Remote{
			CatalogURL:         defaultCatalogURL,
			ThreadURL:          defaultThreadURL,
			MediaURL:           defaultMediaURL,
			Board:              defaultBoard,
			RequestsPerSecond:  defaultRequestsPerSecond,
			HTTPTimeoutSeconds: defaultHTTPTimeoutSeconds,
		},
		Filter: Filter{Keywords: []string{"otk"}},
		Sync: Sync{
			IntervalSeconds:  defaultIntervalSeconds,
			Background:       true,
			FetchConcurrency: defaultFetchConcurrency,
		},
		Storage: Storage{
			Backend:    BackendLocal,
			LocalPath:  defaultLocalPath,
			SQLitePath: defaultSQLitePath,
		},
		Logging: Logging{Level: "info", Format: "auto"},
		Server:  Server{Port: defaultPort, ActionsPerMinute: 6},
	}
}
