package config

// SearchConfig contains the document search backend connection settings.
// The backend is an external Postgres with a full-text index; the core only
// reads from it.
type SearchConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	// MaxConns caps the connection pool size.
	MaxConns int `yaml:"max_conns"`
}

// DefaultSearchConfig returns the built-in search defaults.
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		DSN:      "postgres://localhost:5432/bmlibrarian",
		MaxConns: 4,
	}
}
