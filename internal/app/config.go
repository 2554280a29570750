package app

import "time"

// Config holds runtime wiring options for building the app.
type Config struct {
	Home         string        // config directory, e.g. $HOME/.sipher
	ServerURL    string        // key server base URL, e.g. http://127.0.0.1:8080
	UserID       string        // local account owner
	SyncInterval time.Duration // periodic key check interval; zero disables
	Verbose      bool          // debug-level logging
}
