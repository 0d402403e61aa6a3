package params

import (
	"os"

	"github.com/joho/godotenv"
)

type Node struct {
	// DataDir holds the Pebble database with order books and token accounts.
	DataDir string
	// APIAddr is the REST/WebSocket listen address.
	APIAddr string
	// JournalPath is the best-effort order log file ("" disables it).
	JournalPath string
	// LogFile receives structured logs alongside stdout.
	LogFile string
}

type Config struct {
	Node Node
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:     "data/escrow.db",
			APIAddr:     ":8080",
			JournalPath: "data/orders.log",
			LogFile:     "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("ESCROW_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("ORDER_JOURNAL_FILE"); v != "" {
		cfg.Node.JournalPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}
