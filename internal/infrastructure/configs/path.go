package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/relay/internal/infrastructure/env"
)

var candidatePaths = []string{
	"./config.yaml",
	"./config.yml",
	"./tmp/config.yaml",
	"../../config.yaml", // keep for local dev
	"/etc/relay/config.yaml",
	"/app/config.yaml", // common in Docker
}

var configFlag = flag.String("config", "", "path to config file")

// DetermineConfigPath resolves the config file from --config, RELAY_CONFIG or
// the first candidate that exists. An empty result means defaults plus env.
func DetermineConfigPath() string {
	if !flag.Parsed() {
		flag.Parse()
	}

	configPath := *configFlag

	if configPath == "" {
		configPath = env.GetString("RELAY_CONFIG", "")
	}

	if configPath == "" {
		configPath = firstExisting(candidatePaths)
	}

	return configPath
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
