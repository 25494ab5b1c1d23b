// Command admintoken mints a bearer token for the cache proxy admin API,
// signed with the admin auth settings of a config file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/dskow/cacheproxy/internal/auth"
	"github.com/dskow/cacheproxy/internal/config"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/cacheproxy.yaml", "path to configuration file")
	subject := pflag.StringP("subject", "s", "operator", "token subject")
	ttl := pflag.DurationP("ttl", "t", time.Hour, "token lifetime")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	authCfg := cfg.Admin.Auth
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		authCfg.JWTSecret = secret
	}

	token, err := auth.Mint(authCfg, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(token)
}
