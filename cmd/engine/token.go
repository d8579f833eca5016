package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/xela07ax/voca-engine/internal/infra"
	"github.com/xela07ax/voca-engine/internal/infra/auth"
)

// issueToken - подкоманда "token": выдает bearer-токен вызывающему сервису.
// Секрет берется из того же конфига, что и у сервера.
func issueToken(args []string) error {
	fs := pflag.NewFlagSet("voca-engine token", pflag.ContinueOnError)
	fs.String("config", "", "path to config file")
	subject := fs.String("subject", "", "calling service name")
	vendor := fs.String("vendor", "", "restrict token to a vendor")
	scopes := fs.StringSlice("scopes", []string{"agents.read"}, "granted scopes: agents.read, agents.write, messages.route, admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	v, err := auth.NewBaseValidator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	tok, err := v.IssueToken(*subject, *vendor, *scopes, *ttl)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   int64(ttl.Seconds()),
	})
}
