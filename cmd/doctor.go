package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/sessions"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goattend doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	masked := cfg.MaskedCopy()
	fmt.Println()
	fmt.Println("  Secrets:")
	fmt.Printf("    %-12s %s\n", "Gateway:", orUnset(masked.Gateway.Token))
	fmt.Printf("    %-12s %s\n", "Connector:", orUnset(masked.Connector.Token))
	fmt.Printf("    %-12s %s\n", "Bot key:", orUnset(masked.Bot.APIKey))

	fmt.Println()
	fmt.Println("  Database:")
	if !cfg.IsManagedMode() {
		fmt.Printf("    %-12s standalone (in-memory, %d channels seeded)\n", "Mode:", len(cfg.Directory.Channels))
	} else {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkPostgres(ctx, cfg.Database.PostgresDSN)
	}

	fmt.Println()
	fmt.Println("  Sessions:")
	fmt.Printf("    %-12s %s\n", "Backend:", sessionBackend(cfg))
	if sessionBackend(cfg) == "redis" {
		checkRedis(ctx, cfg.Sessions.RedisURL)
	}

	fmt.Println()
	fmt.Println("  Collaborators:")
	checkEndpoint(ctx, "Connector:", cfg.Connector.URL)
	botURL := cfg.Bot.URL
	if cfg.Bot.Provider == "none" {
		botURL = ""
	}
	checkEndpoint(ctx, "Bot:", botURL)
	checkEndpoint(ctx, "Export:", cfg.Export.URL)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkPostgres(ctx context.Context, dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")

	m, err := newMigrator(dsn)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	defer m.Close()
	v, dirty, err := m.Version()
	switch {
	case err == migrate.ErrNilVersion:
		fmt.Printf("    %-12s empty (run: goattend migrate up)\n", "Schema:")
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: goattend migrate force %d)\n", "Schema:", v, v-1)
	default:
		fmt.Printf("    %-12s v%d\n", "Schema:", v)
	}
}

func checkRedis(ctx context.Context, redisURL string) {
	if redisURL == "" {
		fmt.Printf("    %-12s GOATTEND_REDIS_URL not set\n", "Status:")
		return
	}
	s, err := sessions.NewRedisStore(ctx, redisURL)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "Status:", err)
		return
	}
	s.Close()
	fmt.Printf("    %-12s OK\n", "Status:")
}

// checkEndpoint reports whether the collaborator's host accepts TCP connections.
func checkEndpoint(ctx context.Context, label, raw string) {
	if raw == "" {
		fmt.Printf("    %-12s (not configured)\n", label)
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		fmt.Printf("    %-12s INVALID URL %q\n", label, raw)
		return
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https", "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		fmt.Printf("    %-12s %s UNREACHABLE (%s)\n", label, u.Redacted(), err)
		return
	}
	conn.Close()
	fmt.Printf("    %-12s %s OK\n", label, u.Redacted())
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
