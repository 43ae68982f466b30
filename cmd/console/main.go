// console is an interactive shell over the governance pipeline. Each line is
// run as a free-text operational command for the configured actor; built-in
// commands (prefixed with ":") expose rollback, stats, history, and the audit
// trail.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	auditdomain "campusiq-governance/internal/audit/domain"
	auditrepo "campusiq-governance/internal/audit/repository"
	auditservice "campusiq-governance/internal/audit/service"
	"campusiq-governance/internal/config"
	"campusiq-governance/internal/db"
	"campusiq-governance/internal/entitystore"
	"campusiq-governance/internal/gate"
	"campusiq-governance/internal/intent"
	"campusiq-governance/internal/intent/oracle"
	"campusiq-governance/internal/ops/domain"
	opsrepo "campusiq-governance/internal/ops/repository"
	opsservice "campusiq-governance/internal/ops/service"
	"campusiq-governance/internal/risk"
	"campusiq-governance/internal/telemetry/otel"
)

func main() {
	userID := flag.Int64("user", 1, "acting user id")
	role := flag.String("role", domain.RoleAdmin, "acting role: student, faculty, or admin")
	department := flag.Int64("department", 0, "acting user's home department id (0 = none)")
	module := flag.String("module", "nlp", "governance module for free-text commands")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.OTLPServiceName, false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	var oracleClient intent.Oracle
	if keys := cfg.LLMAPIKeyList(); cfg.LLMAPIURL != "" && len(keys) > 0 {
		oracleClient = oracle.NewClient(oracle.Config{
			URL:        cfg.LLMAPIURL,
			Model:      cfg.LLMModel,
			APIKeys:    keys,
			MaxRetries: cfg.LLMMaxRetries,
			RetryDelay: cfg.RetryDelay(),
			Timeout:    cfg.Timeout(),
		})
	} else {
		log.Println("console: intent oracle not configured, using keyword fallback")
	}

	entities := entitystore.New(conn)
	authz, err := gate.New(entities)
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	plans := opsrepo.NewPostgresRepository(conn)
	auditRepo := auditrepo.NewPostgresRepository(conn)
	emitter := otel.NewEventEmitter(providers.LoggerProvider)
	auditSvc := auditservice.NewService(auditRepo, emitter)
	txFactory := opsservice.NewSQLTxFactory(conn, plans, auditRepo, emitter)

	engine := opsservice.NewEngine(
		opsservice.Config{
			ConfidenceThreshold: cfg.OpsConfidenceThreshold,
			MaxResultRows:       cfg.OpsMaxResultRows,
		},
		intent.NewExtractor(oracleClient),
		authz,
		risk.NewClassifier(cfg.OpsHighRiskImpactThreshold),
		entities,
		plans,
		auditSvc,
		txFactory,
	)

	actor := domain.Actor{UserID: *userID, Role: *role, HomeDepartmentID: *department}
	fmt.Printf("campusiq governance console (user=%d role=%s module=%s)\n", actor.UserID, actor.Role, *module)
	fmt.Println(`type a command, or :rollback <execution_id>, :stats, :history, :audit, :quit`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == ":quit" || line == ":q" {
			break
		}

		switch {
		case strings.HasPrefix(line, ":rollback "):
			executionID := strings.TrimSpace(strings.TrimPrefix(line, ":rollback"))
			result, err := engine.Rollback(ctx, actor, executionID)
			report(result, err)

		case line == ":stats":
			stats, err := engine.Stats(ctx)
			report(stats, err)

		case line == ":history":
			history, err := engine.History(ctx, actor, 20)
			report(history, err)

		case line == ":audit":
			events, err := auditSvc.History(ctx, actor, auditdomain.Filter{})
			report(events, err)

		default:
			result, err := engine.Execute(ctx, actor, *module, line)
			report(result, err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("console: read stdin: %v", err)
	}
}

func report(v interface{}, err error) {
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(out))
}
