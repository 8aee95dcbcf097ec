package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"proximity/internal/alert"
	"proximity/internal/alert/channel"
	"proximity/internal/allocator"
	"proximity/internal/api"
	"proximity/internal/appliance"
	"proximity/internal/auth"
	"proximity/internal/backup"
	s3 "proximity/internal/backupstore"
	"proximity/internal/catalog"
	"proximity/internal/config"
	"proximity/internal/ent"
	_ "proximity/internal/ent/runtime"
	"proximity/internal/etcd"
	"proximity/internal/hypervisor"
	"proximity/internal/jobqueue"
	"proximity/internal/lifecycle"
	"proximity/internal/logger"
	"proximity/internal/orchestrator"
	"proximity/internal/proxy"
	"proximity/internal/secrets"
	"proximity/internal/sshexec"
	"proximity/internal/worker"
)

func main() {
	app := &cli.App{
		Name:    "proximityd",
		Usage:   "Proximity control plane - deploy and operate containerized applications on Proxmox VE",
		Version: "0.1.0",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "Start the control plane server",
				Flags:  config.Flags(),
				Action: runServer,
			},
			{
				Name:  "migrate",
				Usage: "Run database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "database",
						Usage:   "Database connection string (sqlite://path/to/db.sqlite or postgresql://...)",
						Value:   "sqlite://./data/proximity.db",
						EnvVars: []string{"PROXIMITY_DATABASE"},
					},
				},
				Action: runMigrate,
			},
			{
				Name: "appliance",
				Usage: "Network appliance maintenance operations",
				Subcommands: []*cli.Command{
					{
						Name:   "init",
						Usage:  "Bootstrap the network appliance container without starting the API server",
						Flags:  config.Flags(),
						Action: runApplianceInit,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// core bundles the infrastructure common to both "server" and
// "appliance init": the database connection, remote-exec substrate,
// hypervisor driver, and optional distributed-lock/alert backends.
type core struct {
	cfg               *config.Config
	client            *ent.Client
	exec              *sshexec.Executor
	driver            *hypervisor.Driver
	applianceHostNode string
	etcdCli           *etcd.Client
	alerter           *alert.Dispatcher
}

func buildCore(ctx context.Context, c *cli.Context) (*core, error) {
	cfg, err := config.Load(c)
	if err != nil {
		return nil, err
	}

	if err := secrets.Init(cfg.EncryptionKeyBase64); err != nil {
		return nil, fmt.Errorf("initializing field encryption: %w", err)
	}

	client, err := ent.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, ent.Log(logger.EntAdapterFromContext(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed opening connection to %s: %w", cfg.DatabaseDriver, err)
	}

	if err := client.Schema.Create(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed creating schema resources: %w", err)
	}

	// Remote execution substrate (spec §4.1). One SSH credential set is
	// shared across every Proxmox node in the cluster; nodes are registered
	// under the name the hypervisor API reports for them, since that's the
	// value the Best-Node heuristic and every container-exec call key on.
	exec := sshexec.New()

	driver := hypervisor.New(hypervisor.Config{
		APIAddress:  cfg.HypervisorAPIAddress,
		TokenID:     cfg.HypervisorTokenID,
		TokenSecret: cfg.HypervisorTokenSecret,
		Timeout:     30 * time.Second,
	})

	nodes, err := driver.ListNodes(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("listing hypervisor nodes: %w", err)
	}
	if len(nodes) == 0 {
		client.Close()
		return nil, fmt.Errorf("hypervisor reported zero nodes, cannot continue")
	}
	for _, n := range nodes {
		exec.RegisterHost(n.Node, sshexec.HostConfig{
			Address:        n.Node + ":22",
			User:           cfg.SSHUser,
			KeyPath:        cfg.SSHKeyPath,
			Password:       cfg.SSHPassword,
			KnownHostsPath: cfg.KnownHostsPath,
		})
	}

	applianceHostNode := cfg.ApplianceHostNode
	if applianceHostNode == "" {
		applianceHostNode = nodes[0].Node
	}

	var etcdCli *etcd.Client
	if len(cfg.EtcdEndpoints) > 0 {
		etcdCli, err = etcd.NewClient(etcd.Config{Endpoints: cfg.EtcdEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to etcd: %w", err)
		}
	}

	var alertChannel channel.Channel
	if cfg.SendGridAPIKey != "" {
		alertChannel, err = channel.NewSendGridChannel(channel.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.AlertFromEmail,
			FromName:  "Proximity Control Plane",
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("configuring sendgrid alert channel: %w", err)
		}
	}
	alerter := alert.New(alertChannel, splitCSV(cfg.AlertOperatorCSV))

	return &core{
		cfg:               cfg,
		client:            client,
		exec:              exec,
		driver:            driver,
		applianceHostNode: applianceHostNode,
		etcdCli:           etcdCli,
		alerter:           alerter,
	}, nil
}

func runApplianceInit(c *cli.Context) error {
	ctx := context.Background()
	ctx, zlog := logger.PrepareLogger(ctx)
	defer func() { _ = logger.Sync(ctx) }()

	co, err := buildCore(ctx, c)
	if err != nil {
		return err
	}
	defer co.client.Close()

	applianceMgr := appliance.New(appliance.Config{
		HostName:      co.applianceHostNode,
		ApplianceCtID: co.cfg.ApplianceCtID,
		Bridge:        co.cfg.ApplianceBridge,
		Subnet:        co.cfg.AppSubnetCIDR,
		LANIP:         strings.TrimSuffix(co.cfg.DHCPRangeStart, ".100") + ".1",
		DHCPStart:     co.cfg.DHCPRangeStart,
		DHCPEnd:       co.cfg.DHCPRangeEnd,
		DNSDomain:     co.cfg.DNSDomain,
		ProxyEngine:   "caddy",
		EtcdEndpoints: co.cfg.EtcdEndpoints,
	}, co.exec, co.driver, co.etcdCli, co.alerter)

	info, err := applianceMgr.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping network appliance: %w", err)
	}

	zlog.Info("network appliance bootstrapped",
		zap.Int("container_id", info.ContainerID),
		zap.String("lan_ip", info.LANIP),
		zap.String("subnet", info.Subnet),
		zap.String("host_node", co.applianceHostNode),
	)
	return nil
}

func runServer(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	ctx, zlog := logger.PrepareLogger(ctx)
	defer func() { _ = logger.Sync(ctx) }()

	co, err := buildCore(ctx, c)
	if err != nil {
		return err
	}
	client := co.client
	defer client.Close()
	exec := co.exec
	driver := co.driver
	cfg := co.cfg
	applianceHostNode := co.applianceHostNode
	etcdCli := co.etcdCli
	alerter := co.alerter

	allocCfg := allocator.Config{
		ContainerIDMin: cfg.ContainerIDMin,
		ContainerIDMax: cfg.ContainerIDMax,
		PortMin:        cfg.PublicPortMin,
		PortMax:        cfg.PublicPortMax,
		ApplianceHost:  applianceHostNode,
		ApplianceCtID:  cfg.ApplianceCtID,
		LeaseFilePath:  "/var/lib/misc/dnsmasq.leases",
	}
	alloc := allocator.New(driver, client, exec, allocCfg)
	if err := alloc.ValidateRangeAgainstExisting(ctx); err != nil {
		return fmt.Errorf("validating allocator ranges: %w", err)
	}

	proxyMgr := proxy.New(proxy.Config{
		HostName:      applianceHostNode,
		ApplianceCtID: cfg.ApplianceCtID,
		DNSDomain:     cfg.DNSDomain,
		SitesDir:      "/etc/caddy/sites-enabled",
	}, exec, alerter)

	lanIP := strings.TrimSuffix(cfg.DHCPRangeStart, ".100") + ".1"
	applianceMgr := appliance.New(appliance.Config{
		HostName:      applianceHostNode,
		ApplianceCtID: cfg.ApplianceCtID,
		Bridge:        cfg.ApplianceBridge,
		Subnet:        cfg.AppSubnetCIDR,
		LANIP:         lanIP,
		DHCPStart:     cfg.DHCPRangeStart,
		DHCPEnd:       cfg.DHCPRangeEnd,
		DNSDomain:     cfg.DNSDomain,
		ProxyEngine:   "caddy",
		EtcdEndpoints: cfg.EtcdEndpoints,
	}, exec, driver, etcdCli, alerter)

	if _, err := applianceMgr.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping network appliance: %w", err)
	}

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("loading application catalog: %w", err)
	}

	// Backup subsystem (spec §3): an external collaborator the core only
	// touches for metadata rows and presigned download URLs. The object
	// store is optional; with none configured, backupMgr still lists rows
	// but DownloadURL always fails informatively.
	var s3Client *s3.Client
	if cfg.S3Endpoint != "" {
		s3Client, err = s3.NewClient(&s3.Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			return fmt.Errorf("configuring backup object store: %w", err)
		}
	}
	backupMgr := backup.New(client, s3Client)

	orch := orchestrator.New(client, cat, driver, alloc, exec, proxyMgr, orchestrator.Config{
		Template:              "local:vztmpl/debian-12-standard_12.2-1_amd64.tar.zst",
		WANBridge:             "vmbr0",
		AppBridge:             cfg.ApplianceBridge,
		RuntimeInstallTimeout: 5 * time.Minute,
		DHCPWaitTimeout:       2 * time.Minute,
		StackStartTimeout:     3 * time.Minute,
	})
	lc := lifecycle.New(client, driver, proxyMgr, alloc, cfg.DNSDomain)

	var queue *jobqueue.Queue
	if cfg.RedisAddr != "" {
		redisURL := cfg.RedisAddr
		if !strings.Contains(redisURL, "://") {
			redisURL = "redis://" + redisURL
		}
		queue, err = jobqueue.New(ctx, jobqueue.Config{RedisURL: redisURL})
		if err != nil {
			return fmt.Errorf("connecting to redis job queue: %w", err)
		}
		pool := worker.New(queue, orch, lc)
		go pool.Run(ctx)
	}

	verifier, err := auth.NewVerifier(ctx, auth.VerifierConfig{IssuerURL: cfg.JWTIssuerURL, Audience: cfg.JWTAudience})
	if err != nil {
		return fmt.Errorf("initializing bearer token verifier: %w", err)
	}

	router := api.NewRouter(api.Deps{
		Client:       client,
		Orchestrator: orch,
		Lifecycle:    lc,
		Allocator:    alloc,
		Driver:       driver,
		Appliance:    applianceMgr,
		Catalog:      cat,
		Queue:        queue,
		Verifier:     verifier,
		Backup:       backupMgr,
		CORSOrigins:  splitCSV(cfg.CORSOriginsCSV),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	zlog.Info("proximity control plane starting",
		zap.String("database", cfg.DatabaseDriver),
		zap.String("addr", addr),
		zap.String("appliance_host_node", applianceHostNode),
		zap.Bool("distributed", etcdCli != nil),
		zap.Bool("job_queue", queue != nil),
	)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http server shutdown error", zap.Error(err))
	}

	zlog.Info("proximity control plane stopped")
	return nil
}

func runMigrate(c *cli.Context) error {
	ctx := context.Background()

	driver, dsn, err := config.ParseDatabaseURL(c.String("database"))
	if err != nil {
		return err
	}

	client, err := ent.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed opening connection to %s: %w", driver, err)
	}
	defer client.Close()

	log.Printf("running database migrations on %s...", driver)
	if err := client.Schema.Create(ctx); err != nil {
		return fmt.Errorf("failed creating schema resources: %w", err)
	}

	log.Println("migrations completed")
	return nil
}

// splitCSV splits a comma-separated flag value, trimming whitespace and
// dropping empty entries. Used for both alert operator emails and CORS
// origins, which share the same "unset means empty/default" shape.
func splitCSV(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
