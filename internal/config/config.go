// Package config loads process-level configuration the way the control
// plane's cmd/proximityd entrypoint does: urfave/cli/v2 flags with
// environment fallbacks, a dual-scheme database DSN, and a startup check
// that refuses placeholder credentials (spec §6).
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

// placeholderCredential is the literal value spec §6 requires startup to
// reject wherever a real secret is expected.
const placeholderCredential = "change_me_in_production"

// Config is the fully resolved, validated process configuration.
type Config struct {
	Host string
	Port int

	DatabaseDriver string
	DatabaseDSN    string

	EtcdEndpoints []string

	HypervisorAPIAddress string
	HypervisorUser       string
	HypervisorTokenID    string
	HypervisorTokenSecret string

	SSHUser        string
	SSHKeyPath     string
	SSHPassword    string
	KnownHostsPath string

	AppSubnetCIDR    string
	DHCPRangeStart   string
	DHCPRangeEnd     string
	DNSDomain        string
	PublicPortMin    int
	PublicPortMax    int
	ContainerIDMin   int
	ContainerIDMax   int
	ApplianceCtID    int
	ApplianceBridge  string
	ApplianceHostNode string // Proxmox node the appliance container runs on; empty means "pick the first listed node"

	DefaultCPUCores int
	DefaultMemoryMB int
	DefaultDiskGB   int

	EncryptionKeyBase64 string

	RedisAddr string

	JWTIssuerURL string
	JWTAudience  string

	CatalogDir string

	S3Endpoint        string
	S3Bucket          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3UseSSL          bool

	SendGridAPIKey    string
	AlertFromEmail    string
	AlertOperatorCSV  string
	CORSOriginsCSV    string
}

// Flags returns the urfave/cli/v2 flag set shared by the server and
// appliance init subcommands (migrate declares its own flags). Every flag
// has a matching PROXIMITY_* env var.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "0.0.0.0", EnvVars: []string{"PROXIMITY_HOST"}},
		&cli.IntFlag{Name: "port", Value: 8080, EnvVars: []string{"PROXIMITY_PORT"}},
		&cli.StringFlag{Name: "database", Value: "sqlite://./data/proximity.db", EnvVars: []string{"PROXIMITY_DATABASE"}},
		&cli.StringSliceFlag{Name: "etcd-endpoints", EnvVars: []string{"PROXIMITY_ETCD_ENDPOINTS"}},

		&cli.StringFlag{Name: "hypervisor-api-address", EnvVars: []string{"PROXIMITY_HYPERVISOR_API_ADDRESS"}},
		&cli.StringFlag{Name: "hypervisor-user", Value: "root@pam", EnvVars: []string{"PROXIMITY_HYPERVISOR_USER"}},
		&cli.StringFlag{Name: "hypervisor-token-id", EnvVars: []string{"PROXIMITY_HYPERVISOR_TOKEN_ID"}},
		&cli.StringFlag{Name: "hypervisor-token-secret", Value: placeholderCredential, EnvVars: []string{"PROXIMITY_HYPERVISOR_TOKEN_SECRET"}},

		&cli.StringFlag{Name: "ssh-user", Value: "root", EnvVars: []string{"PROXIMITY_SSH_USER"}},
		&cli.StringFlag{Name: "ssh-key-path", EnvVars: []string{"PROXIMITY_SSH_KEY_PATH"}},
		&cli.StringFlag{Name: "ssh-password", EnvVars: []string{"PROXIMITY_SSH_PASSWORD"}},
		&cli.StringFlag{Name: "known-hosts-path", Value: "./data/known_hosts", EnvVars: []string{"PROXIMITY_KNOWN_HOSTS_PATH"}},

		&cli.StringFlag{Name: "app-subnet-cidr", Value: "10.20.0.0/24", EnvVars: []string{"PROXIMITY_APP_SUBNET_CIDR"}},
		&cli.StringFlag{Name: "dhcp-range-start", Value: "10.20.0.100", EnvVars: []string{"PROXIMITY_DHCP_RANGE_START"}},
		&cli.StringFlag{Name: "dhcp-range-end", Value: "10.20.0.250", EnvVars: []string{"PROXIMITY_DHCP_RANGE_END"}},
		&cli.StringFlag{Name: "dns-domain", Value: "prox.local", EnvVars: []string{"PROXIMITY_DNS_DOMAIN"}},
		&cli.IntFlag{Name: "public-port-min", Value: 30000, EnvVars: []string{"PROXIMITY_PUBLIC_PORT_MIN"}},
		&cli.IntFlag{Name: "public-port-max", Value: 40000, EnvVars: []string{"PROXIMITY_PUBLIC_PORT_MAX"}},
		&cli.IntFlag{Name: "container-id-min", Value: 200, EnvVars: []string{"PROXIMITY_CONTAINER_ID_MIN"}},
		&cli.IntFlag{Name: "container-id-max", Value: 9999, EnvVars: []string{"PROXIMITY_CONTAINER_ID_MAX"}},
		&cli.IntFlag{Name: "appliance-container-id", Value: 100, EnvVars: []string{"PROXIMITY_APPLIANCE_CONTAINER_ID"}},
		&cli.StringFlag{Name: "appliance-bridge", Value: "proximity-lan", EnvVars: []string{"PROXIMITY_APPLIANCE_BRIDGE"}},
		&cli.StringFlag{Name: "appliance-host-node", EnvVars: []string{"PROXIMITY_APPLIANCE_HOST_NODE"}, Usage: "Proxmox node the appliance container runs on; empty picks the first node returned by the hypervisor"},

		&cli.IntFlag{Name: "default-cpu-cores", Value: 1, EnvVars: []string{"PROXIMITY_DEFAULT_CPU_CORES"}},
		&cli.IntFlag{Name: "default-memory-mb", Value: 512, EnvVars: []string{"PROXIMITY_DEFAULT_MEMORY_MB"}},
		&cli.IntFlag{Name: "default-disk-gb", Value: 4, EnvVars: []string{"PROXIMITY_DEFAULT_DISK_GB"}},

		&cli.StringFlag{Name: "encryption-key", Value: placeholderCredential, EnvVars: []string{"PROXIMITY_ENCRYPTION_KEY"}},
		&cli.StringFlag{Name: "redis-addr", Value: "localhost:6379", EnvVars: []string{"PROXIMITY_REDIS_ADDR"}},

		&cli.StringFlag{Name: "jwt-issuer-url", EnvVars: []string{"PROXIMITY_JWT_ISSUER_URL"}},
		&cli.StringFlag{Name: "jwt-audience", EnvVars: []string{"PROXIMITY_JWT_AUDIENCE"}},

		&cli.StringFlag{Name: "catalog-dir", Value: "./catalog", EnvVars: []string{"PROXIMITY_CATALOG_DIR"}},

		&cli.StringFlag{Name: "s3-endpoint", EnvVars: []string{"PROXIMITY_S3_ENDPOINT"}},
		&cli.StringFlag{Name: "s3-bucket", Value: "proximity-backups", EnvVars: []string{"PROXIMITY_S3_BUCKET"}},
		&cli.StringFlag{Name: "s3-access-key-id", EnvVars: []string{"PROXIMITY_S3_ACCESS_KEY_ID"}},
		&cli.StringFlag{Name: "s3-secret-access-key", Value: placeholderCredential, EnvVars: []string{"PROXIMITY_S3_SECRET_ACCESS_KEY"}},
		&cli.StringFlag{Name: "s3-region", Value: "us-east-1", EnvVars: []string{"PROXIMITY_S3_REGION"}},
		&cli.BoolFlag{Name: "s3-use-ssl", Value: true, EnvVars: []string{"PROXIMITY_S3_USE_SSL"}},

		&cli.StringFlag{Name: "sendgrid-api-key", EnvVars: []string{"PROXIMITY_SENDGRID_API_KEY"}},
		&cli.StringFlag{Name: "alert-from-email", Value: "proximity@localhost", EnvVars: []string{"PROXIMITY_ALERT_FROM_EMAIL"}},
		&cli.StringFlag{Name: "alert-operators", EnvVars: []string{"PROXIMITY_ALERT_OPERATORS"}, Usage: "comma-separated operator email addresses"},
		&cli.StringFlag{Name: "cors-origins", Value: "http://localhost:5173", EnvVars: []string{"PROXIMITY_CORS_ORIGINS"}, Usage: "comma-separated allowed origins"},
	}
}

// Load resolves, parses, and validates configuration from a cli.Context.
func Load(c *cli.Context) (*Config, error) {
	driver, dsn, err := ParseDatabaseURL(c.String("database"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:           c.String("host"),
		Port:           c.Int("port"),
		DatabaseDriver: driver,
		DatabaseDSN:    dsn,
		EtcdEndpoints:  c.StringSlice("etcd-endpoints"),

		HypervisorAPIAddress: c.String("hypervisor-api-address"),
		HypervisorUser:       c.String("hypervisor-user"),
		HypervisorTokenID:    c.String("hypervisor-token-id"),
		HypervisorTokenSecret: c.String("hypervisor-token-secret"),

		SSHUser:        c.String("ssh-user"),
		SSHKeyPath:     c.String("ssh-key-path"),
		SSHPassword:    c.String("ssh-password"),
		KnownHostsPath: c.String("known-hosts-path"),

		AppSubnetCIDR:   c.String("app-subnet-cidr"),
		DHCPRangeStart:  c.String("dhcp-range-start"),
		DHCPRangeEnd:    c.String("dhcp-range-end"),
		DNSDomain:       c.String("dns-domain"),
		PublicPortMin:   c.Int("public-port-min"),
		PublicPortMax:   c.Int("public-port-max"),
		ContainerIDMin:  c.Int("container-id-min"),
		ContainerIDMax:  c.Int("container-id-max"),
		ApplianceCtID:     c.Int("appliance-container-id"),
		ApplianceBridge:   c.String("appliance-bridge"),
		ApplianceHostNode: c.String("appliance-host-node"),

		DefaultCPUCores: c.Int("default-cpu-cores"),
		DefaultMemoryMB: c.Int("default-memory-mb"),
		DefaultDiskGB:   c.Int("default-disk-gb"),

		EncryptionKeyBase64: c.String("encryption-key"),
		RedisAddr:           c.String("redis-addr"),

		JWTIssuerURL: c.String("jwt-issuer-url"),
		JWTAudience:  c.String("jwt-audience"),

		CatalogDir: c.String("catalog-dir"),

		S3Endpoint:        c.String("s3-endpoint"),
		S3Bucket:          c.String("s3-bucket"),
		S3AccessKeyID:     c.String("s3-access-key-id"),
		S3SecretAccessKey: c.String("s3-secret-access-key"),
		S3Region:          c.String("s3-region"),
		S3UseSSL:          c.Bool("s3-use-ssl"),

		SendGridAPIKey:   c.String("sendgrid-api-key"),
		AlertFromEmail:   c.String("alert-from-email"),
		AlertOperatorCSV: c.String("alert-operators"),
		CORSOriginsCSV:   c.String("cors-origins"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects placeholder credentials and obviously inconsistent
// ranges (spec §6, §9 open question 4).
func (c *Config) Validate() error {
	placeholders := map[string]string{
		"hypervisor-token-secret": c.HypervisorTokenSecret,
		"encryption-key":          c.EncryptionKeyBase64,
	}
	for name, value := range placeholders {
		if value == placeholderCredential || value == "" {
			return fmt.Errorf("config: %s must be set to a real value (refusing placeholder/empty credential)", name)
		}
	}

	if _, _, err := net.ParseCIDR(c.AppSubnetCIDR); err != nil {
		return fmt.Errorf("config: invalid app-subnet-cidr %q: %w", c.AppSubnetCIDR, err)
	}

	if c.PublicPortMin >= c.PublicPortMax {
		return fmt.Errorf("config: public-port-min must be less than public-port-max")
	}
	if c.ContainerIDMin >= c.ContainerIDMax {
		return fmt.Errorf("config: container-id-min must be less than container-id-max")
	}
	if c.ApplianceCtID < 100 {
		return fmt.Errorf("config: appliance-container-id %d is below the hypervisor's minimum container id 100", c.ApplianceCtID)
	}
	if c.ApplianceCtID >= c.ContainerIDMin && c.ApplianceCtID <= c.ContainerIDMax {
		return fmt.Errorf("config: appliance-container-id %d must fall outside [container-id-min, container-id-max]", c.ApplianceCtID)
	}

	return nil
}

// ParseDatabaseURL parses a sqlite:// or postgresql:// DSN into an
// ent-compatible driver name and connection string, following the
// teacher's parseDatabase exactly (including sqlite directory creation and
// the `?_fk=1` foreign-key pragma).
func ParseDatabaseURL(dbURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(dbURL, "sqlite://"):
		driver = "sqlite3"
		dsn = strings.TrimPrefix(dbURL, "sqlite://")

		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", "", fmt.Errorf("config: creating database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_fk=1"
		}
		return driver, dsn, nil

	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		return "postgres", dbURL, nil

	default:
		return "", "", fmt.Errorf("config: unsupported database URL %q (use sqlite:// or postgresql://)", dbURL)
	}
}
