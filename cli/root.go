// Package cli provides the daemon's command-line interface and orchestrates
// the full OIP indexer lifecycle: configuration, the Elasticsearch/Redis/
// Postgres clients, the Template Registry, Reference Resolver, Deletion
// Registry, both sync loops, and the HTTP Query Surface, with graceful
// shutdown on SIGINT/SIGTERM.
//
// It follows the teacher's cli/root.go shape verbatim: a single cobra root
// command, viper-bound persistent flags with automatic environment variable
// mapping, and one runServer function that wires every service and starts
// the Echo HTTP server in a background goroutine.
package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/dustin/go-humanize"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/labstack/echo/v4"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oipwg/oipd/api"
	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
	"github.com/oipwg/oipd/internal/arweave"
	"github.com/oipwg/oipd/internal/cache"
	"github.com/oipwg/oipd/internal/deletion"
	"github.com/oipwg/oipd/internal/gunsync"
	"github.com/oipwg/oipd/internal/health"
	"github.com/oipwg/oipd/internal/media"
	"github.com/oipwg/oipd/internal/oiptemplate"
	"github.com/oipwg/oipd/internal/oiptypes"
	"github.com/oipwg/oipd/internal/ownership"
	"github.com/oipwg/oipd/internal/projection"
	"github.com/oipwg/oipd/internal/resolver"
	"github.com/oipwg/oipd/internal/secretstore"
	"github.com/oipwg/oipd/security"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag; empty means search the default locations.
var cfgFile string

// RootCmd is the daemon's single command: load configuration, wire every
// component, serve.
var RootCmd = &cobra.Command{
	Use:   "oipd",
	Short: "federated OIP content-indexing daemon",
	Long: `oipd indexes signed records from Arweave and GUN into Elasticsearch,
replicates new GUN records to a whitelisted peer set, applies deletions
observed from either backend, and serves the HTTP query surface records,
templates, and media manifests are written and read through.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.oipd.yaml)")

	RootCmd.PersistentFlags().String("port", "8080", "HTTP server port")
	RootCmd.PersistentFlags().String("elasticsearch-host", "http://localhost:9200", "Elasticsearch base URL")
	RootCmd.PersistentFlags().String("elasticsearch-index", "oip-records", "Elasticsearch records index name")
	RootCmd.PersistentFlags().String("redis-url", "localhost:6379", "Redis address for the Arweave height cache")
	RootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres DSN for the local encrypted-secrets store")
	RootCmd.PersistentFlags().String("arweave-gateway-primary", "https://arweave.net", "Primary Arweave gateway base URL")
	RootCmd.PersistentFlags().String("arweave-gateway-fallback", "", "Fallback Arweave gateway base URL")
	RootCmd.PersistentFlags().String("gun-peers", "", "comma-separated whitelist of GUN peer URLs")
	RootCmd.PersistentFlags().String("gun-home-peer", "", "whitelisted GUN peer this node publishes new records to")
	RootCmd.PersistentFlags().Int("resolve-depth-max", 5, "maximum dref resolution depth the HTTP surface honors")
	RootCmd.PersistentFlags().Int("cache-max-entries", 50000, "resolver LRU+TTL cache capacity")
	RootCmd.PersistentFlags().Int("cache-ttl-ms", 600000, "resolver cache entry TTL in milliseconds")
	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT signing secret for the HTTP query surface")
	RootCmd.PersistentFlags().String("public-api-base-url", "", "this node's public-facing base URL")
	RootCmd.PersistentFlags().String("admin-base-domain", "", "email domain granted the admin-override deletion gate")
	RootCmd.PersistentFlags().String("node-wallet-public-key", "", "this node's own wallet public key, for the admin-override gate")
	RootCmd.PersistentFlags().String("server-private-key", "", "hex-encoded secp256k1 key this node signs records with")
	RootCmd.PersistentFlags().String("server-creator-did", "", "creator DID the node signs records under")
	RootCmd.PersistentFlags().String("media-s3-bucket", "", "S3 bucket backing the media HTTP-mirror hint producer")
	RootCmd.PersistentFlags().String("media-public-url-prefix", "", "public URL prefix served media objects are reachable under")
	RootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error, fatal")
	RootCmd.PersistentFlags().String("log-format", "text", "log output format: text or json")

	for _, name := range []string{
		"port", "elasticsearch-host", "elasticsearch-index", "redis-url", "postgres-dsn",
		"arweave-gateway-primary", "arweave-gateway-fallback", "gun-peers", "gun-home-peer",
		"resolve-depth-max", "cache-max-entries", "cache-ttl-ms", "jwt-secret",
		"public-api-base-url", "admin-base-domain", "node-wallet-public-key",
		"server-private-key", "server-creator-did", "media-s3-bucket", "media-public-url-prefix",
		"log-level", "log-format",
	} {
		viper.BindPFlag(name, RootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig wires viper's config-file search and OIP_-prefixed environment
// variable binding (SPEC_FULL.md §10.3).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".oipd")
	}

	viper.SetEnvPrefix("OIP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// projectorFetcher adapts the Elasticsearch Projection's local-index lookup
// to resolver.Fetcher. A cache miss here is a genuine 404: this node fetches
// every record it observes directly from C6/C7 as the record is processed,
// so resolution against a DID no sync loop has indexed yet is not retried
// against the owning backend out-of-band.
type projectorFetcher struct {
	proj *projection.Projector
}

func (f projectorFetcher) Fetch(ctx context.Context, did string) (oiptypes.Record, error) {
	rec, found, err := f.proj.GetRecord(ctx, did)
	if err != nil {
		return oiptypes.Record{}, err
	}
	if !found {
		return oiptypes.Record{}, resolver.ErrNotFound
	}
	return rec, nil
}

func runServer(cmd *cobra.Command, args []string) {
	loggerCfg := common.DefaultLoggerConfig()
	loggerCfg.Level = common.LogLevel(viper.GetString("log-level"))
	loggerCfg.Format = viper.GetString("log-format")
	loggerCfg.Service = "oipd"
	loggerCfg.Version = "0.1.0"
	common.Logger = common.NewLogger(loggerCfg)
	log := common.ServiceLogger("oipd", "0.1.0")
	entry := logrus.NewEntry(common.Logger).WithField("service", "oipd")

	gunPeers := splitNonEmpty(viper.GetString("gun-peers"))
	if err := config.Validate(config.Settings{
		ElasticsearchHost: viper.GetString("elasticsearch-host"),
		ResolveDepthMax:   viper.GetInt("resolve-depth-max"),
		CacheMaxEntries:   viper.GetInt("cache-max-entries"),
		CacheTTLMS:        viper.GetInt("cache-ttl-ms"),
		GunPeers:          gunPeers,
		GunHomePeer:       viper.GetString("gun-home-peer"),
		AdminBaseDomain:   viper.GetString("admin-base-domain"),
		NodeWalletPubKey:  viper.GetString("node-wallet-public-key"),
	}); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log = log.WithContext(ctx)

	esClient, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{viper.GetString("elasticsearch-host")},
	})
	if err != nil {
		log.Fatalf("build elasticsearch client: %v", err)
	}
	projector := projection.New(esClient, viper.GetString("elasticsearch-index"), entry.WithField("component", "projection"))
	if err := projector.EnsureIndex(ctx); err != nil {
		log.Fatalf("ensure elasticsearch index: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: viper.GetString("redis-url")})
	heightCache := arweave.NewHeightCache(redisClient, entry.WithField("component", "heightcache"))

	var secrets *secretstore.Store
	if dsn := viper.GetString("postgres-dsn"); dsn != "" {
		secrets, err = secretstore.Open(dsn)
		if err != nil {
			log.Fatalf("open secret store: %v", err)
		}
	} else {
		log.Warn("no postgres-dsn configured: HD wallet secrets and GUN salts are unavailable this run")
	}
	salts := secretstore.NewDecryptedSaltCache()

	templates := oiptemplate.New(projector, projector, entry.WithField("component", "templates"))
	if err := templates.LoadFromStore(ctx); err != nil {
		log.Fatalf("load templates: %v", err)
	}

	healthTracker := health.NewTracker()
	gatewayClient := arweave.NewGatewayClient(
		viper.GetString("arweave-gateway-primary"),
		viper.GetString("arweave-gateway-fallback"),
	)
	failedSet := cache.NewPermanentFailureSet(50000)
	localSouls := gunsync.NewLocalGunSouls()

	override := ownership.AdminOverride{
		BaseDomain:          viper.GetString("admin-base-domain"),
		NodeWalletPublicKey: viper.GetString("node-wallet-public-key"),
	}
	var emailLookup deletion.EmailDomainLookup
	if secrets != nil {
		emailLookup = secrets.EmailDomainLookup
	}
	deletionRegistry := deletion.New(projector, projector, localSouls, emailLookup, override, entry.WithField("component", "deletion"))

	whitelist := gunPeers
	gunSync := gunsync.New(whitelist, templates, projector, deletionRegistry, salts.Lookup, localSouls, 15*time.Second, entry.WithField("component", "gunsync")).
		WithHealth(healthTracker)

	arweaveSync := arweave.New(gatewayClient, heightCache, projector, templates, deletionRegistry, failedSet, nil, arweave.DefaultConfig(), entry.WithField("component", "arweavesync")).
		WithHealth(healthTracker)

	resolverCfg := resolver.DefaultConfig()
	resolverCfg.CacheSize = viper.GetInt("cache-max-entries")
	resolverCfg.CacheTTL = time.Duration(viper.GetInt("cache-ttl-ms")) * time.Millisecond
	resolverInstance, err := resolver.New(projectorFetcher{proj: projector}, templates.LookupByName, resolverCfg, entry.WithField("component", "resolver"))
	if err != nil {
		log.Fatalf("build resolver: %v", err)
	}

	var mediaProducer media.HintProducer
	if bucket := viper.GetString("media-s3-bucket"); bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatalf("load aws config: %v", err)
		}
		s3Client := s3.NewFromConfig(awsCfg)
		mediaProducer = media.NewS3HintProducer(s3Client, bucket, viper.GetString("media-public-url-prefix"))
		log.Infof("media uploads bound to s3 bucket %s (max object size logged as %s)", bucket, humanize.Bytes(100*1024*1024))
	}

	var serverKey *secp256k1.PrivateKey
	if keyHex := viper.GetString("server-private-key"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			log.Fatalf("decode server-private-key: %v", err)
		}
		serverKey = secp256k1.PrivKeyFromBytes(raw)
		log.Infof("server signing key configured: %s", common.MaskSecret(keyHex))
	} else {
		log.Warn("no server-private-key configured: POST /records will fail to sign")
	}

	jwtSecret := viper.GetString("jwt-secret")
	log.Infof("jwt secret configured: %s", common.MaskSecret(jwtSecret))
	jwtService := security.NewJWTService(jwtSecret)

	deps := api.Deps{
		Templates:        templates,
		Projector:        projector,
		Resolver:         resolverInstance,
		Arweave:          gatewayClient,
		Gun:              gunSync,
		GunHomePeer:      viper.GetString("gun-home-peer"),
		Secrets:          secrets,
		Salts:            salts,
		JWT:              jwtService,
		Health:           healthTracker,
		MediaProducer:    mediaProducer,
		ServerKey:        serverKey,
		ServerCreatorDID: viper.GetString("server-creator-did"),
		Override:         override,
		ResolveDepthMax:  viper.GetInt("resolve-depth-max"),
		Log:              entry.WithField("component", "api"),
	}
	if secrets != nil {
		deps.EmailDomain = secrets.EmailDomainLookup
	}

	server := api.NewServer(deps)
	e := echo.New()
	server.RegisterRoutes(e)

	initDone := common.LogDuration(log, "server initialization")
	go gunSync.Run(ctx)
	go arweaveSync.Run(ctx)
	go runTemplateGC(ctx, templates, entry.WithField("component", "templates"))
	initDone()

	port := viper.GetString("port")
	go func() {
		defer common.LogPanic(log)
		log.Infof("oipd listening on :%s", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := common.LogOperation(log, "http server shutdown", func() error {
		return e.Shutdown(shutdownCtx)
	}); err != nil {
		log.Fatalf("graceful shutdown failed: %v", err)
	}
}

// runTemplateGC periodically marks templates with a zero reference count as
// unused via Registry.GC (SPEC_FULL.md §12.2); it removes no mapping. It runs
// at a slower cadence than either
// sync loop since unused-template cleanup is not latency-sensitive.
func runTemplateGC(ctx context.Context, templates *oiptemplate.Registry, log *logrus.Entry) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if unused, err := templates.GC(ctx); err != nil {
				log.WithError(err).Warn("template GC cycle failed")
			} else if len(unused) > 0 {
				log.WithField("templates", unused).Info("marked templates unused")
			}
		}
	}
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
