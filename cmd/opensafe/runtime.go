package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenSafe-Chain/internal/auth"
	"OpenSafe-Chain/internal/config"
	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/lifecycle"
	"OpenSafe-Chain/internal/observability/alerting"
	"OpenSafe-Chain/internal/remote"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/storage/file"
	"OpenSafe-Chain/internal/storage/mysql"
	"OpenSafe-Chain/internal/web3"
	"OpenSafe-Chain/internal/web3/provider"
	"OpenSafe-Chain/internal/web3/signer"
	"OpenSafe-Chain/pkg/logger"
)

// runtime 持有一次命令执行所需的全部依赖。
type runtime struct {
	cfg      *config.Config
	chains   web3.ChainDefinitions
	service  *lifecycle.Service
	registry *provider.Registry
	sessions *provider.Sessions
	closers  []func() error
	log      *slog.Logger
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) != "" {
		return config.Load(path)
	}
	return config.LoadDefault()
}

// newRuntime 按配置装配存储、链会话、远端存储与告警。
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger.Named("opensafe")}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	chains, err := web3.LoadChainDefinitions(cfg.Chains.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	rt.chains = chains

	dispatcher, err := rt.newDispatcher()
	if err != nil {
		return nil, err
	}

	rt.registry = provider.NewRegistry(chains, provider.DialEthclient)
	rt.closers = append(rt.closers, func() error { rt.registry.Close(); return nil })

	signerCfg := signer.Config{
		Kind:           cfg.Signer.Kind,
		PrivateKey:     cfg.Signer.ResolvedPrivateKey(),
		KeystoreDir:    cfg.Signer.KeystoreDir,
		Address:        cfg.Signer.Address,
		Passphrase:     cfg.Signer.ResolvedPassphrase(),
		DerivationPath: cfg.Signer.DerivationPath,
	}
	rt.sessions = provider.NewSessions(provider.NewRegistryFactory(rt.registry, func(ctx context.Context) (web3.Signer, error) {
		return signer.New(ctx, signerCfg)
	}), provider.WithRegistry(rt.registry))
	// sessions 需要先于 registry 关闭。
	rt.closers = append(rt.closers, func() error { rt.sessions.Close(); return nil })

	remoteStore := rt.newRemote()

	store, err := openStore(ctx, cfg, web3.NewNetworks(chains))
	if err != nil {
		return nil, err
	}
	rt.service = lifecycle.NewService(store, rt.sessions,
		lifecycle.WithExecutionTimeout(cfg.Execution.ConfirmationTimeout()),
		lifecycle.WithRemote(remoteStore),
		lifecycle.WithDispatcher(dispatcher),
	)
	rt.closers = append(rt.closers, rt.service.Close)
	ok = true
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config, networks *web3.Networks) (safetx.Store, error) {
	switch cfg.Storage.Driver {
	case "file", "":
		return file.New(cfg.Storage.Dir, networks)
	case "mysql":
		return mysql.NewTransactionStore(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.ResolvedDSN(),
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		})
	default:
		return nil, xerrors.Configuration("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// newRemote 构造远端存储客户端。缺少凭据时仍可拉取，发布会返回配置错误。
func (rt *runtime) newRemote() *remote.Client {
	rc := rt.cfg.Remote
	key, secret, err := rc.Credentials()
	if err != nil {
		rt.log.Debug("远端存储未配置凭据，仅支持拉取")
	}
	var opts []remote.Option
	if addr := strings.TrimSpace(rc.Cache.Address); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: rc.Cache.ResolvedPassword(),
			DB:       rc.Cache.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		opts = append(opts, remote.WithCache(remote.NewRedisCache(client, rc.Cache.Prefix, rc.Cache.CacheTTL())))
	}
	return remote.New(remote.Config{
		APIKey:         key,
		APISecret:      secret,
		PinEndpoint:    rc.PinEndpoint,
		Gateway:        rc.Gateway,
		Fallbacks:      rc.Fallbacks,
		RequestTimeout: rc.RequestTimeout(),
	}, opts...)
}

// newDispatcher 总是写日志告警，配置了 AMQP 时额外投递到队列。
func (rt *runtime) newDispatcher() (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if url := rt.cfg.Alerting.AMQP.ResolvedURL(); url != "" {
		notifier, err := alerting.NewAMQPNotifier(alerting.AMQPConfig{
			URL:     url,
			Queue:   rt.cfg.Alerting.AMQP.Queue,
			Durable: rt.cfg.Alerting.AMQP.Durable,
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, notifier.Close)
		notifiers = append(notifiers, notifier)
	}
	return alerting.NewFanout(notifiers...), nil
}

// newAuth 把配置中的令牌转换为认证服务。
func newAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        token.Name,
			Secret:      token.ResolvedToken(),
			Permissions: token.Permissions,
			Disabled:    token.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens})
}

// resolveChain 解析 --chain，未指定时使用配置中的默认链。
func (rt *runtime) resolveChain(ref string) (safetx.ChainID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = strings.TrimSpace(rt.cfg.Chains.Default)
	}
	if ref == "" {
		return 0, nil
	}
	return rt.chains.Resolve(ref)
}

// Close 逆序释放资源。
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := logger.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
