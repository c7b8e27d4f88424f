package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"uvs/api"
	"uvs/blacklist"
	"uvs/discovery"
	"uvs/guard"
	"uvs/resolver"
	"uvs/verify"
)

// These get overwritten during linking
var (
	VersionSemantic = "0.0.0"
	VersionDate     = "0001/01/01-99:99:99-0800"
	VersionGitHash  = "cafexxx"
)

func main() {
	var params cli
	kctx := kong.Parse(&params,
		kong.Name("uvs"),
		kong.Description("Matrix user verification service"))
	kctx.FatalIfErrorf(params.validate())

	level, _ := parseLogLevel(params.LogLevel)
	logger := newLogger(level)
	slog.SetDefault(logger)
	logger.Info(os.Args[0]+" version "+VersionSemantic+" starting", "date", VersionDate, "git_hash", VersionGitHash)
	logger.Info("configuration", "listen_address", params.ListenAddress, "port", params.Port,
		"homeserver_url", params.HomeserverURL, "verify_any_homeserver", params.OpenIDVerifyAnyHomeserver,
		"auth", params.AuthToken != "", "blacklist_url", params.BlacklistURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, err := newHandler(ctx, params, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	if err = serve(ctx, params, handler, logger); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.Info("Shut down")
}

// newHandler wires resolver → blacklist → guarded client → discovery → verifier → routes
func newHandler(ctx context.Context, params cli, logger *slog.Logger) (http.Handler, error) {
	var (
		res *resolver.Resolver
		err error
	)
	if len(params.Nameservers) > 0 {
		res, err = resolver.New(params.Nameservers, logger)
	} else {
		res, err = resolver.FromResolvConf(params.ResolvConf, logger)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("resolving with nameservers", "nameservers", res.Nameservers())

	bl := blacklist.Default()
	if params.BlacklistURL != "" {
		extra, err := blacklist.Load(ctx, params.BlacklistURL)
		if err != nil {
			return nil, err
		}
		bl = bl.With(extra)
		logger.Info("loaded extra blacklisted ranges", "count", len(extra), "url", params.BlacklistURL)
	}
	if params.DisableIPBlacklist {
		logger.Warn("IP blacklist is disabled: discovery and fetches can reach private networks")
	}
	checker := &blacklist.HostChecker{
		Blacklist: bl,
		Resolver:  res,
		Disabled:  params.DisableIPBlacklist,
		Logger:    logger,
	}

	federation := guard.NewClient(guard.Options{Checker: checker, Logger: logger})
	// our own homeserver is trusted, and may well live on a private network
	homeserver := guard.NewClient(guard.Options{
		Checker: &blacklist.HostChecker{Disabled: true},
		Logger:  logger,
	})
	engine := discovery.NewEngine(discovery.Options{
		Checker: checker,
		Fetcher: federation,
		SRV:     res,
		Logger:  logger,
	})
	verifier := verify.NewVerifier(verify.Options{
		HomeserverURL:       params.HomeserverURL,
		AccessToken:         params.AccessToken,
		VerifyAnyHomeserver: params.OpenIDVerifyAnyHomeserver,
		Discoverer:          engine,
		Federation:          federation,
		Homeserver:          homeserver,
		Logger:              logger,
	})
	return api.NewHandler(api.Options{
		Verifier:  verifier,
		AuthToken: params.AuthToken,
		Logger:    logger,
	}), nil
}

func serve(ctx context.Context, params cli, handler http.Handler, logger *slog.Logger) error {
	address := net.JoinHostPort(params.ListenAddress, strconv.Itoa(params.Port))
	listener, err := net.Listen("tcp", address)
	switch {
	case err == nil:
	case isErrorPermissionsError(err):
		logger.Error("Try invoking me with `sudo` because I don't have permission to bind to " + address)
		return err
	case isErrorAddressAlreadyInUse(err):
		logger.Error("I couldn't bind to " + address + ", something else is listening there")
		return err
	default:
		return err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// well-known, SRV and userinfo can each take up to 10s
		WriteTimeout: 60 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Ready to verify users", "address", listener.Addr().String())
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Thanks https://stackoverflow.com/a/52152912/2510873
func isErrorAddressAlreadyInUse(err error) bool {
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno // doesn't need a "*" (ptr) because it's already a ptr (uintptr)
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errors.Is(errErrno, syscall.EADDRINUSE) {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}

func isErrorPermissionsError(err error) bool {
	var eOsSyscall *os.SyscallError
	if errors.As(err, &eOsSyscall) {
		if os.IsPermission(eOsSyscall) {
			return true
		}
	}
	return false
}
