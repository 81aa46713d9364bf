package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	adhoc "PeopleDetServer/Adhoc"
	"PeopleDetServer/config"
	"PeopleDetServer/detect"
	"PeopleDetServer/engine"
	backend "PeopleDetServer/gRPC"
	"PeopleDetServer/logger"
	"PeopleDetServer/monitor"
	"PeopleDetServer/render"
	"PeopleDetServer/server"

	"github.com/getsentry/raven-go"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// UDP dial only resolves a route, no packet is sent
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func renderOptions(cfg config.RenderConfig) (render.Options, error) {
	c, err := render.ParseHexColor(cfg.Color)
	if err != nil {
		return render.Options{}, err
	}
	return render.Options{
		Color:       c,
		Mode:        render.LineWidthMode(cfg.LineMode),
		LineWidth:   cfg.LineWidth,
		LabelOffset: cfg.LabelOffset,
	}, nil
}

func main() {
	defaultPath := config.DefaultFile
	if p, ok := os.LookupEnv("CONFIG_FILE"); ok && p != "" {
		defaultPath = p
	}
	configPath := flag.String("config", defaultPath, "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()

	log.Info(strings.Repeat("#", 64))
	log.Info("Starting people detection server",
		zap.Int("cpus", runtime.NumCPU()),
		zap.Int("httpPort", cfg.HTTPPort),
		zap.Int("rpcPort", cfg.RPCPort),
		zap.String("backend", cfg.Engine.Backend),
		zap.Int("workers", cfg.Engine.Workers))
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}
	if cfg.Engine.UseGPU {
		log.Info("GPU memory must fit one network per worker")
	}

	if cfg.SentryDSN != "" {
		if err := raven.SetDSN(cfg.SentryDSN); err != nil {
			log.Warn("invalid sentry DSN, error reporting disabled", zap.Error(err))
			cfg.SentryDSN = ""
		}
	}

	pool, err := engine.LoadEngine(cfg.Engine)
	if err != nil {
		log.Fatal("Failed to load engine", zap.Error(err))
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error("failed to release engine", zap.Error(err))
		}
	}()
	engineCfg := pool.CheckConfig()
	log.Info("Engine loaded",
		zap.String("model", engineCfg.ModelPath),
		zap.Int("classes", len(engineCfg.Names)),
		zap.Int("workers", pool.Size()))

	ropts, err := renderOptions(cfg.Render)
	if err != nil {
		log.Fatal("Invalid render config", zap.Error(err))
	}
	proc := detect.NewProcessor(pool, detect.Options{
		FrameSize:  cfg.FrameSize,
		Confidence: engineCfg.Conf,
		Render:     ropts,
	})

	mon, err := monitor.New()
	if err != nil {
		log.Fatal("Failed to start monitor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.StartMon(ctx)
	}()

	srv := server.New(proc, mon, server.Options{
		MaxUploadBytes: cfg.MaxUploadBytes(),
		WSIdleTimeout:  cfg.WSIdleTimeout,
		ReleaseMode:    cfg.ReleaseMode,
		ReportErrors:   cfg.SentryDSN != "",
	})

	if cfg.RPCPort > 0 {
		rpc := backend.NewServer(srv, engineCfg, mon, cfg.SentryDSN != "")
		gs, err := backend.StartGRPCServer(rpc, cfg.RPCPort, int(cfg.MaxUploadBytes()))
		if err != nil {
			log.Fatal("Failed to start gRPC server", zap.Error(err))
		}
		defer gs.GracefulStop()
	}

	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			reg := adhoc.RegServerConfig{}
			reg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
			wg.Add(1)
			go adhoc.SendAliveMessage(ctx, reg, adhoc.Node{
				IP:      ip,
				Port:    cfg.HTTPPort,
				RPCPort: cfg.RPCPort,
				Backend: engineCfg.Backend,
				Workers: pool.Size(),
			}, &wg)
		}
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	if err := srv.Start(ctx, cfg.HTTPPort); err != nil {
		log.Error("HTTP server stopped", zap.Error(err))
	}
	stop()
	wg.Wait()
	log.Info("Safely exited")
}
