package main

import (
	"flag"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"tfstun/config"
	"tfstun/controller"
	"tfstun/utils"

	"go.uber.org/zap"
)

func main() {
	conf := flag.String("config", "", "Path to config file")

	var connect, listen, port, dev, metricsListen string
	var mtu int
	var rate, congest uint64
	var verbose, debug, dontfrag bool

	flag.StringVar(&connect, "c", "", "Client mode: peer host to connect to")
	flag.StringVar(&connect, "connect", "", "Client mode: peer host to connect to")
	flag.StringVar(&listen, "l", "", "Server mode: bind address")
	flag.StringVar(&listen, "listen", "", "Server mode: bind address")
	flag.StringVar(&port, "p", "", "UDP port or service")
	flag.StringVar(&port, "port", "", "UDP port or service")
	flag.StringVar(&dev, "d", "", "Virtual interface name template")
	flag.StringVar(&dev, "dev", "", "Virtual interface name template")
	flag.IntVar(&mtu, "m", 0, "Outer-frame size in bytes")
	flag.IntVar(&mtu, "mtu", 0, "Outer-frame size in bytes")
	flag.Uint64Var(&rate, "r", 0, "Send rate in kbit/s")
	flag.Uint64Var(&rate, "rate", 0, "Send rate in kbit/s")
	flag.Uint64Var(&congest, "C", 0, "Simulated receive cap in kbit/s")
	flag.Uint64Var(&congest, "congest-rate", 0, "Simulated receive cap in kbit/s")
	flag.BoolVar(&dontfrag, "D", false, "Set don't-fragment on outer frames")
	flag.BoolVar(&dontfrag, "dont-fragment", false, "Set don't-fragment on outer frames")
	flag.StringVar(&metricsListen, "metrics", "", "Prometheus endpoint address")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.BoolVar(&verbose, "verbose", false, "Verbose logging")
	flag.BoolVar(&debug, "debug", false, "Debug logging")
	flag.Parse()

	// Load config if a path is provided; overrides default and env
	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
		utils.SetLevel(config.GlobalCfg.Log.Level)
	}

	defer utils.Logger.Sync()

	if verbose {
		utils.SetLevel("info")
	}
	if debug {
		utils.SetLevel("debug")
	}
	if dontfrag {
		fmt.Println("dont-fragment not implemented yet")
		os.Exit(1)
	}

	// flags override the config file
	cfg := config.GlobalCfg.Tunnel
	if connect != "" {
		cfg.Connect = connect
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if port != "" {
		cfg.Port = port
	}
	if dev != "" {
		cfg.Dev = dev
	}
	if mtu != 0 {
		cfg.MTU = mtu
	}
	if rate != 0 {
		cfg.Rate = rate
	}
	if congest != 0 {
		cfg.CongestRate = congest
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if err := cfg.Verify(); err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fd, name, err := controller.TunAlloc(cfg.Dev)
	if err != nil {
		fmt.Printf("failed to open tun device: %v\n", err)
		os.Exit(1)
	}
	utils.Logger.Info("opened tun device", zap.String("dev", name), zap.Int("fd", fd))

	var s int
	var peer unix.Sockaddr
	if cfg.Connect != "" {
		s, peer, err = controller.TfsConnect(cfg.Connect, cfg.Port)
	} else {
		s, peer, err = controller.TfsAccept(cfg.Listen, cfg.Port)
	}
	if err != nil {
		fmt.Printf("failed to set up tunnel socket: %v\n", err)
		os.Exit(1)
	}

	controller.ServeMetrics(cfg.MetricsListen)

	utils.Logger.Info("TFSTUN 启动...")
	wg := &sync.WaitGroup{}
	controller.NewTunnel(fd, s, peer, cfg).Start(wg)
	wg.Wait()
	utils.Logger.Info("TFSTUN 关闭...")
}
