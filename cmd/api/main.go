package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"nftmarket/internal/api"
	"nftmarket/internal/app"
	"nftmarket/internal/config"
	"nftmarket/internal/shutdown"
	"nftmarket/internal/wallet"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	port       = flag.Int("port", 0, "API 服务端口，0 表示取配置")
	verbose    = flag.Bool("verbose", false, "详细输出")
	connect    = flag.Bool("connect", false, "启动时连接默认钱包")
)

func main() {
	flag.Parse()

	cfg, logger, err := app.Bootstrap(*configPath, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}

	m := shutdown.New(shutdown.DefaultTimeout, logger)
	m.Listen()

	// 服务端没有终端，签名请求由调用方在界面上确认后再发起
	a, err := app.New(m.Context(), cfg, logger, app.Options{Approver: wallet.AutoApprove})
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}
	a.RegisterShutdown(m)

	// 配置了数据库时允许通过接口修改合约地址
	var contracts api.ContractStore
	if dsn := os.Getenv(config.EnvDBDSN); dsn != "" {
		db, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("连接配置数据库失败，合约地址只读: %v", err)
		} else {
			contracts = db
			m.Register("config-db", shutdown.OrderCloseStores, func(ctx context.Context) error {
				return db.Close()
			})
		}
	}

	if *connect {
		if err := a.ConnectDefault(m.Context(), ""); err != nil {
			logger.Warnf("连接默认钱包失败: %v", err)
		}
	}

	listenPort := cfg.API.Port
	if *port > 0 {
		listenPort = *port
	}
	server := api.NewServer(api.DepsFromApp(a, contracts), logger, listenPort)
	m.Register("api-server", shutdown.OrderStopServer, server.Stop)

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("启动服务器失败: %v", err)
			_ = m.Shutdown()
		}
	}()

	logger.Infof("API服务器已启动，监听端口: %d", listenPort)
	logger.Debugf("停机顺序: %v", m.Names())

	if err := m.Wait(); err != nil {
		logger.Errorf("停机时出现错误: %v", err)
		os.Exit(1)
	}
	logger.Info("服务器已关闭")
}
